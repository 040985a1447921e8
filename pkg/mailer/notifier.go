package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/billing"
)

// AddressLookup resolves a user id to their email address. The user
// directory lives outside this service, so the lookup is injected.
type AddressLookup func(ctx context.Context, userID uuid.UUID) (string, error)

// BillingNotifier implements billing.Notifier over email.
type BillingNotifier struct {
	sender Sender
	lookup AddressLookup
}

func NewBillingNotifier(sender Sender, lookup AddressLookup) *BillingNotifier {
	return &BillingNotifier{sender: sender, lookup: lookup}
}

func (n *BillingNotifier) PaymentFailed(ctx context.Context, userID uuid.UUID, sub *billing.Subscription) error {
	addr, err := n.lookup(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve email for user %s: %w", userID, err)
	}
	grace := ""
	if sub.PastDueSince != nil {
		grace = fmt.Sprintf("<p>Please update your payment method before %s to keep your benefits.</p>",
			sub.PastDueSince.Add(billing.DefaultGracePeriod).Format("January 2, 2006"))
	}
	return n.sender.Send(ctx, Message{
		To:      addr,
		Subject: "We couldn't process your payment",
		BodyHTML: fmt.Sprintf(
			"<p>Your latest payment for the %s plan didn't go through.</p>%s",
			sub.PlanType, grace),
		Tag: "billing-payment-failed",
	})
}

func (n *BillingNotifier) SubscriptionCanceled(ctx context.Context, userID uuid.UUID, sub *billing.Subscription) error {
	addr, err := n.lookup(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve email for user %s: %w", userID, err)
	}
	when := time.Now().UTC()
	if sub.CanceledAt != nil {
		when = *sub.CanceledAt
	}
	return n.sender.Send(ctx, Message{
		To:      addr,
		Subject: "Your subscription has ended",
		BodyHTML: fmt.Sprintf(
			"<p>Your %s plan was canceled on %s. You're now on the free plan and can resubscribe anytime.</p>",
			sub.PlanType, when.Format("January 2, 2006")),
		Tag: "billing-subscription-canceled",
	})
}
