package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/plan"
)

// EntitlementSink receives plan changes. Implementations flip feature
// access for a user; failures are logged but never block billing state,
// the sink can be replayed from the subscription table.
type EntitlementSink interface {
	SetPlan(ctx context.Context, userID uuid.UUID, t plan.Type) error
}

// Notifier sends user-facing billing notifications.
type Notifier interface {
	PaymentFailed(ctx context.Context, userID uuid.UUID, sub *Subscription) error
	SubscriptionCanceled(ctx context.Context, userID uuid.UUID, sub *Subscription) error
}

// NopEntitlements discards plan changes.
type NopEntitlements struct{}

func (NopEntitlements) SetPlan(context.Context, uuid.UUID, plan.Type) error { return nil }

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) PaymentFailed(context.Context, uuid.UUID, *Subscription) error { return nil }

func (NopNotifier) SubscriptionCanceled(context.Context, uuid.UUID, *Subscription) error {
	return nil
}
