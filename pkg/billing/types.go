package billing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/plan"
)

// SessionStatus is the local lifecycle state of a checkout session.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// PaymentState tracks whether a checkout session was paid.
type PaymentState string

const (
	PaymentStateUnpaid PaymentState = "unpaid"
	PaymentStatePaid   PaymentState = "paid"
)

// SubscriptionStatus is the state of a subscription.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// PaymentStatus is the outcome of a settlement attempt.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// CheckoutSession is the durable record of one checkout attempt. Sessions
// are never deleted: they are the audit trail and the reconciler's work
// queue. Only the webhook processor and the reconciler mutate them after
// creation.
type CheckoutSession struct {
	ID             uuid.UUID
	GatewayID      string // provider's session id, unique
	Provider       string
	UserID         uuid.UUID // uuid.Nil until resolved
	Status         SessionStatus
	PaymentState   PaymentState
	Mode           gateway.Mode
	PriceID        string
	PlanType       plan.Type
	SubscriptionID *uuid.UUID // set once the completion cascade ran
	Snapshot       json.RawMessage
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CompletedAt    *time.Time
}

// IsTerminal reports whether the session must never be reprocessed.
// A subscription-mode session is terminal only once it is both complete
// and linked; completion without a link means a previous cascade was
// interrupted and may be safely re-run.
func (s *CheckoutSession) IsTerminal() bool {
	switch s.Status {
	case SessionExpired:
		return true
	case SessionComplete:
		return s.Mode != gateway.ModeSubscription || s.SubscriptionID != nil
	default:
		return false
	}
}

// Subscription is a user's governing subscription. At most one
// non-canceled row exists per user at any time.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PlanType           plan.Type
	Status             SubscriptionStatus
	Provider           string
	ExternalID         string // provider's subscription id, unique when present
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	PastDueSince       *time.Time
	CanceledAt         *time.Time
	Snapshot           json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsGoverning reports whether this subscription still determines the
// user's entitlement.
func (s *Subscription) IsGoverning() bool {
	return s.Status != StatusCanceled
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// Payment is one settlement attempt, success or failure. Rows are
// immutable after creation; ExternalID carries the unique constraint
// that collapses webhook redelivery into a single record.
type Payment struct {
	ID             uuid.UUID
	SubscriptionID *uuid.UUID // nil for one-time purchases
	Amount         int64
	Currency       string
	Status         PaymentStatus
	Provider       string
	ExternalID     string // provider's settlement id; empty means none
	PaidAt         *time.Time
	DueAt          *time.Time
	CreatedAt      time.Time
}
