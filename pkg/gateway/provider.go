package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Mode distinguishes recurring subscriptions from one-time purchases.
type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModePayment      Mode = "payment"
)

// Provider is the narrow interface the billing core uses to talk to one
// payment gateway. Implementations are pure translation: network calls
// only, no local state. All outbound calls carry an explicit timeout so
// a hung gateway can never wedge webhook processing.
type Provider interface {
	// Name identifies the provider ("stripe", "paddle") for logging and
	// for tagging persisted records.
	Name() string

	// CreateCheckoutSession starts a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// ParseWebhook verifies the signature and translates the payload into
	// a typed Event. Verification failure returns ErrWebhookVerification;
	// it is a security boundary, never a panic. Event types the core does
	// not handle come back as Ignored.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (Event, error)

	// RetrieveSession re-queries the gateway for the current state of a
	// checkout session. Used by the reconciler as ground truth for
	// sessions whose webhook never arrived.
	RetrieveSession(ctx context.Context, sessionID string) (*SessionState, error)

	// RetrieveSubscription fetches the provider's subscription object.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
}

// CheckoutRequest contains everything needed to start a checkout.
type CheckoutRequest struct {
	UserID     string // internal user id, round-trips through the provider
	Email      string // pre-fills billing email when known
	PriceID    string // provider's price identifier
	Mode       Mode
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's answer to CreateCheckoutSession.
type CheckoutSession struct {
	SessionID string
	URL       string // redirect target; may be empty if the provider issues none
	ExpiresAt time.Time
	Raw       json.RawMessage // provider response snapshot for the audit trail
}

// SessionStatus mirrors the gateway's view of a checkout session.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// SessionState is the current provider-side state of a checkout session.
type SessionState struct {
	ID             string
	Status         SessionStatus
	Paid           bool
	Mode           Mode
	UserRef        string // our user id as echoed back by the provider
	SubscriptionID string // set once the session produced a subscription
	PriceID        string
	Raw            json.RawMessage
}

// SubscriptionState is the current provider-side state of a subscription.
type SubscriptionState struct {
	ID          string
	Status      string // provider-specific status string
	PriceID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	CanceledAt  *time.Time
	Raw         json.RawMessage
}
