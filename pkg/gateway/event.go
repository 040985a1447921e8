package gateway

import (
	"encoding/json"
	"time"
)

// Event is the tagged union of webhook events the billing core handles.
// Providers translate their wire events into exactly one of the concrete
// types below; anything the core does not act on becomes Ignored rather
// than leaking an opaque provider payload through the pipeline.
type Event interface {
	// EventID is the provider's unique id for this delivery, used to
	// collapse redelivered events.
	EventID() string

	event()
}

// CheckoutCompleted signals that a hosted checkout session finished.
type CheckoutCompleted struct {
	ID             string
	SessionID      string
	SubscriptionID string // empty for one-time purchases
	SettlementID   string // settlement id of the initial payment, when known
	UserRef        string // our user id echoed back by the provider
	PriceID        string // may be empty; resolved via RetrieveSubscription
	Mode           Mode
	Paid           bool
	Amount         int64
	Currency       string
	Raw            json.RawMessage
}

// PaymentSucceeded signals a settled renewal payment on a subscription.
type PaymentSucceeded struct {
	ID             string
	SubscriptionID string
	SettlementID   string // provider's settlement/invoice id, the idempotency key
	Amount         int64
	Currency       string
	PeriodEnd      time.Time // zero when the provider payload carries no period
	Raw            json.RawMessage
}

// PaymentFailed signals a failed settlement attempt.
type PaymentFailed struct {
	ID             string
	SubscriptionID string
	SettlementID   string
	Amount         int64
	Currency       string
	DueAt          time.Time
	Raw            json.RawMessage
}

// SubscriptionCanceled signals the provider terminated a subscription.
type SubscriptionCanceled struct {
	ID             string
	SubscriptionID string
	CanceledAt     time.Time
	Raw            json.RawMessage
}

// Ignored is a verified event of a type the core acknowledges but does
// not act on.
type Ignored struct {
	ID   string
	Kind string // original provider event name, for logging
}

func (e CheckoutCompleted) EventID() string     { return e.ID }
func (e PaymentSucceeded) EventID() string      { return e.ID }
func (e PaymentFailed) EventID() string         { return e.ID }
func (e SubscriptionCanceled) EventID() string  { return e.ID }
func (e Ignored) EventID() string               { return e.ID }

func (CheckoutCompleted) event()    {}
func (PaymentSucceeded) event()     {}
func (PaymentFailed) event()        {}
func (SubscriptionCanceled) event() {}
func (Ignored) event()              {}
