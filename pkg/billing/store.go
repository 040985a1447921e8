package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStore persists checkout sessions.
type SessionStore interface {
	// Record inserts a new open session. Returns ErrDuplicateSession
	// when the gateway session id is already recorded.
	Record(ctx context.Context, s *CheckoutSession) error
	// GetByGatewayID returns the session for a provider session id.
	GetByGatewayID(ctx context.Context, gatewayID string) (*CheckoutSession, error)
	// Complete transitions an open session to complete and paid,
	// storing the event snapshot. Completing an already-complete
	// session is a no-op returning the stored row; completing an
	// expired session returns ErrSessionExpired.
	Complete(ctx context.Context, gatewayID string, snapshot json.RawMessage, at time.Time) (*CheckoutSession, error)
	// LinkSubscription sets the session's subscription exactly once.
	// Linking to the same subscription again is a no-op; linking to a
	// different one returns ErrSessionLinkConflict.
	LinkSubscription(ctx context.Context, sessionID, subscriptionID uuid.UUID) error
	// MarkExpired transitions an open session to expired. No-op when
	// the session is already terminal.
	MarkExpired(ctx context.Context, sessionID uuid.UUID) error
	// FindExpiredOpen lists sessions still open past their expiry.
	FindExpiredOpen(ctx context.Context, now time.Time) ([]*CheckoutSession, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// Create inserts a subscription. Returns ErrDuplicateSubscription
	// when the external id is already recorded.
	Create(ctx context.Context, s *Subscription) error
	Update(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// GetGoverning returns the user's non-canceled subscription, or
	// ErrSubscriptionNotFound when the user has none.
	GetGoverning(ctx context.Context, userID uuid.UUID) (*Subscription, error)
}

// PaymentStore persists the append-only payment ledger.
type PaymentStore interface {
	// Create inserts a payment. Returns ErrDuplicatePayment when the
	// external settlement id is already recorded.
	Create(ctx context.Context, p *Payment) error
	GetByExternalID(ctx context.Context, externalID string) (*Payment, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error)
}

// Store aggregates the billing stores and provides transactional
// scoping. The webhook completion cascade writes to all three stores
// and must land atomically.
type Store interface {
	Sessions() SessionStore
	Subscriptions() SubscriptionStore
	Payments() PaymentStore
	// WithinTx runs fn against a transaction-scoped Store. Returning
	// an error from fn rolls back every write made through it.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
