package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/plan"
)

// DefaultSessionTTL bounds sessions whose provider reports no expiry.
const DefaultSessionTTL = 24 * time.Hour

// Checkout starts hosted checkout sessions. Each started session is
// recorded before the user is redirected; a session the provider knows
// about but we do not cannot be reconciled later.
type Checkout struct {
	provider gateway.Provider
	store    Store
	plans    *plan.Catalog
	manager  *Manager
	ttl      time.Duration
	log      *slog.Logger
	now      func() time.Time
}

type CheckoutOption func(*Checkout)

func WithSessionTTL(d time.Duration) CheckoutOption {
	return func(c *Checkout) { c.ttl = d }
}

func WithCheckoutLogger(log *slog.Logger) CheckoutOption {
	return func(c *Checkout) { c.log = log }
}

func WithCheckoutClock(now func() time.Time) CheckoutOption {
	return func(c *Checkout) { c.now = now }
}

func NewCheckout(provider gateway.Provider, store Store, plans *plan.Catalog, manager *Manager, opts ...CheckoutOption) *Checkout {
	c := &Checkout{
		provider: provider,
		store:    store,
		plans:    plans,
		manager:  manager,
		ttl:      DefaultSessionTTL,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CheckoutInput struct {
	UserID     uuid.UUID
	Email      string
	Plan       plan.Type
	SuccessURL string
	CancelURL  string
}

type CheckoutResult struct {
	// RedirectURL is where to send the user: the provider's hosted
	// page, or SuccessURL directly for plans that need no payment.
	RedirectURL string
	SessionID   string // empty when no provider session was needed
}

// Start begins checkout for the given plan. Free plans skip the
// provider entirely and take effect immediately.
func (c *Checkout) Start(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	pl, err := c.plans.Get(in.Plan)
	if err != nil {
		return nil, err
	}

	if pl.IsFree() {
		if _, err := c.manager.UpgradeUser(ctx, in.UserID, pl.Type, "", "", nil); err != nil {
			return nil, err
		}
		return &CheckoutResult{RedirectURL: in.SuccessURL}, nil
	}

	cs, err := c.provider.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
		UserID:     in.UserID.String(),
		Email:      in.Email,
		PriceID:    pl.PriceID,
		Mode:       gateway.ModeSubscription,
		SuccessURL: in.SuccessURL,
		CancelURL:  in.CancelURL,
	})
	if err != nil {
		c.log.ErrorContext(ctx, "provider refused checkout session",
			slog.String("user_id", in.UserID.String()),
			slog.String("plan", string(pl.Type)),
			slog.Any("error", err))
		return nil, errors.Join(ErrCheckoutUnavailable, err)
	}

	now := c.now()
	expiresAt := cs.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.ttl)
	}
	sess := &CheckoutSession{
		ID:           uuid.New(),
		GatewayID:    cs.SessionID,
		Provider:     c.provider.Name(),
		UserID:       in.UserID,
		Status:       SessionOpen,
		PaymentState: PaymentStateUnpaid,
		Mode:         gateway.ModeSubscription,
		PriceID:      pl.PriceID,
		PlanType:     pl.Type,
		Snapshot:     cs.Raw,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}
	if err := c.store.Sessions().Record(ctx, sess); err != nil {
		// without a local record the session is invisible to both the
		// webhook path and the reconciler, so fail the checkout
		return nil, err
	}

	c.log.InfoContext(ctx, "checkout session started",
		slog.String("user_id", in.UserID.String()),
		slog.String("session_id", cs.SessionID),
		slog.String("plan", string(pl.Type)))
	return &CheckoutResult{RedirectURL: cs.URL, SessionID: cs.SessionID}, nil
}
