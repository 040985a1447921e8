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

// Processor turns verified gateway events into billing state. Every
// handler is idempotent: redelivering any event, any number of times,
// in any order, converges on the same stored state.
type Processor struct {
	provider gateway.Provider
	store    Store
	manager  *Manager
	ledger   *Ledger
	chain    *plan.Chain
	cache    EventCache
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
}

type ProcessorOption func(*Processor)

// WithEventCache sets a dedupe cache for event ids. The cache is an
// optimization; correctness never depends on it.
func WithEventCache(cache EventCache) ProcessorOption {
	return func(p *Processor) { p.cache = cache }
}

func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log }
}

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(provider gateway.Provider, store Store, manager *Manager, ledger *Ledger, chain *plan.Chain, opts ...ProcessorOption) *Processor {
	p := &Processor{
		provider: provider,
		store:    store,
		manager:  manager,
		ledger:   ledger,
		chain:    chain,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle verifies and processes one webhook delivery. A returned error
// wrapping gateway.ErrWebhookVerification means the request was not
// authentic; any other error means processing failed and the provider
// should redeliver.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) error {
	evt, err := p.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		p.metrics.event("unverified", "rejected")
		return err
	}
	return p.Process(ctx, evt)
}

// Process applies one verified event.
func (p *Processor) Process(ctx context.Context, evt gateway.Event) error {
	log := p.log.With(slog.String("event_id", evt.EventID()))

	if seen := p.cachedSeen(ctx, evt.EventID()); seen {
		log.DebugContext(ctx, "duplicate event skipped via cache")
		p.metrics.event(eventKind(evt), "duplicate")
		return nil
	}

	var err error
	switch e := evt.(type) {
	case gateway.CheckoutCompleted:
		err = p.handleCheckoutCompleted(ctx, e)
	case gateway.PaymentSucceeded:
		err = p.handlePaymentSucceeded(ctx, e)
	case gateway.PaymentFailed:
		err = p.handlePaymentFailed(ctx, e)
	case gateway.SubscriptionCanceled:
		err = p.handleSubscriptionCanceled(ctx, e)
	case gateway.Ignored:
		log.DebugContext(ctx, "event type not handled", slog.String("kind", e.Kind))
		p.metrics.event(e.Kind, "ignored")
		return nil
	default:
		log.WarnContext(ctx, "unknown event variant")
		return nil
	}
	if err != nil {
		p.metrics.event(eventKind(evt), "error")
		return err
	}
	p.markSeen(ctx, evt.EventID())
	p.metrics.event(eventKind(evt), "ok")
	return nil
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, e gateway.CheckoutCompleted) error {
	log := p.log.With(
		slog.String("event_id", e.ID),
		slog.String("session_id", e.SessionID))

	sess, err := p.store.Sessions().GetByGatewayID(ctx, e.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// redelivery cannot fix a session we never recorded; ack
			// and surface for investigation
			log.WarnContext(ctx, "checkout completed for unknown session")
			p.metrics.unknownReference()
			return nil
		}
		return err
	}
	if sess.IsTerminal() {
		log.DebugContext(ctx, "session already settled")
		return nil
	}
	if !e.Paid {
		// async payment methods complete later; leave the session open
		log.InfoContext(ctx, "checkout completed unpaid, awaiting settlement")
		return nil
	}

	if sess.Mode != gateway.ModeSubscription {
		return p.completeOneTime(ctx, sess, e)
	}

	// Resolve the provider subscription before opening the transaction
	// so network failures leave no partial state behind.
	subID := e.SubscriptionID
	if subID == "" {
		state, err := p.provider.RetrieveSession(ctx, e.SessionID)
		if err != nil {
			return err
		}
		subID = state.SubscriptionID
		if subID == "" {
			log.WarnContext(ctx, "completed subscription checkout carries no subscription")
			p.metrics.unknownReference()
			return nil
		}
	}
	subState, err := p.provider.RetrieveSubscription(ctx, subID)
	if err != nil {
		return err
	}

	priceID := subState.PriceID
	if priceID == "" {
		priceID = e.PriceID
	}
	if priceID == "" {
		priceID = sess.PriceID
	}
	res, err := p.chain.Resolve(priceID)
	if err != nil {
		return err
	}
	if res.Resolver != plan.ResolverCatalog {
		log.WarnContext(ctx, "price resolved outside catalog",
			slog.String("price_id", priceID),
			slog.String("resolver", res.Resolver),
			slog.String("plan", string(res.Type)))
		p.metrics.planFallback(res.Resolver)
	}

	userID, err := p.resolveUser(sess, e.UserRef)
	if err != nil {
		log.WarnContext(ctx, "cannot attribute completed checkout to a user",
			slog.Any("error", err))
		p.metrics.unknownReference()
		return nil
	}

	pl, err := p.manager.plans.Get(res.Type)
	if err != nil {
		return err
	}
	amount, currency := e.Amount, e.Currency
	if amount == 0 {
		amount, currency = pl.Price.Amount, pl.Price.Currency
	}

	now := p.now()
	return p.store.WithinTx(ctx, func(tx Store) error {
		completed, err := tx.Sessions().Complete(ctx, e.SessionID, e.Raw, now)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				log.WarnContext(ctx, "completion arrived after session was expired")
				return nil
			}
			return err
		}
		if completed.SubscriptionID != nil {
			// a concurrent delivery finished the cascade
			return nil
		}

		sub, err := p.manager.withStore(tx).UpgradeUser(ctx, userID, res.Type, p.provider.Name(), subID, subState)
		if err != nil {
			return err
		}
		if err := tx.Sessions().LinkSubscription(ctx, completed.ID, sub.ID); err != nil {
			return err
		}

		settlementID := e.SettlementID
		if settlementID == "" {
			settlementID = e.SessionID
		}
		paidAt := now
		_, created, err := p.ledger.withStore(tx).Record(ctx, &Payment{
			SubscriptionID: &sub.ID,
			Amount:         amount,
			Currency:       currency,
			Status:         PaymentCompleted,
			Provider:       p.provider.Name(),
			ExternalID:     settlementID,
			PaidAt:         &paidAt,
		})
		if err != nil {
			return err
		}
		if created {
			p.metrics.paymentRecorded(PaymentCompleted)
		}
		log.InfoContext(ctx, "checkout settled",
			slog.String("user_id", userID.String()),
			slog.String("subscription_id", sub.ID.String()),
			slog.String("plan", string(res.Type)))
		return nil
	})
}

func (p *Processor) completeOneTime(ctx context.Context, sess *CheckoutSession, e gateway.CheckoutCompleted) error {
	now := p.now()
	return p.store.WithinTx(ctx, func(tx Store) error {
		if _, err := tx.Sessions().Complete(ctx, e.SessionID, e.Raw, now); err != nil {
			if errors.Is(err, ErrSessionExpired) {
				return nil
			}
			return err
		}
		settlementID := e.SettlementID
		if settlementID == "" {
			settlementID = e.SessionID
		}
		paidAt := now
		_, created, err := p.ledger.withStore(tx).Record(ctx, &Payment{
			Amount:     e.Amount,
			Currency:   e.Currency,
			Status:     PaymentCompleted,
			Provider:   p.provider.Name(),
			ExternalID: settlementID,
			PaidAt:     &paidAt,
		})
		if err != nil {
			return err
		}
		if created {
			p.metrics.paymentRecorded(PaymentCompleted)
		}
		return nil
	})
}

func (p *Processor) handlePaymentSucceeded(ctx context.Context, e gateway.PaymentSucceeded) error {
	log := p.log.With(
		slog.String("event_id", e.ID),
		slog.String("provider_subscription_id", e.SubscriptionID))

	sub, err := p.store.Subscriptions().GetByExternalID(ctx, e.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			log.WarnContext(ctx, "payment succeeded for unknown subscription")
			p.metrics.unknownReference()
			return nil
		}
		return err
	}

	paidAt := p.now()
	return p.store.WithinTx(ctx, func(tx Store) error {
		_, created, err := p.ledger.withStore(tx).Record(ctx, &Payment{
			SubscriptionID: &sub.ID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			Status:         PaymentCompleted,
			Provider:       p.provider.Name(),
			ExternalID:     e.SettlementID,
			PaidAt:         &paidAt,
		})
		if err != nil {
			return err
		}
		if !created {
			// this settlement already renewed the subscription
			log.DebugContext(ctx, "settlement already recorded")
			return nil
		}
		p.metrics.paymentRecorded(PaymentCompleted)

		if _, err := p.manager.withStore(tx).Renew(ctx, sub.ID, e.PeriodEnd); err != nil {
			if errors.Is(err, ErrSubscriptionCanceled) {
				// keep the ledger entry, never resurrect
				log.WarnContext(ctx, "payment received for canceled subscription")
				return nil
			}
			return err
		}
		return nil
	})
}

func (p *Processor) handlePaymentFailed(ctx context.Context, e gateway.PaymentFailed) error {
	log := p.log.With(
		slog.String("event_id", e.ID),
		slog.String("provider_subscription_id", e.SubscriptionID))

	sub, err := p.store.Subscriptions().GetByExternalID(ctx, e.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			log.WarnContext(ctx, "payment failed for unknown subscription")
			p.metrics.unknownReference()
			return nil
		}
		return err
	}

	return p.store.WithinTx(ctx, func(tx Store) error {
		// The invoice id may later settle successfully; a suffixed key
		// keeps the failure record from blocking that insert.
		externalID := e.ID
		if e.SettlementID != "" {
			externalID = e.SettlementID + "/failed"
		}
		var dueAt *time.Time
		if !e.DueAt.IsZero() {
			dueAt = &e.DueAt
		}
		_, created, err := p.ledger.withStore(tx).Record(ctx, &Payment{
			SubscriptionID: &sub.ID,
			Amount:         e.Amount,
			Currency:       e.Currency,
			Status:         PaymentFailed,
			Provider:       p.provider.Name(),
			ExternalID:     externalID,
			DueAt:          dueAt,
		})
		if err != nil {
			return err
		}
		if !created {
			log.DebugContext(ctx, "failure already recorded")
			return nil
		}
		p.metrics.paymentRecorded(PaymentFailed)

		if sub.Status == StatusCanceled {
			// recorded for the audit trail only
			log.InfoContext(ctx, "payment failure on canceled subscription")
			return nil
		}
		if err := p.manager.withStore(tx).HandleExpired(ctx, sub.UserID); err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				return nil
			}
			return err
		}
		return nil
	})
}

func (p *Processor) handleSubscriptionCanceled(ctx context.Context, e gateway.SubscriptionCanceled) error {
	log := p.log.With(
		slog.String("event_id", e.ID),
		slog.String("provider_subscription_id", e.SubscriptionID))

	sub, err := p.store.Subscriptions().GetByExternalID(ctx, e.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			log.WarnContext(ctx, "cancellation for unknown subscription")
			p.metrics.unknownReference()
			return nil
		}
		return err
	}
	return p.store.WithinTx(ctx, func(tx Store) error {
		return p.manager.withStore(tx).Cancel(ctx, sub.ID, e.CanceledAt)
	})
}

func (p *Processor) resolveUser(sess *CheckoutSession, userRef string) (uuid.UUID, error) {
	if sess.UserID != uuid.Nil {
		return sess.UserID, nil
	}
	return uuid.Parse(userRef)
}

func (p *Processor) cachedSeen(ctx context.Context, eventID string) bool {
	if p.cache == nil {
		return false
	}
	seen, err := p.cache.Seen(ctx, eventID)
	if err != nil {
		p.log.WarnContext(ctx, "event cache unavailable", slog.Any("error", err))
		return false
	}
	return seen
}

func (p *Processor) markSeen(ctx context.Context, eventID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.MarkSeen(ctx, eventID); err != nil {
		p.log.WarnContext(ctx, "failed to mark event seen", slog.Any("error", err))
	}
}

func eventKind(evt gateway.Event) string {
	switch evt.(type) {
	case gateway.CheckoutCompleted:
		return "checkout_completed"
	case gateway.PaymentSucceeded:
		return "payment_succeeded"
	case gateway.PaymentFailed:
		return "payment_failed"
	case gateway.SubscriptionCanceled:
		return "subscription_canceled"
	default:
		return "other"
	}
}
