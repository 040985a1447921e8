package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/otakuflix/billing/pkg/gateway"
)

// DefaultReconcileInterval is how often the background sweep runs.
const DefaultReconcileInterval = 15 * time.Minute

// Reconciler closes the webhook delivery gap. It sweeps sessions still
// open past their expiry, asks the provider what actually happened, and
// either replays the completion through the processor's idempotent path
// or expires the session locally.
type Reconciler struct {
	store     Store
	provider  gateway.Provider
	processor *Processor
	interval  time.Duration
	metrics   *Metrics
	log       *slog.Logger
	now       func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = log }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(store Store, provider gateway.Provider, processor *Processor, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     store,
		provider:  provider,
		processor: processor,
		interval:  DefaultReconcileInterval,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one sweep. Per-session failures are logged and left for
// the next sweep; only a failure to list candidates aborts the run.
func (r *Reconciler) Run(ctx context.Context) error {
	sessions, err := r.store.Sessions().FindExpiredOpen(ctx, r.now())
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcile(ctx, sess); err != nil {
			r.log.WarnContext(ctx, "failed to reconcile session",
				slog.String("session_id", sess.GatewayID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, sess *CheckoutSession) error {
	state, err := r.provider.RetrieveSession(ctx, sess.GatewayID)
	if err != nil {
		return err
	}

	log := r.log.With(slog.String("session_id", sess.GatewayID))
	switch {
	case state.Status == gateway.SessionComplete && state.Paid:
		// same cascade the webhook would have run
		evt := gateway.CheckoutCompleted{
			ID:             "reconcile:" + sess.GatewayID,
			SessionID:      sess.GatewayID,
			SubscriptionID: state.SubscriptionID,
			UserRef:        state.UserRef,
			PriceID:        state.PriceID,
			Mode:           sess.Mode,
			Paid:           true,
			Raw:            state.Raw,
		}
		if err := r.processor.handleCheckoutCompleted(ctx, evt); err != nil {
			return err
		}
		log.InfoContext(ctx, "repaired missed checkout completion")
		r.metrics.repaired()
		return nil
	case state.Status == gateway.SessionExpired,
		state.Status == gateway.SessionOpen:
		// open past expiry counts as abandoned
		if err := r.store.Sessions().MarkExpired(ctx, sess.ID); err != nil {
			return err
		}
		log.InfoContext(ctx, "expired abandoned session")
		r.metrics.expired()
		return nil
	default:
		log.WarnContext(ctx, "session in unexpected provider state",
			slog.String("status", string(state.Status)))
		return nil
	}
}

// Start runs sweeps on a ticker until the context is canceled.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.InfoContext(ctx, "reconciler started",
		slog.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				r.log.ErrorContext(ctx, "reconcile sweep failed", slog.Any("error", err))
			}
		}
	}
}
