package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/plan"
)

// DefaultGracePeriod is how long a past_due subscription keeps its
// entitlement before a further failure cancels it.
const DefaultGracePeriod = 7 * 24 * time.Hour

// Manager owns subscription lifecycle transitions. All methods are
// idempotent: replaying the event that triggered a transition leaves
// the subscription unchanged.
type Manager struct {
	store        Store
	plans        *plan.Catalog
	grace        time.Duration
	entitlements EntitlementSink
	notifier     Notifier
	log          *slog.Logger
	now          func() time.Time
}

type ManagerOption func(*Manager)

func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

func WithEntitlements(sink EntitlementSink) ManagerOption {
	return func(m *Manager) { m.entitlements = sink }
}

func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, plans *plan.Catalog, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		plans:        plans,
		grace:        DefaultGracePeriod,
		entitlements: NopEntitlements{},
		notifier:     NopNotifier{},
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// withStore returns a copy of the manager bound to a
// transaction-scoped store.
func (m *Manager) withStore(store Store) *Manager {
	c := *m
	c.store = store
	return &c
}

// UpgradeUser makes planType the user's governing plan, backed by the
// provider subscription identified by externalID. An existing
// governing subscription for a different external id is superseded
// (canceled) first; re-applying the same external id refreshes the
// stored state instead of creating a second row.
func (m *Manager) UpgradeUser(ctx context.Context, userID uuid.UUID, planType plan.Type, provider, externalID string, state *gateway.SubscriptionState) (*Subscription, error) {
	pl, err := m.plans.Get(planType)
	if err != nil {
		return nil, err
	}
	now := m.now()

	governing, err := m.store.Subscriptions().GetGoverning(ctx, userID)
	switch {
	case err == nil:
		if externalID != "" && governing.ExternalID == externalID {
			m.applyState(governing, planType, state, now)
			governing.UpdatedAt = now
			if err := m.store.Subscriptions().Update(ctx, governing); err != nil {
				return nil, err
			}
			m.setEntitlement(ctx, userID, planType)
			return governing, nil
		}
		governing.Status = StatusCanceled
		canceledAt := now
		governing.CanceledAt = &canceledAt
		governing.UpdatedAt = now
		if err := m.store.Subscriptions().Update(ctx, governing); err != nil {
			return nil, err
		}
		m.log.InfoContext(ctx, "superseded governing subscription",
			slog.String("user_id", userID.String()),
			slog.String("old_subscription_id", governing.ID.String()))
	case errors.Is(err, ErrSubscriptionNotFound):
		// first subscription for this user
	default:
		return nil, err
	}

	sub := &Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanType:           planType,
		Status:             StatusActive,
		Provider:           provider,
		ExternalID:         externalID,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   pl.NextPeriodEnd(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.applyState(sub, planType, state, now)

	if err := m.store.Subscriptions().Create(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicateSubscription) && externalID != "" {
			// lost a race with a concurrent delivery of the same event
			return m.store.Subscriptions().GetByExternalID(ctx, externalID)
		}
		return nil, err
	}
	m.setEntitlement(ctx, userID, planType)
	return sub, nil
}

func (m *Manager) applyState(sub *Subscription, planType plan.Type, state *gateway.SubscriptionState, now time.Time) {
	sub.PlanType = planType
	sub.Status = StatusActive
	sub.PastDueSince = nil
	if state == nil {
		return
	}
	if state.Status == "trialing" {
		sub.Status = StatusTrialing
	}
	if !state.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = state.PeriodStart
	}
	if !state.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = state.PeriodEnd
	}
	if len(state.Raw) > 0 {
		sub.Snapshot = state.Raw
	}
}

// Renew advances the billing period after a successful settlement and
// cures past_due back to active. A zero periodEnd extends the current
// period by the plan's interval. Stale periods received out of order
// are ignored; canceled subscriptions are never resurrected.
func (m *Manager) Renew(ctx context.Context, subscriptionID uuid.UUID, periodEnd time.Time) (*Subscription, error) {
	sub, err := m.store.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return sub, ErrSubscriptionCanceled
	}

	pl, err := m.plans.Get(sub.PlanType)
	if err != nil {
		return nil, err
	}
	newEnd := periodEnd
	if newEnd.IsZero() {
		newEnd = pl.NextPeriodEnd(sub.CurrentPeriodEnd)
	}
	wasPastDue := sub.Status == StatusPastDue
	if !newEnd.After(sub.CurrentPeriodEnd) && !wasPastDue {
		return sub, nil
	}

	if newEnd.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = newEnd
	}
	sub.Status = StatusActive
	sub.PastDueSince = nil
	sub.UpdatedAt = m.now()
	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return nil, err
	}
	if wasPastDue {
		m.setEntitlement(ctx, sub.UserID, sub.PlanType)
		m.log.InfoContext(ctx, "subscription cured",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("user_id", sub.UserID.String()))
	}
	return sub, nil
}

// HandleExpired reacts to a failed settlement for the user's governing
// subscription. The first failure moves it to past_due and notifies
// the user; a failure past the grace period cancels it and downgrades
// the entitlement.
func (m *Manager) HandleExpired(ctx context.Context, userID uuid.UUID) error {
	sub, err := m.store.Subscriptions().GetGoverning(ctx, userID)
	if err != nil {
		return err
	}
	now := m.now()

	if sub.Status != StatusPastDue {
		sub.Status = StatusPastDue
		pastDueSince := now
		sub.PastDueSince = &pastDueSince
		sub.UpdatedAt = now
		if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		m.notify(ctx, "payment failed notification", m.notifier.PaymentFailed, sub)
		return nil
	}

	if sub.PastDueSince != nil && now.After(sub.PastDueSince.Add(m.grace)) {
		return m.cancel(ctx, sub, now)
	}
	// still inside the grace period
	return nil
}

// Cancel terminates a subscription and downgrades the user to the free
// plan. Canceling an already-canceled subscription is a no-op.
func (m *Manager) Cancel(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error {
	sub, err := m.store.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == StatusCanceled {
		return nil
	}
	if at.IsZero() {
		at = m.now()
	}
	return m.cancel(ctx, sub, at)
}

func (m *Manager) cancel(ctx context.Context, sub *Subscription, at time.Time) error {
	sub.Status = StatusCanceled
	canceledAt := at
	sub.CanceledAt = &canceledAt
	sub.UpdatedAt = m.now()
	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return err
	}
	m.setEntitlement(ctx, sub.UserID, plan.TypeFree)
	m.notify(ctx, "cancellation notification", m.notifier.SubscriptionCanceled, sub)
	m.log.InfoContext(ctx, "subscription canceled",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("user_id", sub.UserID.String()))
	return nil
}

func (m *Manager) setEntitlement(ctx context.Context, userID uuid.UUID, t plan.Type) {
	if err := m.entitlements.SetPlan(ctx, userID, t); err != nil {
		m.log.ErrorContext(ctx, "failed to apply entitlement",
			slog.String("user_id", userID.String()),
			slog.String("plan", string(t)),
			slog.Any("error", err))
	}
}

func (m *Manager) notify(ctx context.Context, kind string, send func(context.Context, uuid.UUID, *Subscription) error, sub *Subscription) {
	if err := send(ctx, sub.UserID, sub); err != nil {
		m.log.ErrorContext(ctx, fmt.Sprintf("failed to send %s", kind),
			slog.String("user_id", sub.UserID.String()),
			slog.Any("error", err))
	}
}
