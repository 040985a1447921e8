package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuflix/billing/pkg/billing"
	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/plan"
)

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	return plan.MustNewCatalog(
		plan.Plan{
			Type:     plan.TypeFree,
			Name:     "Free",
			Interval: plan.BillingIntervalNone,
		},
		plan.Plan{
			Type:     plan.TypeFan,
			Name:     "FAN",
			PriceID:  "price_fan_monthly",
			Price:    plan.Money{Amount: 999, Currency: "usd"},
			Interval: plan.BillingIntervalMonthly,
			Features: []plan.Feature{plan.FeatureAdFree, plan.FeatureFullHD, plan.FeatureSimulcast},
		},
		plan.Plan{
			Type:     plan.TypeFanAnnual,
			Name:     "FAN Annual",
			PriceID:  "price_fan_annual",
			Price:    plan.Money{Amount: 9990, Currency: "usd"},
			Interval: plan.BillingIntervalAnnual,
			Features: []plan.Feature{plan.FeatureAdFree, plan.FeatureUltraHD, plan.FeatureDownloads, plan.FeatureSimulcast},
		},
	)
}

func testChain(c *plan.Catalog) *plan.Chain {
	return plan.NewChain().
		Append(plan.ResolverCatalog, plan.CatalogResolver(c)).
		Append(plan.ResolverLegacy, plan.LegacyResolver(map[string]plan.Type{
			"price_fan_legacy_2023": plan.TypeFan,
		})).
		Append(plan.ResolverDefault, plan.DefaultResolver(plan.TypeFan))
}

type fakeProvider struct {
	createFn       func(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error)
	parseFn        func(ctx context.Context, payload []byte, signature string) (gateway.Event, error)
	sessionFn      func(ctx context.Context, sessionID string) (*gateway.SessionState, error)
	subscriptionFn func(ctx context.Context, subscriptionID string) (*gateway.SubscriptionState, error)
}

func (f *fakeProvider) Name() string { return "faketeway" }

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	if f.createFn == nil {
		return nil, errors.New("unexpected CreateCheckoutSession call")
	}
	return f.createFn(ctx, req)
}

func (f *fakeProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (gateway.Event, error) {
	if f.parseFn == nil {
		return nil, errors.New("unexpected ParseWebhook call")
	}
	return f.parseFn(ctx, payload, signature)
}

func (f *fakeProvider) RetrieveSession(ctx context.Context, sessionID string) (*gateway.SessionState, error) {
	if f.sessionFn == nil {
		return nil, errors.New("unexpected RetrieveSession call")
	}
	return f.sessionFn(ctx, sessionID)
}

func (f *fakeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*gateway.SubscriptionState, error) {
	if f.subscriptionFn == nil {
		return nil, errors.New("unexpected RetrieveSubscription call")
	}
	return f.subscriptionFn(ctx, subscriptionID)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type planChange struct {
	userID uuid.UUID
	plan   plan.Type
}

type recordingSink struct {
	mu      sync.Mutex
	changes []planChange
}

func (s *recordingSink) SetPlan(_ context.Context, userID uuid.UUID, t plan.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, planChange{userID: userID, plan: t})
	return nil
}

func (s *recordingSink) last() (planChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changes) == 0 {
		return planChange{}, false
	}
	return s.changes[len(s.changes)-1], true
}

type recordingNotifier struct {
	mu       sync.Mutex
	failed   int
	canceled int
}

func (n *recordingNotifier) PaymentFailed(context.Context, uuid.UUID, *billing.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
	return nil
}

func (n *recordingNotifier) SubscriptionCanceled(context.Context, uuid.UUID, *billing.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled++
	return nil
}

type fixture struct {
	store     *billing.MemoryStore
	provider  *fakeProvider
	sink      *recordingSink
	notifier  *recordingNotifier
	clock     *fakeClock
	manager   *billing.Manager
	ledger    *billing.Ledger
	processor *billing.Processor
	userID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := testCatalog(t)
	f := &fixture{
		store:    billing.NewMemoryStore(),
		provider: &fakeProvider{},
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		clock:    newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		userID:   uuid.New(),
	}
	f.manager = billing.NewManager(f.store, catalog,
		billing.WithEntitlements(f.sink),
		billing.WithNotifier(f.notifier),
		billing.WithManagerClock(f.clock.Now),
	)
	f.ledger = billing.NewLedger(f.store, billing.WithLedgerClock(f.clock.Now))
	f.processor = billing.NewProcessor(f.provider, f.store, f.manager, f.ledger, testChain(catalog),
		billing.WithProcessorClock(f.clock.Now),
	)
	return f
}

// openSession seeds a recorded open checkout session like Checkout.Start
// would leave behind.
func (f *fixture) openSession(t *testing.T, gatewayID string) *billing.CheckoutSession {
	t.Helper()
	sess := &billing.CheckoutSession{
		ID:           uuid.New(),
		GatewayID:    gatewayID,
		Provider:     f.provider.Name(),
		UserID:       f.userID,
		Status:       billing.SessionOpen,
		PaymentState: billing.PaymentStateUnpaid,
		Mode:         gateway.ModeSubscription,
		PriceID:      "price_fan_monthly",
		PlanType:     plan.TypeFan,
		CreatedAt:    f.clock.Now(),
		ExpiresAt:    f.clock.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.store.Sessions().Record(context.Background(), sess))
	return sess
}

// serveSubscription wires the provider fake to answer subscription
// retrievals with the given price id.
func (f *fixture) serveSubscription(subID, priceID string) {
	periodEnd := f.clock.Now().AddDate(0, 1, 0)
	f.provider.subscriptionFn = func(_ context.Context, id string) (*gateway.SubscriptionState, error) {
		if id != subID {
			return nil, fmt.Errorf("unknown subscription %q", id)
		}
		return &gateway.SubscriptionState{
			ID:          subID,
			Status:      "active",
			PriceID:     priceID,
			PeriodStart: f.clock.Now(),
			PeriodEnd:   periodEnd,
			Raw:         json.RawMessage(`{"id":"` + subID + `"}`),
		}, nil
	}
}

func checkoutCompleted(eventID, sessionID, subID string, userID uuid.UUID) gateway.CheckoutCompleted {
	return gateway.CheckoutCompleted{
		ID:             eventID,
		SessionID:      sessionID,
		SubscriptionID: subID,
		SettlementID:   "in_initial_" + sessionID,
		UserRef:        userID.String(),
		Mode:           gateway.ModeSubscription,
		Paid:           true,
		Amount:         999,
		Currency:       "usd",
		Raw:            json.RawMessage(`{"id":"` + sessionID + `"}`),
	}
}

func TestProcessorFreshCheckout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_100")
	f.serveSubscription("sub_100", "price_fan_monthly")

	evt := checkoutCompleted("evt_1", "cs_100", "sub_100", f.userID)
	require.NoError(t, f.processor.Process(ctx, evt))

	got, err := f.store.Sessions().GetByGatewayID(ctx, "cs_100")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionComplete, got.Status)
	assert.Equal(t, billing.PaymentStatePaid, got.PaymentState)
	require.NotNil(t, got.SubscriptionID)
	require.NotNil(t, got.CompletedAt)

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_100")
	require.NoError(t, err)
	assert.Equal(t, *got.SubscriptionID, sub.ID)
	assert.Equal(t, f.userID, sub.UserID)
	assert.Equal(t, plan.TypeFan, sub.PlanType)
	assert.Equal(t, billing.StatusActive, sub.Status)

	payments, err := f.store.Payments().ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, billing.PaymentCompleted, payments[0].Status)
	assert.Equal(t, int64(999), payments[0].Amount)
	assert.Equal(t, "in_initial_cs_100", payments[0].ExternalID)

	change, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, f.userID, change.userID)
	assert.Equal(t, plan.TypeFan, change.plan)
}

func TestProcessorReplayedCheckoutIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_200")
	f.serveSubscription("sub_200", "price_fan_monthly")

	evt := checkoutCompleted("evt_1", "cs_200", "sub_200", f.userID)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.processor.Process(ctx, evt))
	}

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_200")
	require.NoError(t, err)
	payments, err := f.store.Payments().ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	governing, err := f.store.Subscriptions().GetGoverning(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, governing.ID)
}

func TestProcessorInitialInvoiceDeduped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_300")
	f.serveSubscription("sub_300", "price_fan_monthly")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_1", "cs_300", "sub_300", f.userID)))

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_300")
	require.NoError(t, err)
	periodEnd := sub.CurrentPeriodEnd

	// the first invoice is also delivered as its own settlement event
	require.NoError(t, f.processor.Process(ctx, gateway.PaymentSucceeded{
		ID:             "evt_2",
		SubscriptionID: "sub_300",
		SettlementID:   "in_initial_cs_300",
		Amount:         999,
		Currency:       "usd",
		PeriodEnd:      periodEnd,
	}))

	payments, err := f.store.Payments().ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	sub, err = f.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))
}

func TestProcessorRenewalAdvancesPeriod(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_400")
	f.serveSubscription("sub_400", "price_fan_monthly")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_1", "cs_400", "sub_400", f.userID)))

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_400")
	require.NoError(t, err)
	firstEnd := sub.CurrentPeriodEnd

	nextEnd := firstEnd.AddDate(0, 1, 0)
	renewal := gateway.PaymentSucceeded{
		ID:             "evt_2",
		SubscriptionID: "sub_400",
		SettlementID:   "in_renewal_1",
		Amount:         999,
		Currency:       "usd",
		PeriodEnd:      nextEnd,
	}
	require.NoError(t, f.processor.Process(ctx, renewal))
	// redelivery of the renewal must not advance the period again
	require.NoError(t, f.processor.Process(ctx, renewal))

	sub, err = f.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodStart.Equal(firstEnd))
	assert.True(t, sub.CurrentPeriodEnd.Equal(nextEnd))

	payments, err := f.store.Payments().ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestProcessorFailureThenCure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_500")
	f.serveSubscription("sub_500", "price_fan_monthly")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_1", "cs_500", "sub_500", f.userID)))

	require.NoError(t, f.processor.Process(ctx, gateway.PaymentFailed{
		ID:             "evt_2",
		SubscriptionID: "sub_500",
		SettlementID:   "in_retry",
		Amount:         999,
		Currency:       "usd",
	}))

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_500")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	require.NotNil(t, sub.PastDueSince)
	assert.Equal(t, 1, f.notifier.failed)

	// the provider retries the same invoice and it settles
	require.NoError(t, f.processor.Process(ctx, gateway.PaymentSucceeded{
		ID:             "evt_3",
		SubscriptionID: "sub_500",
		SettlementID:   "in_retry",
		Amount:         999,
		Currency:       "usd",
		PeriodEnd:      sub.CurrentPeriodEnd.AddDate(0, 1, 0),
	}))

	sub, err = f.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Nil(t, sub.PastDueSince)

	payments, err := f.store.Payments().ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	statuses := map[billing.PaymentStatus]int{}
	for _, p := range payments {
		statuses[p.Status]++
	}
	assert.Equal(t, 2, statuses[billing.PaymentCompleted])
	assert.Equal(t, 1, statuses[billing.PaymentFailed])
}

func TestProcessorGraceExpiryCancels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_600")
	f.serveSubscription("sub_600", "price_fan_monthly")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_1", "cs_600", "sub_600", f.userID)))

	require.NoError(t, f.processor.Process(ctx, gateway.PaymentFailed{
		ID:             "evt_2",
		SubscriptionID: "sub_600",
		SettlementID:   "in_fail_1",
	}))

	f.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, f.processor.Process(ctx, gateway.PaymentFailed{
		ID:             "evt_3",
		SubscriptionID: "sub_600",
		SettlementID:   "in_fail_2",
	}))

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_600")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, 1, f.notifier.canceled)

	change, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, plan.TypeFree, change.plan)
}

func TestProcessorUnknownReferencesAcked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// redelivery cannot fix these, so they must not error
	require.NoError(t, f.processor.Process(ctx,
		checkoutCompleted("evt_1", "cs_ghost", "sub_ghost", f.userID)))
	require.NoError(t, f.processor.Process(ctx, gateway.PaymentSucceeded{
		ID: "evt_2", SubscriptionID: "sub_ghost", SettlementID: "in_1",
	}))
	require.NoError(t, f.processor.Process(ctx, gateway.PaymentFailed{
		ID: "evt_3", SubscriptionID: "sub_ghost", SettlementID: "in_2",
	}))
	require.NoError(t, f.processor.Process(ctx, gateway.SubscriptionCanceled{
		ID: "evt_4", SubscriptionID: "sub_ghost",
	}))

	_, err := f.store.Subscriptions().GetGoverning(ctx, f.userID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestProcessorFallbackPriceResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		priceID string
		want    plan.Type
	}{
		{name: "legacy price maps to its tier", priceID: "price_fan_legacy_2023", want: plan.TypeFan},
		{name: "unknown price falls back to default tier", priceID: "price_from_the_future", want: plan.TypeFan},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()

			f.openSession(t, "cs_700")
			f.serveSubscription("sub_700", tt.priceID)
			require.NoError(t, f.processor.Process(ctx,
				checkoutCompleted("evt_1", "cs_700", "sub_700", f.userID)))

			sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_700")
			require.NoError(t, err)
			assert.Equal(t, tt.want, sub.PlanType)
			assert.Equal(t, billing.StatusActive, sub.Status)
		})
	}
}

func TestProcessorCancellationEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_800")
	f.serveSubscription("sub_800", "price_fan_monthly")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_1", "cs_800", "sub_800", f.userID)))

	canceledAt := f.clock.Now().Add(time.Hour)
	evt := gateway.SubscriptionCanceled{ID: "evt_2", SubscriptionID: "sub_800", CanceledAt: canceledAt}
	require.NoError(t, f.processor.Process(ctx, evt))
	require.NoError(t, f.processor.Process(ctx, evt))

	sub, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_800")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.Equal(canceledAt))

	change, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, plan.TypeFree, change.plan)

	// a stray failure after cancellation is recorded but changes nothing
	require.NoError(t, f.processor.Process(ctx, gateway.PaymentFailed{
		ID: "evt_3", SubscriptionID: "sub_800", SettlementID: "in_late",
	}))
	sub, err = f.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
}

func TestProcessorUnpaidCheckoutStaysOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_900")
	evt := checkoutCompleted("evt_1", "cs_900", "sub_900", f.userID)
	evt.Paid = false
	require.NoError(t, f.processor.Process(ctx, evt))

	sess, err := f.store.Sessions().GetByGatewayID(ctx, "cs_900")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionOpen, sess.Status)
	assert.Equal(t, billing.PaymentStateUnpaid, sess.PaymentState)
}

func TestProcessorSupersedesGoverningSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.openSession(t, "cs_a1")
	f.serveSubscription("sub_a1", "price_fan_monthly")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_1", "cs_a1", "sub_a1", f.userID)))

	f.openSession(t, "cs_a2")
	f.serveSubscription("sub_a2", "price_fan_annual")
	require.NoError(t, f.processor.Process(ctx, checkoutCompleted("evt_2", "cs_a2", "sub_a2", f.userID)))

	old, err := f.store.Subscriptions().GetByExternalID(ctx, "sub_a1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, old.Status)

	governing, err := f.store.Subscriptions().GetGoverning(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, "sub_a2", governing.ExternalID)
	assert.Equal(t, plan.TypeFanAnnual, governing.PlanType)
}

func TestProcessorHandleRejectsBadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.provider.parseFn = func(context.Context, []byte, string) (gateway.Event, error) {
		return nil, gateway.ErrWebhookVerification
	}
	err := f.processor.Handle(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, gateway.ErrWebhookVerification)
}

func TestProcessorIgnoredEventAcked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.processor.Process(context.Background(),
		gateway.Ignored{ID: "evt_1", Kind: "customer.updated"}))
}

type mapEventCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *mapEventCache) Seen(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[eventID], nil
}

func (c *mapEventCache) MarkSeen(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	c.seen[eventID] = true
	return nil
}

func TestProcessorEventCacheShortCircuits(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(t)
	store := billing.NewMemoryStore()
	provider := &fakeProvider{}
	cache := &mapEventCache{}
	manager := billing.NewManager(store, catalog)
	ledger := billing.NewLedger(store)
	processor := billing.NewProcessor(provider, store, manager, ledger, testChain(catalog),
		billing.WithEventCache(cache))
	ctx := context.Background()

	// first delivery lands as unknown reference and is marked seen
	require.NoError(t, processor.Process(ctx, gateway.PaymentSucceeded{
		ID: "evt_cached", SubscriptionID: "sub_x", SettlementID: "in_x",
	}))
	seen, err := cache.Seen(ctx, "evt_cached")
	require.NoError(t, err)
	assert.True(t, seen)

	// the second delivery never reaches the store lookups
	require.NoError(t, processor.Process(ctx, gateway.PaymentSucceeded{
		ID: "evt_cached", SubscriptionID: "sub_x", SettlementID: "in_x",
	}))
}
