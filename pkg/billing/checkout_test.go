package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuflix/billing/pkg/billing"
	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/plan"
)

func newCheckoutFixture(t *testing.T) (*fixture, *billing.Checkout) {
	t.Helper()
	f := newFixture(t)
	co := billing.NewCheckout(f.provider, f.store, testCatalog(t), f.manager,
		billing.WithCheckoutClock(f.clock.Now))
	return f, co
}

func TestCheckoutStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("records session before redirect", func(t *testing.T) {
		t.Parallel()
		f, co := newCheckoutFixture(t)

		expiresAt := f.clock.Now().Add(30 * time.Minute)
		f.provider.createFn = func(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
			assert.Equal(t, f.userID.String(), req.UserID)
			assert.Equal(t, "price_fan_monthly", req.PriceID)
			assert.Equal(t, gateway.ModeSubscription, req.Mode)
			return &gateway.CheckoutSession{
				SessionID: "cs_1",
				URL:       "https://pay.example.com/cs_1",
				ExpiresAt: expiresAt,
				Raw:       json.RawMessage(`{"id":"cs_1"}`),
			}, nil
		}

		res, err := co.Start(ctx, billing.CheckoutInput{
			UserID:     f.userID,
			Email:      "fan@example.com",
			Plan:       plan.TypeFan,
			SuccessURL: "https://app.example.com/done",
			CancelURL:  "https://app.example.com/plans",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://pay.example.com/cs_1", res.RedirectURL)
		assert.Equal(t, "cs_1", res.SessionID)

		sess, err := f.store.Sessions().GetByGatewayID(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, billing.SessionOpen, sess.Status)
		assert.Equal(t, f.userID, sess.UserID)
		assert.Equal(t, plan.TypeFan, sess.PlanType)
		assert.True(t, sess.ExpiresAt.Equal(expiresAt))
	})

	t.Run("free plan skips the provider", func(t *testing.T) {
		t.Parallel()
		f, co := newCheckoutFixture(t)

		res, err := co.Start(ctx, billing.CheckoutInput{
			UserID:     f.userID,
			Plan:       plan.TypeFree,
			SuccessURL: "https://app.example.com/done",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/done", res.RedirectURL)
		assert.Empty(t, res.SessionID)

		governing, err := f.store.Subscriptions().GetGoverning(ctx, f.userID)
		require.NoError(t, err)
		assert.Equal(t, plan.TypeFree, governing.PlanType)
	})

	t.Run("provider failure surfaces as checkout unavailable", func(t *testing.T) {
		t.Parallel()
		f, co := newCheckoutFixture(t)

		f.provider.createFn = func(context.Context, gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
			return nil, errors.New("gateway 503")
		}
		_, err := co.Start(ctx, billing.CheckoutInput{UserID: f.userID, Plan: plan.TypeFan})
		assert.ErrorIs(t, err, billing.ErrCheckoutUnavailable)
	})

	t.Run("unknown plan rejected", func(t *testing.T) {
		t.Parallel()
		f, co := newCheckoutFixture(t)

		_, err := co.Start(ctx, billing.CheckoutInput{UserID: f.userID, Plan: plan.Type("vip")})
		assert.ErrorIs(t, err, plan.ErrPlanNotFound)
	})

	t.Run("missing expiry falls back to ttl", func(t *testing.T) {
		t.Parallel()
		f, co := newCheckoutFixture(t)

		f.provider.createFn = func(context.Context, gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
			return &gateway.CheckoutSession{SessionID: "cs_2", URL: "https://pay.example.com/cs_2"}, nil
		}
		_, err := co.Start(ctx, billing.CheckoutInput{UserID: f.userID, Plan: plan.TypeFan})
		require.NoError(t, err)

		sess, err := f.store.Sessions().GetByGatewayID(ctx, "cs_2")
		require.NoError(t, err)
		assert.True(t, sess.ExpiresAt.Equal(f.clock.Now().Add(billing.DefaultSessionTTL)))
	})
}
