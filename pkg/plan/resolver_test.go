package plan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuflix/billing/pkg/plan"
)

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	c, err := plan.NewCatalog(
		plan.Plan{
			Type:     plan.TypeFree,
			Name:     "Free",
			Interval: plan.BillingIntervalNone,
		},
		plan.Plan{
			Type:     plan.TypeFan,
			Name:     "Fan",
			PriceID:  "price_fan_monthly",
			Price:    plan.Money{Amount: 499, Currency: "USD"},
			Interval: plan.BillingIntervalMonthly,
			Features: []plan.Feature{plan.FeatureAdFree, plan.FeatureFullHD, plan.FeatureSimulcast},
		},
		plan.Plan{
			Type:     plan.TypeFanAnnual,
			Name:     "Fan Annual",
			PriceID:  "price_fan_annual",
			Price:    plan.Money{Amount: 4990, Currency: "USD"},
			Interval: plan.BillingIntervalAnnual,
			Features: []plan.Feature{plan.FeatureAdFree, plan.FeatureFullHD, plan.FeatureUltraHD, plan.FeatureDownloads},
		},
	)
	require.NoError(t, err)
	return c
}

func testChain(t *testing.T) *plan.Chain {
	t.Helper()
	return plan.NewChain().
		Append(plan.ResolverCatalog, plan.CatalogResolver(testCatalog(t))).
		Append(plan.ResolverLegacy, plan.LegacyResolver(map[string]plan.Type{
			"price_fan_legacy_2023": plan.TypeFan,
		})).
		Append(plan.ResolverDefault, plan.DefaultResolver(plan.TypeFan))
}

func TestChain_Resolve_ExactMatchWins(t *testing.T) {
	t.Parallel()

	res, err := testChain(t).Resolve("price_fan_annual")
	require.NoError(t, err)
	assert.Equal(t, plan.TypeFanAnnual, res.Type)
	assert.Equal(t, plan.ResolverCatalog, res.Resolver)
}

func TestChain_Resolve_LegacyFallback(t *testing.T) {
	t.Parallel()

	res, err := testChain(t).Resolve("price_fan_legacy_2023")
	require.NoError(t, err)
	assert.Equal(t, plan.TypeFan, res.Type)
	assert.Equal(t, plan.ResolverLegacy, res.Resolver)
}

func TestChain_Resolve_DefaultFallback(t *testing.T) {
	t.Parallel()

	res, err := testChain(t).Resolve("price_unknown_xyz")
	require.NoError(t, err)
	assert.Equal(t, plan.TypeFan, res.Type)
	assert.Equal(t, plan.ResolverDefault, res.Resolver)
}

func TestChain_Resolve_NoDefault(t *testing.T) {
	t.Parallel()

	chain := plan.NewChain().
		Append(plan.ResolverCatalog, plan.CatalogResolver(testCatalog(t)))

	_, err := chain.Resolve("price_unknown_xyz")
	assert.ErrorIs(t, err, plan.ErrUnmappedPrice)
}

func TestCatalog_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := plan.NewCatalog(
		plan.Plan{Type: plan.TypeFan, PriceID: "price_a"},
		plan.Plan{Type: plan.TypeFan, PriceID: "price_b"},
	)
	assert.ErrorIs(t, err, plan.ErrInvalidCatalog)

	_, err = plan.NewCatalog(
		plan.Plan{Type: plan.TypeFan, PriceID: "price_a"},
		plan.Plan{Type: plan.TypeFanAnnual, PriceID: "price_a"},
	)
	assert.ErrorIs(t, err, plan.ErrInvalidCatalog)
}

func TestPlan_NextPeriodEnd(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

	// AddDate normalizes Feb 31 to Mar 3 in a non-leap year.
	monthly := plan.Plan{Interval: plan.BillingIntervalMonthly}
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), monthly.NextPeriodEnd(from))

	annual := plan.Plan{Interval: plan.BillingIntervalAnnual}
	assert.Equal(t, time.Date(2027, 1, 31, 12, 0, 0, 0, time.UTC), annual.NextPeriodEnd(from))

	free := plan.Plan{Interval: plan.BillingIntervalNone}
	assert.Equal(t, from, free.NextPeriodEnd(from))
}
