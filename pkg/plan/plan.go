// Package plan holds the subscription plan catalog and the provider
// price-id resolution chain. Plans are reference data loaded at startup;
// the billing core only reads them when interpreting checkouts and
// renewals.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Type identifies an internal plan tier.
type Type string

const (
	TypeFree      Type = "free"
	TypeFan       Type = "fan"
	TypeFanAnnual Type = "fan_annual"
)

// Feature represents a plan-specific capability.
type Feature string

const (
	FeatureAdFree    Feature = "ad_free"
	FeatureFullHD    Feature = "full_hd"
	FeatureUltraHD   Feature = "ultra_hd"
	FeatureDownloads Feature = "downloads"
	FeatureSimulcast Feature = "simulcast"
)

// BillingInterval represents the billing frequency.
type BillingInterval string

const (
	BillingIntervalNone    BillingInterval = "none" // free plans
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalAnnual  BillingInterval = "annual"
)

// Money is a monetary amount in the smallest currency unit.
type Money struct {
	Amount   int64
	Currency string // ISO 4217
}

// Plan maps a provider price id to an internal tier with its billing
// interval and feature set.
type Plan struct {
	Type     Type
	Name     string
	PriceID  string // provider's price identifier; empty for free plans
	Price    Money
	Interval BillingInterval
	Features []Feature
}

// IsFree reports whether the plan bypasses the payment provider entirely.
func (p Plan) IsFree() bool {
	return p.Interval == BillingIntervalNone
}

// HasFeature checks feature availability on the plan.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// NextPeriodEnd advances a billing period boundary by one interval.
// Used when the gateway snapshot does not carry an explicit period end.
func (p Plan) NextPeriodEnd(from time.Time) time.Time {
	switch p.Interval {
	case BillingIntervalMonthly:
		return from.AddDate(0, 1, 0)
	case BillingIntervalAnnual:
		return from.AddDate(1, 0, 0)
	default:
		return from
	}
}

// Catalog is the in-memory plan lookup, indexed by tier and price id.
type Catalog struct {
	byType  map[Type]Plan
	byPrice map[string]Type
}

// NewCatalog builds a catalog, validating that tiers and price ids are
// unique. Misconfigured plans should stop the service at startup.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		byType:  make(map[Type]Plan, len(plans)),
		byPrice: make(map[string]Type, len(plans)),
	}
	for _, p := range plans {
		if p.Type == "" {
			return nil, errors.Join(ErrInvalidCatalog, errors.New("plan with empty type"))
		}
		if _, exists := c.byType[p.Type]; exists {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate plan type %q", p.Type))
		}
		if p.PriceID != "" {
			if _, exists := c.byPrice[p.PriceID]; exists {
				return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate price id %q", p.PriceID))
			}
			c.byPrice[p.PriceID] = p.Type
		}
		c.byType[p.Type] = p
	}
	return c, nil
}

// MustNewCatalog panics on invalid catalogs to fail fast during startup.
func MustNewCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns a plan by internal tier.
func (c *Catalog) Get(t Type) (Plan, error) {
	p, ok := c.byType[t]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// TypeByPriceID returns the tier mapped to an exact provider price id.
func (c *Catalog) TypeByPriceID(priceID string) (Type, bool) {
	t, ok := c.byPrice[priceID]
	return t, ok
}
