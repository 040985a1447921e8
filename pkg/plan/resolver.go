package plan

// ResolverFunc attempts to map a provider price id to an internal tier.
type ResolverFunc func(priceID string) (Type, bool)

// Resolution records which resolver in the chain produced the match, so
// fallback behavior stays auditable.
type Resolution struct {
	Type     Type
	Resolver string
}

type namedResolver struct {
	name string
	fn   ResolverFunc
}

// Chain is an ordered list of price-id resolvers; the first match wins.
// The usual assembly is catalog → legacy table → default tier.
type Chain struct {
	resolvers []namedResolver
}

// NewChain creates an empty resolver chain.
func NewChain() *Chain {
	return &Chain{}
}

// Append adds a named resolver to the end of the chain.
func (c *Chain) Append(name string, fn ResolverFunc) *Chain {
	if fn != nil {
		c.resolvers = append(c.resolvers, namedResolver{name: name, fn: fn})
	}
	return c
}

// Resolve walks the chain in order. Returns ErrUnmappedPrice when no
// resolver matches; chains ending in DefaultResolver never do.
func (c *Chain) Resolve(priceID string) (Resolution, error) {
	for _, r := range c.resolvers {
		if t, ok := r.fn(priceID); ok {
			return Resolution{Type: t, Resolver: r.name}, nil
		}
	}
	return Resolution{}, ErrUnmappedPrice
}

// ResolverCatalog names the exact-match resolver in resolutions.
const ResolverCatalog = "catalog"

// ResolverLegacy names the legacy-table resolver in resolutions.
const ResolverLegacy = "legacy"

// ResolverDefault names the default-tier resolver in resolutions.
const ResolverDefault = "default"

// CatalogResolver matches price ids registered in the current catalog.
func CatalogResolver(c *Catalog) ResolverFunc {
	return func(priceID string) (Type, bool) {
		return c.TypeByPriceID(priceID)
	}
}

// LegacyResolver matches retired price ids that may still appear on old
// subscriptions and replayed webhooks.
func LegacyResolver(mapping map[string]Type) ResolverFunc {
	return func(priceID string) (Type, bool) {
		t, ok := mapping[priceID]
		return t, ok
	}
}

// DefaultResolver matches everything. Place it last: it trades
// classification accuracy for checkout availability, and callers are
// expected to treat a default resolution as an alertable condition.
func DefaultResolver(t Type) ResolverFunc {
	return func(string) (Type, bool) {
		return t, true
	}
}
