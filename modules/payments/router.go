package payments

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/billing"
)

// UserResolver extracts the authenticated user from a checkout request.
// Authentication itself happens upstream; the default resolver reads
// the identity headers that middleware injects.
type UserResolver func(r *http.Request) (uuid.UUID, string, error)

// RouterOptions configures the payments module.
type RouterOptions struct {
	// Checkout starts hosted checkout sessions.
	Checkout *billing.Checkout
	// Processors handle webhook deliveries, keyed by provider name as
	// it appears in the webhook URL ("stripe", "paddle").
	Processors map[string]*billing.Processor
	// User resolves the authenticated user; defaults to header-based
	// resolution.
	User UserResolver
	// MaxBodyBytes caps webhook and checkout request bodies. Defaults
	// to 1 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Router mounts the payments endpoints:
//
//	POST /checkout            start checkout for a plan
//	POST /webhook/{provider}  receive provider webhook deliveries
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", payments.Router(payments.RouterOptions{
//	    Checkout:   checkout,
//	    Processors: map[string]*billing.Processor{"stripe": proc},
//	}))
func Router(opts RouterOptions) chi.Router {
	h := newHandlers(opts)

	r := chi.NewRouter()
	if opts.Checkout != nil {
		r.Post("/checkout", h.handleCheckout)
	}
	if len(opts.Processors) > 0 {
		r.Post("/webhook/{provider}", h.handleWebhook)
	}
	return r
}
