package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/otakuflix/billing/pkg/billing"
	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/plan"
)

const defaultMaxBodyBytes = 1 << 20

// Headers the default UserResolver reads; upstream auth middleware is
// expected to set them after validating the session.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

type handlers struct {
	checkout   *billing.Checkout
	processors map[string]*billing.Processor
	user       UserResolver
	maxBody    int64
	log        *slog.Logger
}

func newHandlers(opts RouterOptions) *handlers {
	h := &handlers{
		checkout:   opts.Checkout,
		processors: opts.Processors,
		user:       opts.User,
		maxBody:    opts.MaxBodyBytes,
		log:        opts.Logger,
	}
	if h.user == nil {
		h.user = headerUserResolver
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBodyBytes
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

func headerUserResolver(r *http.Request) (uuid.UUID, string, error) {
	id, err := uuid.Parse(r.Header.Get(HeaderUserID))
	if err != nil {
		return uuid.Nil, "", errors.New("missing or invalid user identity")
	}
	return id, r.Header.Get(HeaderUserEmail), nil
}

type checkoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type checkoutResponse struct {
	RedirectURL string `json:"redirect_url"`
}

func (h *handlers) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, email, err := h.user(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}

	res, err := h.checkout.Start(r.Context(), billing.CheckoutInput{
		UserID:     userID,
		Email:      email,
		Plan:       plan.Type(req.Plan),
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, checkoutResponse{RedirectURL: res.RedirectURL})
	case errors.Is(err, plan.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, "unknown plan")
	default:
		h.log.ErrorContext(r.Context(), "checkout failed",
			slog.String("user_id", userID.String()),
			slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "payment could not be started, please try again")
	}
}

func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	proc, ok := h.processors[provider]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	err = proc.Handle(r.Context(), payload, r.Header.Get(signatureHeader(provider)))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, gateway.ErrWebhookVerification):
		// no detail beyond the status: this is a security boundary
		h.log.WarnContext(r.Context(), "webhook signature rejected",
			slog.String("provider", provider))
		writeError(w, http.StatusUnauthorized, "signature verification failed")
	default:
		// non-2xx makes the provider redeliver
		h.log.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("provider", provider),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "event processing failed")
	}
}

func signatureHeader(provider string) string {
	switch provider {
	case "stripe":
		return "Stripe-Signature"
	case "paddle":
		return "Paddle-Signature"
	default:
		return "X-Webhook-Signature"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
