package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeConfig holds configuration for the Stripe gateway.
type StripeConfig struct {
	APIKey         string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	RequestTimeout time.Duration `env:"STRIPE_REQUEST_TIMEOUT" envDefault:"10s"`
}

// StripeProvider implements Provider for Stripe hosted checkout.
type StripeProvider struct {
	client *client.API
	config StripeConfig
}

// NewStripeProvider creates a Stripe-backed gateway. The HTTP client carries
// the configured timeout so RetrieveSession/RetrieveSubscription calls fail
// rather than hang; a timed-out call leaves local state untouched.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	sc := &client.API{}
	sc.Init(cfg.APIKey, stripe.NewBackends(&http.Client{Timeout: cfg.RequestTimeout}))

	return &StripeProvider{client: sc, config: cfg}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

// CreateCheckoutSession opens a hosted Stripe Checkout session. The internal
// user id travels as client_reference_id and metadata so webhooks can be
// attributed even if the local session record is somehow lost.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		Mode:              stripe.String(string(stripeMode(req.Mode))),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID)
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	sess, err := p.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, fmt.Errorf("create checkout session: %w", err))
	}

	raw, _ := json.Marshal(sess)
	return &CheckoutSession{
		SessionID: sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
		Raw:       raw,
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps the event into
// the internal tagged union. Signature or payload problems come back as
// ErrWebhookVerification / ErrMalformedPayload, never as a panic: this is
// the security boundary for everything that mutates billing state.
func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (Event, error) {
	// The webhook endpoint may receive events pinned to a different API
	// version than the SDK; signature validity is what matters here.
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrWebhookVerification, err)
	}

	switch string(evt.Type) {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		out := CheckoutCompleted{
			ID:        evt.ID,
			SessionID: cs.ID,
			UserRef:   cs.ClientReferenceID,
			Mode:      modeFromStripe(cs.Mode),
			Paid:      cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
			Amount:    cs.AmountTotal,
			Currency:  string(cs.Currency),
			Raw:       evt.Data.Raw,
		}
		if out.UserRef == "" {
			out.UserRef = cs.Metadata["user_id"]
		}
		// The first invoice of a subscription is also delivered as
		// invoice.payment_succeeded; carrying its id lets the ledger
		// collapse the two into one payment.
		if cs.Invoice != nil {
			out.SettlementID = cs.Invoice.ID
		}
		// The session payload carries the subscription id but not its
		// price; the processor retrieves the subscription for that.
		if cs.Subscription != nil {
			out.SubscriptionID = cs.Subscription.ID
		}
		return out, nil

	case "invoice.payment_succeeded":
		inv, err := parseStripeInvoice(evt.Data.Raw)
		if err != nil {
			return nil, err
		}
		out := PaymentSucceeded{
			ID:           evt.ID,
			SettlementID: inv.ID,
			Amount:       inv.AmountPaid,
			Currency:     string(inv.Currency),
			Raw:          evt.Data.Raw,
		}
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
		if inv.PeriodEnd > 0 {
			out.PeriodEnd = time.Unix(inv.PeriodEnd, 0).UTC()
		}
		return out, nil

	case "invoice.payment_failed":
		inv, err := parseStripeInvoice(evt.Data.Raw)
		if err != nil {
			return nil, err
		}
		out := PaymentFailed{
			ID:           evt.ID,
			SettlementID: inv.ID,
			Amount:       inv.AmountDue,
			Currency:     string(inv.Currency),
			Raw:          evt.Data.Raw,
		}
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
		if inv.DueDate > 0 {
			out.DueAt = time.Unix(inv.DueDate, 0).UTC()
		}
		return out, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		out := SubscriptionCanceled{
			ID:             evt.ID,
			SubscriptionID: sub.ID,
			Raw:            evt.Data.Raw,
		}
		if sub.CanceledAt > 0 {
			out.CanceledAt = time.Unix(sub.CanceledAt, 0).UTC()
		}
		return out, nil

	default:
		return Ignored{ID: evt.ID, Kind: string(evt.Type)}, nil
	}
}

// RetrieveSession fetches the current state of a checkout session.
func (p *StripeProvider) RetrieveSession(ctx context.Context, sessionID string) (*SessionState, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, fmt.Errorf("retrieve session %s: %w", sessionID, err))
	}

	raw, _ := json.Marshal(sess)
	state := &SessionState{
		ID:      sess.ID,
		Status:  sessionStatusFromStripe(sess.Status),
		Paid:    sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Mode:    modeFromStripe(sess.Mode),
		UserRef: sess.ClientReferenceID,
		Raw:     raw,
	}
	if state.UserRef == "" {
		state.UserRef = sess.Metadata["user_id"]
	}
	if sess.Subscription != nil {
		state.SubscriptionID = sess.Subscription.ID
	}
	return state, nil
}

// RetrieveSubscription fetches the provider's subscription object.
func (p *StripeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.client.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err))
	}

	raw, _ := json.Marshal(sub)
	state := &SubscriptionState{
		ID:          sub.ID,
		Status:      string(sub.Status),
		PeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		Raw:         raw,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		state.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CanceledAt > 0 {
		at := time.Unix(sub.CanceledAt, 0).UTC()
		state.CanceledAt = &at
	}
	return state, nil
}

func parseStripeInvoice(raw json.RawMessage) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	return &inv, nil
}

func stripeMode(m Mode) stripe.CheckoutSessionMode {
	if m == ModePayment {
		return stripe.CheckoutSessionModePayment
	}
	return stripe.CheckoutSessionModeSubscription
}

func modeFromStripe(m stripe.CheckoutSessionMode) Mode {
	if m == stripe.CheckoutSessionModePayment {
		return ModePayment
	}
	return ModeSubscription
}

func sessionStatusFromStripe(s stripe.CheckoutSessionStatus) SessionStatus {
	switch s {
	case stripe.CheckoutSessionStatusComplete:
		return SessionComplete
	case stripe.CheckoutSessionStatusExpired:
		return SessionExpired
	default:
		return SessionOpen
	}
}
