package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle gateway.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements Provider for Paddle Billing.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a Paddle-backed gateway.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var sdk *paddle.SDK
	var err error
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		sdk, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		sdk, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvironment, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   sdk,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		config:   cfg,
	}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

// CreateCheckoutSession creates a Paddle transaction with a hosted checkout.
// The internal user id rides in custom_data since Paddle has no
// client_reference_id equivalent.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id": req.UserID,
		},
	}
	if req.Email != "" {
		txReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, fmt.Errorf("create paddle transaction: %w", err))
	}

	var checkoutURL string
	if tx.Checkout != nil && tx.Checkout.URL != nil {
		checkoutURL = *tx.Checkout.URL
	}
	if checkoutURL == "" {
		return nil, ErrNoCheckoutURL
	}

	raw, _ := json.Marshal(tx)
	return &CheckoutSession{
		SessionID: tx.ID,
		URL:       checkoutURL,
		// Paddle checkout links expire in roughly 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour).UTC(),
		Raw:       raw,
	}, nil
}

// paddlePayload is the envelope shared by all Paddle webhook events. The
// data object differs per event type, so it stays raw and is picked apart
// by the mapping below.
type paddlePayload struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	raw       json.RawMessage
}

// ParseWebhook verifies the Paddle-Signature header and maps the event
// into the internal tagged union.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (Event, error) {
	// The SDK verifier consumes an http.Request, so wrap the raw payload.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrWebhookVerification, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrWebhookVerification, err)
	}
	if !valid {
		return nil, ErrWebhookVerification
	}

	var evt paddlePayload
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	evt.raw = payload

	switch evt.EventType {
	case "transaction.completed":
		// A completed web-origin transaction is an initial checkout; a
		// recurring one is a renewal settlement.
		if origin, _ := evt.Data["origin"].(string); strings.HasPrefix(origin, "subscription_") {
			return p.mapPaymentSucceeded(evt), nil
		}
		return p.mapCheckoutCompleted(evt), nil
	case "transaction.payment_failed":
		return p.mapPaymentFailed(evt), nil
	case "subscription.canceled":
		return p.mapSubscriptionCanceled(evt), nil
	default:
		return Ignored{ID: evt.EventID, Kind: evt.EventType}, nil
	}
}

func (p *PaddleProvider) mapCheckoutCompleted(evt paddlePayload) CheckoutCompleted {
	out := CheckoutCompleted{
		ID:   evt.EventID,
		Mode: ModeSubscription,
		Paid: true,
		Raw:  evt.raw,
	}
	if id, ok := evt.Data["id"].(string); ok {
		out.SessionID = id
		// Paddle settles the checkout transaction itself.
		out.SettlementID = id
	}
	if subID, ok := evt.Data["subscription_id"].(string); ok {
		out.SubscriptionID = subID
	} else {
		out.Mode = ModePayment
	}
	out.UserRef = paddleCustomString(evt.Data, "user_id")
	out.PriceID = paddleFirstPriceID(evt.Data)
	return out
}

func (p *PaddleProvider) mapPaymentSucceeded(evt paddlePayload) PaymentSucceeded {
	out := PaymentSucceeded{
		ID:  evt.EventID,
		Raw: evt.raw,
	}
	if id, ok := evt.Data["id"].(string); ok {
		out.SettlementID = id
	}
	if subID, ok := evt.Data["subscription_id"].(string); ok {
		out.SubscriptionID = subID
	}
	if bp, ok := evt.Data["billing_period"].(map[string]any); ok {
		if ends, ok := bp["ends_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ends); err == nil {
				out.PeriodEnd = t.UTC()
			}
		}
	}
	if details, ok := evt.Data["details"].(map[string]any); ok {
		if totals, ok := details["totals"].(map[string]any); ok {
			if total, ok := totals["grand_total"].(string); ok {
				fmt.Sscan(total, &out.Amount)
			}
			if cur, ok := totals["currency_code"].(string); ok {
				out.Currency = cur
			}
		}
	}
	return out
}

func (p *PaddleProvider) mapPaymentFailed(evt paddlePayload) PaymentFailed {
	out := PaymentFailed{
		ID:  evt.EventID,
		Raw: evt.raw,
	}
	if id, ok := evt.Data["id"].(string); ok {
		out.SettlementID = id
	}
	if subID, ok := evt.Data["subscription_id"].(string); ok {
		out.SubscriptionID = subID
	}
	return out
}

func (p *PaddleProvider) mapSubscriptionCanceled(evt paddlePayload) SubscriptionCanceled {
	out := SubscriptionCanceled{
		ID:  evt.EventID,
		Raw: evt.raw,
	}
	if id, ok := evt.Data["id"].(string); ok {
		out.SubscriptionID = id
	}
	if at, ok := evt.Data["canceled_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			out.CanceledAt = t.UTC()
		}
	}
	return out
}

// RetrieveSession re-queries a Paddle transaction.
func (p *PaddleProvider) RetrieveSession(ctx context.Context, sessionID string) (*SessionState, error) {
	tx, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{
		TransactionID: sessionID,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, fmt.Errorf("retrieve transaction %s: %w", sessionID, err))
	}

	raw, _ := json.Marshal(tx)
	state := &SessionState{
		ID:   tx.ID,
		Mode: ModeSubscription,
		Raw:  raw,
	}
	switch tx.Status {
	case paddle.TransactionStatusCompleted:
		state.Status = SessionComplete
		state.Paid = true
	case paddle.TransactionStatusCanceled:
		state.Status = SessionExpired
	default:
		state.Status = SessionOpen
	}
	if tx.SubscriptionID != nil {
		state.SubscriptionID = *tx.SubscriptionID
	} else {
		state.Mode = ModePayment
	}
	if tx.CustomData != nil {
		if userID, ok := tx.CustomData["user_id"].(string); ok {
			state.UserRef = userID
		}
	}
	return state, nil
}

// RetrieveSubscription fetches the Paddle subscription object.
func (p *PaddleProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err))
	}

	raw, _ := json.Marshal(sub)
	state := &SubscriptionState{
		ID:     sub.ID,
		Status: string(sub.Status),
		Raw:    raw,
	}
	if len(sub.Items) > 0 {
		state.PriceID = sub.Items[0].Price.ID
	}
	if sub.CurrentBillingPeriod != nil {
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.StartsAt); err == nil {
			state.PeriodStart = t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.EndsAt); err == nil {
			state.PeriodEnd = t.UTC()
		}
	}
	if sub.CanceledAt != nil {
		if t, err := time.Parse(time.RFC3339, *sub.CanceledAt); err == nil {
			at := t.UTC()
			state.CanceledAt = &at
		}
	}
	return state, nil
}

func paddleCustomString(data map[string]any, key string) string {
	custom, ok := data["custom_data"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := custom[key].(string)
	return v
}

func paddleFirstPriceID(data map[string]any) string {
	items, ok := data["items"].([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return ""
	}
	if price, ok := item["price"].(map[string]any); ok {
		if id, ok := price["id"].(string); ok {
			return id
		}
	}
	if id, ok := item["price_id"].(string); ok {
		return id
	}
	return ""
}
