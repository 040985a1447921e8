package gateway

import "errors"

var (
	ErrWebhookVerification = errors.New("webhook signature verification failed")
	ErrMalformedPayload    = errors.New("malformed webhook payload")

	ErrMissingAPIKey        = errors.New("gateway API key is required")
	ErrMissingWebhookSecret = errors.New("gateway webhook secret is required")
	ErrMissingPriceID       = errors.New("price id is required")
	ErrMissingUserID        = errors.New("user id is required")
	ErrInvalidEnvironment   = errors.New("invalid gateway environment")

	ErrNoCheckoutURL = errors.New("no checkout URL returned from gateway")

	// ErrProviderUnavailable wraps transient network and timeout failures.
	// Callers fail the whole webhook so the provider's redelivery retries.
	ErrProviderUnavailable = errors.New("gateway temporarily unavailable")
)
