package billing

import "errors"

var (
	// ErrSessionNotFound signals a webhook or lookup referencing a
	// checkout session this system never recorded.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrSessionExpired is returned when completion is attempted on a
	// session the reconciler already closed.
	ErrSessionExpired = errors.New("checkout session already expired")
	// ErrSessionLinkConflict signals an attempt to link a session to a
	// second, different subscription.
	ErrSessionLinkConflict = errors.New("checkout session already linked to another subscription")
	// ErrDuplicateSession signals a second session with the same
	// gateway session id.
	ErrDuplicateSession = errors.New("checkout session already recorded")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrSubscriptionCanceled is returned by lifecycle operations that
	// refuse to resurrect a canceled subscription.
	ErrSubscriptionCanceled = errors.New("subscription is canceled")
	// ErrDuplicateSubscription signals a second subscription with the
	// same provider subscription id.
	ErrDuplicateSubscription = errors.New("subscription already recorded")

	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicatePayment signals a second payment with the same
	// external settlement id.
	ErrDuplicatePayment = errors.New("payment already recorded")

	// ErrStoreUnavailable wraps persistence failures that should be
	// retried, e.g. by answering a webhook with a non-2xx status.
	ErrStoreUnavailable = errors.New("billing store unavailable")

	// ErrCheckoutUnavailable is returned when the payment provider
	// could not produce a checkout session.
	ErrCheckoutUnavailable = errors.New("checkout unavailable")
)
