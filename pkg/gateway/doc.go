// Package gateway abstracts the payment provider behind a narrow Provider
// interface: create a hosted checkout session, verify and translate
// webhooks, and re-query session/subscription state for reconciliation.
//
// Inbound webhook events are modeled as a tagged union (Event) over the
// small set of types the billing core acts on — CheckoutCompleted,
// PaymentSucceeded, PaymentFailed, SubscriptionCanceled — with an explicit
// Ignored variant for everything else, so provider payloads never travel
// through the pipeline as opaque blobs.
//
// Two implementations ship with the package: Stripe (hosted Checkout,
// stripe-go) and Paddle Billing (paddle-go-sdk). Both are stateless
// translators; all durable state lives behind the billing stores.
package gateway
