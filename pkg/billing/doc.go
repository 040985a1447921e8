// Package billing is the core of the subscription pipeline: checkout
// session tracking, webhook event processing, the subscription
// lifecycle, the payment ledger, and the reconciler that repairs
// missed webhook deliveries.
//
// The design assumes webhooks are delivered at least once, in any
// order. Correctness therefore rests on database constraints and
// terminal-state checks rather than on delivery guarantees: unique
// external ids collapse redelivered settlements, sessions complete
// exactly once, and replaying any event sequence converges on the
// same state.
package billing
