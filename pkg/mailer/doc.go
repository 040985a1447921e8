// Package mailer sends transactional billing emails through Postmark,
// with a log-only sender for development. BillingNotifier adapts a
// Sender and a user-directory lookup to the billing.Notifier interface.
package mailer
