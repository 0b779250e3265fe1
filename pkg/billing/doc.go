// Package billing ingests billing provider webhooks and keeps subscription
// state in sync with them.
//
// # Overview
//
// Every event is recorded durably, keyed by its provider event id, before it
// is processed. Processing happens in a second transaction that locks the
// event row and re-checks it, so redeliveries and concurrent deliveries are
// applied exactly once.
//
// # Handled Events
//
//   - customer.created: link or create the account for a customer
//   - customer.subscription.created: create or adopt the account's subscription
//   - customer.subscription.updated: status, billing period and tier changes
//   - customer.subscription.deleted: cancel and deprovision instances
//   - invoice.payment_failed: mark the subscription past due
//   - invoice.paid: return a past due subscription to active
//
// Other event types are recorded as processed and ignored.
//
// # Failures
//
// A failed event keeps its row with the error and an exponential backoff
// deadline. Reconcile retries due events. After MaxAttempts failures the
// event is quarantined and never retried automatically.
//
// # Usage Example
//
//	if err := billing.VerifySignature(body, r.Header.Get(billing.SignatureHeader), secret, 5*time.Minute, time.Now()); err != nil {
//		// reject
//	}
//	env, err := billing.ParseEnvelope(body)
//	if err != nil {
//		// reject
//	}
//	if err := processor.Ingest(ctx, env.ID, env.Type, body); err != nil {
//		// retried later by Reconcile
//	}
package billing
