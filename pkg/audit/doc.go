// Package audit provides the append-only audit trail for control plane
// state changes.
//
// # Overview
//
// Every state-changing operation (subscription status, tier change, instance
// transition, usage breach, webhook processing) produces one Entry. Recording
// is best-effort: Record never returns an error and never blocks the caller
// beyond the sink's write, and write failures are logged and counted.
//
// # Transactions
//
// Operations that run in a store transaction collect entries in a Pending
// buffer and flush it after commit, so rolled-back work leaves no trail:
//
//	var pending audit.Pending
//	err := repo.WithTx(ctx, func(tx store.Tx) error {
//		...
//		pending.Add(audit.Success("instance.transition", audit.CategoryInstance, &accountID, details))
//		return nil
//	})
//	if err == nil {
//		recorder.Flush(ctx, &pending)
//	}
//
// # Read isolation
//
// Search filters are scoped with SearchFilter.ScopedTo: tenants only ever see
// their own account's entries, administrators see everything.
//
// # Retention
//
// Retention.Run deletes entries older than the retention window. When an
// Archiver is configured the expiring entries are first uploaded as NDJSON.
package audit
