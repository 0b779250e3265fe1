// Package store defines the control plane's data model and the transactional
// repository contract that every backend implements.
//
// # Overview
//
// Services never touch a database directly. They read through Repository and
// mutate through Tx inside Repository.WithTx, which commits all writes made by
// the callback or none of them:
//
//	err := repo.WithTx(ctx, func(tx store.Tx) error {
//		sub, err := tx.LockSubscription(ctx, subID)
//		if err != nil {
//			return err
//		}
//		sub.Status = store.SubscriptionCancelled
//		return tx.UpdateSubscription(ctx, sub)
//	})
//
// # Backends
//
//   - store/memory: mutex-serialized in-process store, used in tests and
//     single-node deployments
//   - store/postgres: database/sql with lib/pq, row locks via SELECT ... FOR UPDATE
//
// # Errors
//
// Backends translate their failures into ErrNotFound, ErrConflict and
// ErrTransient so callers can branch with errors.Is regardless of backend.
package store
