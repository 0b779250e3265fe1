// Package async runs background work without bare goroutines.
//
// # Overview
//
// SafeGo runs a single task with a timeout and panic recovery. WorkerPool
// runs tasks on a fixed set of workers fed by a bounded queue. Both log
// failures through logrus and never crash the process.
//
// # Usage
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{
//		Name:      "webhooks",
//		Workers:   4,
//		QueueSize: 256,
//		Timeout:   30 * time.Second,
//		Logger:    logger,
//	})
//	defer pool.Shutdown(10 * time.Second)
//
//	if err := pool.TrySubmit(func(ctx context.Context) error {
//		return processor.Process(ctx, eventID)
//	}); err != nil {
//		// the reconcile sweep picks the event up later
//	}
//
// # Used By
//
//   - pkg/api: processes accepted webhooks off the request path
//   - cmd/hostplane: owns the pool lifecycle
package async
