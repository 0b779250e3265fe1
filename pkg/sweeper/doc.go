// Package sweeper runs the control plane's periodic jobs.
//
// Jobs are scheduled with robfig/cron. Before each run the sweeper takes a
// lease from a Locker so that only one replica runs a given job at a time.
// RedisLocker implements the lease with SET NX PX and releases it with a
// compare-and-delete script, so an expired lease taken over by another
// replica is never released by the previous holder.
//
//	s := sweeper.New(sweeper.Config{
//		Jobs:    sweeper.ControlPlaneJobs(cp, cfg),
//		Locker:  sweeper.NewRedisLocker(client, ""),
//		LockTTL: cfg.Sweeper.LockTTL,
//		Logger:  logger,
//	})
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	defer s.Stop()
//
// Jobs run as auth.System.
package sweeper
