package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/observability"
)

// Job is one periodic sweep
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

// Config wires a Sweeper
type Config struct {
	Jobs    []Job
	Locker  Locker
	LockTTL time.Duration
	Clock   quartz.Clock
	Metrics *observability.Metrics
	Logger  *logrus.Logger
}

// Sweeper runs jobs on their cron schedules, each under a lease
type Sweeper struct {
	jobs    []Job
	locker  Locker
	lockTTL time.Duration
	clock   quartz.Clock
	metrics *observability.Metrics
	logger  *logrus.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a sweeper. Jobs run as the system caller.
func New(cfg Config) *Sweeper {
	if cfg.Locker == nil {
		cfg.Locker = NoopLocker{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Sweeper{
		jobs:    cfg.Jobs,
		locker:  cfg.Locker,
		lockTTL: cfg.LockTTL,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Start schedules every job. Jobs stop when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	logger := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(ctx)
	for _, job := range s.jobs {
		job := job
		if _, err := c.AddFunc(job.Schedule, func() { s.runJob(ctx, job) }); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
		s.logger.WithFields(logrus.Fields{"job": job.Name, "schedule": job.Schedule}).Info("Scheduled sweep")
	}

	s.cron, s.ctx, s.cancel = c, ctx, cancel
	c.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// RunOnce runs the named jobs, or all of them, concurrently and returns
// their combined error
func (s *Sweeper) RunOnce(ctx context.Context, names ...string) error {
	jobs, err := s.selectJobs(names)
	if err != nil {
		return err
	}

	// Jobs are independent: one failure must not cancel the others.
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if _, err := s.runJob(ctx, job); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// JobNames lists the configured job names in order
func (s *Sweeper) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	sort.Strings(names)
	return names
}

func (s *Sweeper) selectJobs(names []string) ([]Job, error) {
	if len(names) == 0 {
		return s.jobs, nil
	}
	byName := make(map[string]Job, len(s.jobs))
	for _, job := range s.jobs {
		byName[job.Name] = job
	}
	selected := make([]Job, 0, len(names))
	for _, name := range names {
		job, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown job %q (have %v)", name, s.JobNames())
		}
		selected = append(selected, job)
	}
	return selected, nil
}

// runJob runs job under its lease. A lease held elsewhere skips the run.
func (s *Sweeper) runJob(ctx context.Context, job Job) (ran bool, err error) {
	log := s.logger.WithField("job", job.Name)

	release, ok, err := s.locker.Acquire(ctx, job.Name, s.lockTTL)
	if err != nil {
		log.WithError(err).Error("Failed to acquire sweep lock")
		return false, err
	}
	if !ok {
		log.Debug("Sweep lock held elsewhere, skipping")
		return false, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release sweep lock")
		}
	}()

	start := s.clock.Now()
	affected, err := job.Run(auth.WithCaller(ctx, auth.System))
	elapsed := s.clock.Since(start)
	s.metrics.SweepRun(job.Name, elapsed, affected, err)

	log = log.WithFields(logrus.Fields{"affected": affected, "elapsed": elapsed})
	if err != nil {
		log.WithError(err).Error("Sweep failed")
		return true, err
	}
	log.Info("Sweep completed")
	return true, nil
}
