// Package bootstrap builds the process-wide dependencies shared by the
// hostplane binaries from a loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/billing"
	"github.com/platinummonkey/hostplane/pkg/config"
	"github.com/platinummonkey/hostplane/pkg/controlplane"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/store/memory"
	"github.com/platinummonkey/hostplane/pkg/store/postgres"
	"github.com/platinummonkey/hostplane/pkg/sweeper"
	"github.com/platinummonkey/hostplane/pkg/tiers"
)

// App holds everything a binary needs to serve or sweep
type App struct {
	Config       *config.Config
	Logger       *logrus.Logger
	Clock        quartz.Clock
	Repository   store.Repository
	AuditStore   audit.Store
	Recorder     *audit.Recorder
	ControlPlane *controlplane.Service
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
	Health       *observability.HealthChecker
	Redis        *redis.Client

	closers []func() error
}

// Build connects to the configured backends and assembles the control
// plane. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger, version string) (_ *App, err error) {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Clock:    quartz.NewReal(),
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthChecker(version),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Observability.MetricsEnabled {
		app.Metrics = observability.NewMetrics(app.Registry)
	}

	if err := app.openStorage(ctx); err != nil {
		return nil, err
	}

	var archiver audit.Archiver
	if cfg.Audit.S3.Bucket != "" {
		s3Archiver, err := audit.NewS3Archiver(ctx, cfg.Audit.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit archiver: %w", err)
		}
		archiver = s3Archiver
		logger.WithField("bucket", cfg.Audit.S3.Bucket).Info("Audit archive enabled")
	}

	table := tiers.DefaultTable()
	if cfg.Storage.TierFile != "" {
		if table, err = tiers.LoadTable(cfg.Storage.TierFile); err != nil {
			return nil, err
		}
		logger.WithField("file", cfg.Storage.TierFile).Info("Loaded tier policy")
	}

	var sink audit.Sink = app.AuditStore
	if cfg.Audit.MirrorToLog {
		sink = audit.NewMultiSink(app.AuditStore, audit.NewLogSink(logger))
	}
	app.Recorder = audit.NewRecorder(sink, app.Clock, logger,
		audit.WithAsync(cfg.Audit.Async),
		audit.WithMetrics(app.Metrics),
	)
	app.closers = append(app.closers, app.Recorder.Close)

	if cfg.Redis.URL != "" {
		client, err := sweeper.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		app.Redis = client
		app.closers = append(app.closers, client.Close)
		app.Health.AddProbe("redis", false, observability.RedisProbe(client))
	}

	app.ControlPlane = controlplane.Assemble(controlplane.Options{
		Repository:     app.Repository,
		AuditStore:     app.AuditStore,
		Recorder:       app.Recorder,
		Archiver:       archiver,
		ArchivePrefix:  cfg.Audit.ArchivePrefix,
		Table:          table,
		Prices:         cfg.Billing.Prices,
		AutoPauseAfter: cfg.Instances.AutoPauseAfter,
		Retry:          billing.RetryConfig{MaxAttempts: cfg.Billing.MaxAttempts},
		CacheSize:      cfg.Billing.ProcessedCache,
		CacheTTL:       cfg.Billing.ProcessedTTL,
		Clock:          app.Clock,
		Metrics:        app.Metrics,
		Tracer:         observability.Tracer(),
		Logger:         logger,
	})
	return app, nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage.Type {
	case config.StoragePostgres:
		pg, err := postgres.Open(ctx, a.Config.Storage.Postgres, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		a.Repository = pg
		a.Health.AddProbe("postgres", true, observability.DatabaseProbe(pg.DB()))

		auditStore, err := audit.NewDBStore(ctx, pg.DB())
		if err != nil {
			return err
		}
		a.AuditStore = auditStore
	default:
		a.Logger.Warn("Using in-memory storage; state is lost on restart")
		a.Repository = memory.New()
		a.AuditStore = audit.NewMemoryStore()
	}
	return nil
}

// Locker returns the Redis lease lock when Redis is configured, otherwise
// a lock that always succeeds
func (a *App) Locker() sweeper.Locker {
	if a.Redis == nil {
		return sweeper.NoopLocker{}
	}
	return sweeper.NewRedisLocker(a.Redis, "")
}

// Sweeper builds the periodic jobs over the control plane
func (a *App) Sweeper() *sweeper.Sweeper {
	return sweeper.New(sweeper.Config{
		Jobs:    sweeper.ControlPlaneJobs(a.ControlPlane, a.Config),
		Locker:  a.Locker(),
		LockTTL: a.Config.Sweeper.LockTTL,
		Clock:   a.Clock,
		Metrics: a.Metrics,
		Logger:  a.Logger,
	})
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
