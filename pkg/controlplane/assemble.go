package controlplane

import (
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/billing"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tenants"
	"github.com/platinummonkey/hostplane/pkg/tiers"
	"github.com/platinummonkey/hostplane/pkg/usage"
)

// Options describes a complete control plane over one repository
type Options struct {
	Repository     store.Repository
	AuditStore     audit.Store
	Recorder       *audit.Recorder
	Archiver       audit.Archiver
	ArchivePrefix  string
	Table          tiers.Table
	Prices         tiers.PriceMap
	AutoPauseAfter time.Duration
	Retry          billing.RetryConfig
	CacheSize      int
	CacheTTL       time.Duration
	Clock          quartz.Clock
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
	Logger         *logrus.Logger
}

// Assemble builds every domain service and the facade over them. A nil
// Recorder writes synchronously to AuditStore.
func Assemble(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.AuditStore == nil {
		opts.AuditStore = audit.NewMemoryStore()
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.NewRecorder(opts.AuditStore, opts.Clock, opts.Logger, audit.WithMetrics(opts.Metrics))
	}

	engine := tiers.NewEngine(tiers.Config{
		Repository: opts.Repository,
		Table:      opts.Table,
		Prices:     opts.Prices,
		Clock:      opts.Clock,
		Recorder:   opts.Recorder,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
	})
	manager := instances.NewManager(instances.Config{
		Repository:     opts.Repository,
		Tiers:          engine,
		Clock:          opts.Clock,
		Recorder:       opts.Recorder,
		Metrics:        opts.Metrics,
		Logger:         opts.Logger,
		AutoPauseAfter: opts.AutoPauseAfter,
	})
	svc := tenants.NewService(tenants.Config{
		Repository: opts.Repository,
		Tiers:      engine,
		Instances:  manager,
		Clock:      opts.Clock,
		Recorder:   opts.Recorder,
		Logger:     opts.Logger,
	})
	meter := usage.NewMeter(usage.Config{
		Repository: opts.Repository,
		Breaches:   manager,
		Clock:      opts.Clock,
		Recorder:   opts.Recorder,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
	})
	processor := billing.NewProcessor(billing.Config{
		Repository: opts.Repository,
		Tenants:    svc,
		Tiers:      engine,
		Instances:  manager,
		Clock:      opts.Clock,
		Recorder:   opts.Recorder,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
		Retry:      opts.Retry,
		CacheSize:  opts.CacheSize,
		CacheTTL:   opts.CacheTTL,
	})

	return New(Config{
		Repository: opts.Repository,
		Tenants:    svc,
		Tiers:      engine,
		Instances:  manager,
		Meter:      meter,
		Billing:    processor,
		Audit:      opts.AuditStore,
		Retention:  audit.NewRetention(opts.AuditStore, opts.Archiver, opts.ArchivePrefix, opts.Clock, opts.Logger),
		Tracer:     opts.Tracer,
		Logger:     opts.Logger,
	})
}

// Billing exposes the webhook processor for transports that accept events
// before applying them
func (s *Service) Billing() *billing.Processor {
	return s.billing
}
