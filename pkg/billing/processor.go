package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tenants"
	"github.com/platinummonkey/hostplane/pkg/tiers"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Outcomes reported to metrics
const (
	outcomeProcessed   = "processed"
	outcomeIgnored     = "ignored"
	outcomeDuplicate   = "duplicate"
	outcomeFailed      = "failed"
	outcomeQuarantined = "quarantined"
)

// Config wires a Processor
type Config struct {
	Repository store.Repository
	Tenants    *tenants.Service
	Tiers      *tiers.Engine
	Instances  *instances.Manager
	Clock      quartz.Clock
	Recorder   *audit.Recorder
	Metrics    *observability.Metrics
	Logger     *logrus.Logger
	Retry      RetryConfig
	CacheSize  int
	CacheTTL   time.Duration
}

// Processor applies billing provider events exactly once
type Processor struct {
	repo      store.Repository
	tenants   *tenants.Service
	tiers     *tiers.Engine
	instances *instances.Manager
	clock     quartz.Clock
	recorder  *audit.Recorder
	metrics   *observability.Metrics
	logger    *logrus.Logger
	retry     *RetryPolicy
	processed *expirable.LRU[string, struct{}]
}

// NewProcessor creates a webhook processor
func NewProcessor(cfg Config) *Processor {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Processor{
		repo:      cfg.Repository,
		tenants:   cfg.Tenants,
		tiers:     cfg.Tiers,
		instances: cfg.Instances,
		clock:     cfg.Clock,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		retry:     NewRetryPolicy(cfg.Retry),
		processed: expirable.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Ingest records an event and processes it. Redeliveries of a processed or
// quarantined event return nil without side effects. A handler failure is
// returned after the failure has been recorded for retry.
func (p *Processor) Ingest(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) error {
	pending, err := p.Accept(ctx, providerEventID, eventType, payload)
	if err != nil || !pending {
		return err
	}
	return p.Process(ctx, providerEventID)
}

// Accept durably records an event and reports whether it still needs
// processing. It is safe to call for every delivery.
func (p *Processor) Accept(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) (bool, error) {
	if providerEventID == "" || eventType == "" {
		return false, fmt.Errorf("provider event id and type are required")
	}
	if p.processed.Contains(providerEventID) {
		p.metrics.WebhookEvent(eventType, outcomeDuplicate, 0)
		return false, nil
	}

	existing, err := p.repo.GetWebhookEvent(ctx, providerEventID)
	switch {
	case err == nil:
		if existing.Settled() {
			if existing.ProcessedAt != nil {
				p.processed.Add(providerEventID, struct{}{})
			}
			p.metrics.WebhookEvent(eventType, outcomeDuplicate, 0)
			return false, nil
		}
		return true, nil
	case !store.IsNotFound(err):
		return false, fmt.Errorf("failed to look up webhook event: %w", err)
	}

	var inserted bool
	err = p.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inserted, err = tx.InsertWebhookEvent(ctx, &store.WebhookEvent{
			ProviderEventID: providerEventID,
			EventType:       eventType,
			Payload:         payload,
			ReceivedAt:      p.clock.Now().UTC(),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !inserted {
		p.metrics.WebhookEvent(eventType, outcomeDuplicate, 0)
	}
	return inserted, nil
}

// result collects the side effects of one handler run
type result struct {
	accountID   string
	ignored     bool
	changes     []instances.Change
	tierChanges [][2]store.Tier
}

// Process applies a recorded event. The event row is locked and re-checked
// first, so only one caller ever applies it.
func (p *Processor) Process(ctx context.Context, providerEventID string) error {
	start := p.clock.Now()

	var (
		pending   audit.Pending
		res       result
		event     *store.WebhookEvent
		duplicate bool
	)
	err := p.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		res = result{}
		duplicate = false

		var err error
		event, err = tx.LockWebhookEvent(ctx, providerEventID)
		if err != nil {
			return fmt.Errorf("failed to lock webhook event: %w", err)
		}
		if event.Settled() {
			duplicate = true
			return nil
		}

		if err := p.dispatch(ctx, tx, event, &res, &pending); err != nil {
			return err
		}

		now := p.clock.Now().UTC()
		event.Attempts++
		event.ProcessedAt = &now
		event.Error = nil
		event.NextRetryAt = nil
		return tx.UpdateWebhookEvent(ctx, event)
	})

	if err != nil {
		if event == nil {
			return err
		}
		return p.recordFailure(ctx, event, err, p.clock.Since(start))
	}
	if duplicate {
		p.metrics.WebhookEvent(event.EventType, outcomeDuplicate, 0)
		return nil
	}

	p.processed.Add(providerEventID, struct{}{})
	p.instances.Observe(res.changes...)
	for _, c := range res.tierChanges {
		p.metrics.TierChanged(string(c[0]), string(c[1]))
	}
	p.recorder.Flush(ctx, &pending)

	outcome := outcomeProcessed
	if res.ignored {
		outcome = outcomeIgnored
	}
	p.metrics.WebhookEvent(event.EventType, outcome, p.clock.Since(start))
	p.recorder.Record(ctx, audit.Success(audit.ActionWebhookProcessed, audit.CategoryWebhook, audit.Account(res.accountID), map[string]interface{}{
		"provider_event_id": event.ProviderEventID,
		"event_type":        event.EventType,
		"attempts":          event.Attempts,
		"ignored":           res.ignored,
	}))
	p.logger.WithFields(logrus.Fields{
		"provider_event_id": providerEventID,
		"event_type":        event.EventType,
		"outcome":           outcome,
	}).Info("Processed webhook event")
	return nil
}

// recordFailure bumps the attempt count in its own transaction and either
// schedules a retry or quarantines the event.
func (p *Processor) recordFailure(ctx context.Context, event *store.WebhookEvent, cause error, elapsed time.Duration) error {
	var (
		attempts    int
		quarantined bool
	)
	err := p.repo.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockWebhookEvent(ctx, event.ProviderEventID)
		if err != nil {
			return err
		}
		if current.Settled() {
			return nil
		}

		now := p.clock.Now().UTC()
		msg := cause.Error()
		current.Attempts++
		current.Error = &msg
		if p.retry.ShouldQuarantine(current.Attempts) {
			current.QuarantinedAt = &now
			current.NextRetryAt = nil
			quarantined = true
		} else {
			next := p.retry.NextRetryAt(current.Attempts, now)
			current.NextRetryAt = &next
		}
		attempts = current.Attempts
		return tx.UpdateWebhookEvent(ctx, current)
	})
	if err != nil {
		p.logger.WithError(err).WithField("provider_event_id", event.ProviderEventID).Error("Failed to record webhook failure")
		return errors.Join(cause, err)
	}
	if attempts == 0 {
		// settled by someone else in the meantime
		return nil
	}

	outcome := outcomeFailed
	if quarantined {
		outcome = outcomeQuarantined
	}
	p.metrics.WebhookEvent(event.EventType, outcome, elapsed)
	p.recorder.Record(ctx, audit.Failure(audit.ActionWebhookProcessed, audit.CategoryWebhook, nil, map[string]interface{}{
		"provider_event_id": event.ProviderEventID,
		"event_type":        event.EventType,
		"attempts":          attempts,
		"quarantined":       quarantined,
	}, cause.Error()))

	entry := p.logger.WithError(cause).WithFields(logrus.Fields{
		"provider_event_id": event.ProviderEventID,
		"event_type":        event.EventType,
		"attempts":          attempts,
	})
	if quarantined {
		entry.Error("Quarantined webhook event")
	} else {
		entry.Warn("Webhook event failed, will retry")
	}
	return fmt.Errorf("failed to process webhook %s: %w", event.ProviderEventID, cause)
}

// Reconcile retries failed events whose backoff has elapsed. Returns the
// number of events that processed successfully.
func (p *Processor) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	events, err := p.repo.ListRetryableWebhookEvents(ctx, p.clock.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable webhook events: %w", err)
	}

	succeeded := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}
		if err := p.Process(ctx, event.ProviderEventID); err != nil {
			continue
		}
		succeeded++
	}
	return succeeded, nil
}
