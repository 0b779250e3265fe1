package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
)

// DefaultRetention is how long daily usage rows are kept
const DefaultRetention = 365 * 24 * time.Hour

// BreachHandler is told when an instance's subscription goes over its
// daily message limit
type BreachHandler interface {
	MarkRateLimited(ctx context.Context, instanceID string) error
}

// Config wires a Meter
type Config struct {
	Repository store.Repository
	Breaches   BreachHandler
	Clock      quartz.Clock
	Recorder   *audit.Recorder
	Metrics    *observability.Metrics
	Logger     *logrus.Logger
	Validate   *validator.Validate
}

// Meter records usage and answers limit queries
type Meter struct {
	repo     store.Repository
	breaches BreachHandler
	clock    quartz.Clock
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *logrus.Logger
	validate *validator.Validate
}

// NewMeter creates a usage meter
func NewMeter(cfg Config) *Meter {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Validate == nil {
		cfg.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &Meter{
		repo:     cfg.Repository,
		breaches: cfg.Breaches,
		clock:    cfg.Clock,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		validate: cfg.Validate,
	}
}

// RecordUsage counts one message for the instance's subscription. Going
// over the daily limit is reported in the result, not as an error.
func (m *Meter) RecordUsage(ctx context.Context, instanceID string, event Event) (*Result, error) {
	if err := m.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("invalid usage event: %w", err)
	}

	delta := store.UsageDelta{Agent: event.Agent, Tool: event.Tool, Platform: event.Platform}
	if event.Kind == KindSent {
		delta.Sent = 1
	} else {
		delta.Received = 1
	}

	var (
		result *Result
		sub    *store.Subscription
	)
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to resolve instance: %w", err)
		}
		sub, err = tx.LockSubscription(ctx, inst.SubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}

		today := store.Day(m.clock.Now())
		if _, err := tx.IncrementUsage(ctx, sub.ID, today, delta); err != nil {
			return fmt.Errorf("failed to increment usage: %w", err)
		}
		used, err := tx.IncrementDailyMessages(ctx, sub.ID, today, 1)
		if err != nil {
			return fmt.Errorf("failed to increment daily counter: %w", err)
		}

		limit := int64(sub.MaxMessagesPerDay)
		result = &Result{
			WithinLimits: limit == store.Unlimited || used < limit,
			Remaining:    remaining(limit, used),
			Used:         used,
			Limit:        limit,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.UsageRecorded(string(event.Kind))
	if !result.WithinLimits {
		m.onBreach(ctx, instanceID, sub, result)
	}
	return result, nil
}

func (m *Meter) onBreach(ctx context.Context, instanceID string, sub *store.Subscription, result *Result) {
	m.metrics.UsageBreach(string(sub.Tier))
	m.recorder.Record(ctx, audit.Failure(audit.ActionUsageLimitExceeded, audit.CategoryUsage, audit.Account(sub.AccountID), map[string]interface{}{
		"instance_id":     instanceID,
		"subscription_id": sub.ID,
		"used":            result.Used,
		"limit":           result.Limit,
	}, "daily message limit reached"))

	if m.breaches == nil {
		return
	}
	if err := m.breaches.MarkRateLimited(ctx, instanceID); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"instance_id":     instanceID,
			"subscription_id": sub.ID,
		}).Warn("Failed to flag rate limited instance")
	}
}

// CheckUsageLimits reports the instance's subscription usage without
// changing it
func (m *Meter) CheckUsageLimits(ctx context.Context, instanceID string) (*LimitStatus, error) {
	inst, err := m.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	sub, err := m.repo.GetSubscription(ctx, inst.SubscriptionID)
	if err != nil {
		return nil, err
	}

	used := sub.MessagesUsedOn(m.clock.Now())
	limit := int64(sub.MaxMessagesPerDay)
	storageLimit := int64(sub.MaxStorageGB)

	messagesOK := limit == store.Unlimited || used < limit
	storageOK := storageLimit == store.Unlimited || sub.CurrentStorageGB.LessThanOrEqual(decimal.NewFromInt(storageLimit))

	return &LimitStatus{
		WithinLimits:      messagesOK && storageOK,
		MessagesUsed:      used,
		MessagesRemaining: remaining(limit, used),
		DailyLimit:        limit,
		StorageUsedGB:     sub.CurrentStorageGB,
		StorageLimitGB:    storageLimit,
	}, nil
}

// RecordStorage records the instance subscription's current storage level
func (m *Meter) RecordStorage(ctx context.Context, instanceID string, gb decimal.Decimal) error {
	if gb.IsNegative() {
		return fmt.Errorf("storage must not be negative, got %s", gb)
	}

	var sub *store.Subscription
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to resolve instance: %w", err)
		}
		sub, err = tx.LockSubscription(ctx, inst.SubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		return tx.SetStorageUsed(ctx, sub.ID, store.Day(m.clock.Now()), gb)
	})
	if err != nil {
		return err
	}

	m.metrics.UsageRecorded("storage")
	if sub.MaxStorageGB != store.Unlimited && gb.GreaterThan(decimal.NewFromInt(int64(sub.MaxStorageGB))) {
		m.metrics.UsageBreach(string(sub.Tier))
		m.recorder.Record(ctx, audit.Failure(audit.ActionUsageLimitExceeded, audit.CategoryUsage, audit.Account(sub.AccountID), map[string]interface{}{
			"instance_id":     instanceID,
			"subscription_id": sub.ID,
			"storage_gb":      gb.String(),
			"limit_gb":        sub.MaxStorageGB,
		}, "storage limit exceeded"))
	}
	return nil
}

// RecordError counts one runtime error against the instance's subscription
func (m *Meter) RecordError(ctx context.Context, instanceID string) error {
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to resolve instance: %w", err)
		}
		_, err = tx.IncrementUsage(ctx, inst.SubscriptionID, store.Day(m.clock.Now()), store.UsageDelta{Errors: 1})
		return err
	})
	if err != nil {
		return err
	}
	m.metrics.UsageRecorded("error")
	return nil
}

// GetBillingMetrics aggregates usage across every subscription the account
// has held, for the inclusive date range [start, end].
func (m *Meter) GetBillingMetrics(ctx context.Context, accountID string, start, end time.Time) (*BillingMetrics, error) {
	start, end = store.Day(start), store.Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s is before start date %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	if _, err := m.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	subs, err := m.repo.ListSubscriptionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := &BillingMetrics{AccountID: accountID, Start: start, End: end, TotalStorageGB: decimal.Zero}
	if len(subs) == 0 {
		return out, nil
	}
	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}

	rows, err := m.repo.ListUsageMetrics(ctx, ids, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	agents := map[string]struct{}{}
	tools := map[string]struct{}{}
	platforms := map[string]struct{}{}
	perDay := map[time.Time]int64{}
	for _, row := range rows {
		out.MessagesSent += row.MessagesSent
		out.MessagesReceived += row.MessagesReceived
		out.ErrorCount += row.ErrorCount
		if row.StorageUsedGB.GreaterThan(out.TotalStorageGB) {
			out.TotalStorageGB = row.StorageUsedGB
		}
		for k := range row.AgentsUsed {
			agents[k] = struct{}{}
		}
		for k := range row.ToolsUsed {
			tools[k] = struct{}{}
		}
		for k := range row.PlatformsActive {
			platforms[k] = struct{}{}
		}
		perDay[store.Day(row.Date)] += row.Messages()
	}

	out.TotalMessages = out.MessagesSent + out.MessagesReceived
	out.UniqueAgents = len(agents)
	out.UniqueTools = len(tools)
	out.UniquePlatforms = len(platforms)
	for _, n := range perDay {
		if n > 0 {
			out.ActiveDays++
		}
	}
	if out.ActiveDays > 0 {
		out.AvgDailyMessages = float64(out.TotalMessages) / float64(out.ActiveDays)
	}
	return out, nil
}

// PurgeExpired deletes usage rows older than retention
func (m *Meter) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	before := store.Day(m.clock.Now()).Add(-retention)

	var purged int64
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		purged, err = tx.PurgeUsageMetrics(ctx, before)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage: %w", err)
	}
	if purged > 0 {
		m.logger.Infof("Purged %d usage rows before %s", purged, before.Format(time.DateOnly))
	}
	return purged, nil
}
