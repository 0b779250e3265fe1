package tiers

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
)

// Engine resolves tier policy and applies tier changes
type Engine struct {
	repo     store.Repository
	table    Table
	prices   PriceMap
	clock    quartz.Clock
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *logrus.Logger
}

// Config wires an Engine
type Config struct {
	Repository store.Repository
	Table      Table
	Prices     PriceMap
	Clock      quartz.Clock
	Recorder   *audit.Recorder
	Metrics    *observability.Metrics
	Logger     *logrus.Logger
}

// NewEngine creates an engine. A nil table falls back to DefaultTable.
func NewEngine(cfg Config) *Engine {
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if cfg.Prices == nil {
		cfg.Prices = PriceMap{}
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Engine{
		repo:     cfg.Repository,
		table:    cfg.Table,
		prices:   cfg.Prices,
		clock:    cfg.Clock,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Policy returns the policy for tier
func (e *Engine) Policy(tier store.Tier) (Policy, error) {
	return e.table.Lookup(tier)
}

// TierForPrice maps a billing price id to a tier
func (e *Engine) TierForPrice(priceID string) (store.Tier, bool) {
	return e.prices.TierForPrice(priceID)
}

// ApplyLimits stamps tier and its policy onto sub without persisting it
func (e *Engine) ApplyLimits(sub *store.Subscription, tier store.Tier) error {
	p, err := e.table.Lookup(tier)
	if err != nil {
		return err
	}
	sub.Tier = tier
	sub.Limits = p.Limits
	sub.Features = p.Features
	return nil
}

// ApplyTierChange moves a subscription from oldTier to newTier and cascades
// the new compute resources to its instances. Equal tiers are a no-op.
func (e *Engine) ApplyTierChange(ctx context.Context, subscriptionID string, oldTier, newTier store.Tier) error {
	if oldTier == newTier {
		return nil
	}
	if !newTier.Valid() {
		return fmt.Errorf("invalid tier %q", newTier)
	}

	var (
		pending audit.Pending
		from    store.Tier
	)
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		from = sub.Tier
		return e.ApplyTierChangeTx(ctx, tx, sub, newTier, &pending)
	})
	if err != nil {
		return err
	}

	if from != newTier {
		e.metrics.TierChanged(string(from), string(newTier))
	}
	e.recorder.Flush(ctx, &pending)
	return nil
}

// ApplyTierChangeTx runs the tier cascade inside tx. sub must already be
// locked by tx and is updated in place. The audit entry is queued on
// pending for the caller to flush after commit.
func (e *Engine) ApplyTierChangeTx(ctx context.Context, tx store.Tx, sub *store.Subscription, newTier store.Tier, pending *audit.Pending) error {
	if sub.Tier == newTier {
		return nil
	}
	oldTier := sub.Tier
	if err := e.ApplyLimits(sub, newTier); err != nil {
		return err
	}
	policy, _ := e.table.Lookup(newTier)

	now := e.clock.Now().UTC()
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription tier: %w", err)
	}

	instances, err := tx.ListInstances(ctx, store.InstanceFilter{SubscriptionID: sub.ID})
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	updated := 0
	for _, listed := range instances {
		if !listed.IsLive() {
			continue
		}
		inst, err := tx.LockInstance(ctx, listed.ID)
		if err != nil {
			return fmt.Errorf("failed to lock instance %s: %w", listed.ID, err)
		}
		if !inst.IsLive() {
			continue
		}
		inst.Resources = policy.Resources
		inst.UpdatedAt = now
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to update instance %s: %w", inst.ID, err)
		}
		updated++
	}

	pending.Add(audit.Success(audit.ActionTierChanged, audit.CategoryTier, audit.Account(sub.AccountID), map[string]interface{}{
		"subscription_id":   sub.ID,
		"old_tier":          string(oldTier),
		"new_tier":          string(newTier),
		"limits":            policy.Limits,
		"resources":         policy.Resources,
		"instances_updated": updated,
	}))

	e.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"old_tier":        oldTier,
		"new_tier":        newTier,
		"instances":       updated,
	}).Info("Applied tier change")
	return nil
}
