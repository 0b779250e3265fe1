package instances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tiers"
)

// DefaultAutoPauseAfter is how long a free-tier instance may sit idle
// before the auto-pause sweep stops it.
const DefaultAutoPauseAfter = 7 * 24 * time.Hour

// Config wires a Manager
type Config struct {
	Repository     store.Repository
	Tiers          *tiers.Engine
	Clock          quartz.Clock
	Recorder       *audit.Recorder
	Metrics        *observability.Metrics
	Logger         *logrus.Logger
	Validate       *validator.Validate
	AutoPauseAfter time.Duration
}

// Manager drives instance state
type Manager struct {
	repo           store.Repository
	tiers          *tiers.Engine
	clock          quartz.Clock
	recorder       *audit.Recorder
	metrics        *observability.Metrics
	logger         *logrus.Logger
	validate       *validator.Validate
	autoPauseAfter time.Duration
}

// NewManager creates a lifecycle manager
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Validate == nil {
		cfg.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if cfg.AutoPauseAfter <= 0 {
		cfg.AutoPauseAfter = DefaultAutoPauseAfter
	}
	if cfg.Tiers == nil {
		cfg.Tiers = tiers.NewEngine(tiers.Config{Repository: cfg.Repository, Clock: cfg.Clock, Logger: cfg.Logger})
	}
	return &Manager{
		repo:           cfg.Repository,
		tiers:          cfg.Tiers,
		clock:          cfg.Clock,
		recorder:       cfg.Recorder,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		validate:       cfg.Validate,
		autoPauseAfter: cfg.AutoPauseAfter,
	}
}

// ProvisionRequest describes a new instance
type ProvisionRequest struct {
	// Subdomain defaults to the generated instance id
	Subdomain string        `json:"subdomain,omitempty" validate:"omitempty,dns_rfc1035_label"`
	Config    store.JSONMap `json:"config,omitempty"`
}

// Change records one status change made inside a transaction
type Change struct {
	InstanceID string
	From       store.InstanceStatus
	To         store.InstanceStatus
}

// Provision creates an instance in the provisioning state on a subscription
// that still has room under its agent quota.
func (m *Manager) Provision(ctx context.Context, subscriptionID string, req ProvisionRequest) (*store.Instance, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid provision request: %w", err)
	}

	var (
		pending audit.Pending
		created *store.Instance
		tier    store.Tier
	)
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		tier = sub.Tier

		if !sub.Status.IsActive() {
			return &InvalidTransitionError{From: string(sub.Status), To: string(store.InstanceProvisioning)}
		}

		live, err := tx.CountLiveInstances(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to count instances: %w", err)
		}
		if sub.MaxAgents != store.Unlimited && live >= sub.MaxAgents {
			return &QuotaExceededError{Resource: "agents", Current: int64(live), Limit: int64(sub.MaxAgents)}
		}

		policy, err := m.tiers.Policy(sub.Tier)
		if err != nil {
			return err
		}

		now := m.clock.Now().UTC()
		id := "inst-" + uuid.NewString()
		subdomain := req.Subdomain
		if subdomain == "" {
			subdomain = id
		}
		inst := &store.Instance{
			ID:             id,
			SubscriptionID: sub.ID,
			AccountID:      sub.AccountID,
			Subdomain:      subdomain,
			Status:         store.InstanceProvisioning,
			Resources:      policy.Resources,
			Config:         req.Config.Clone(),
			HealthStatus:   store.HealthUnknown,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to insert instance: %w", err)
		}

		pending.Add(audit.Success(audit.ActionInstanceProvisioned, audit.CategoryInstance, audit.Account(sub.AccountID), map[string]interface{}{
			"instance_id":     inst.ID,
			"subscription_id": sub.ID,
			"subdomain":       inst.Subdomain,
			"tier":            string(sub.Tier),
		}))
		created = inst
		return nil
	})
	if err != nil {
		var q *QuotaExceededError
		if errors.As(err, &q) {
			m.metrics.QuotaRejected(q.Resource)
			m.recorder.Record(ctx, audit.Failure(audit.ActionInstanceProvisioned, audit.CategoryInstance, nil, map[string]interface{}{
				"subscription_id": subscriptionID,
				"current":         q.Current,
				"limit":           q.Limit,
			}, q.Error()))
		}
		return nil, err
	}

	m.metrics.InstanceProvisioned(string(tier))
	m.recorder.Flush(ctx, &pending)
	m.logger.WithFields(logrus.Fields{
		"instance_id":     created.ID,
		"subscription_id": subscriptionID,
	}).Info("Provisioned instance")
	return created, nil
}

// TransitionOption adjusts a single Transition call
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	guard  func(*store.Instance) error
	reason string
}

// WithGuard runs check against the locked instance before the transition.
// A non-nil result aborts the transition with that error.
func WithGuard(check func(*store.Instance) error) TransitionOption {
	return func(o *transitionOptions) { o.guard = check }
}

// WithReason is recorded in the audit entry
func WithReason(reason string) TransitionOption {
	return func(o *transitionOptions) { o.reason = reason }
}

// Transition moves an instance to a new status. An illegal transition
// leaves the instance untouched.
func (m *Manager) Transition(ctx context.Context, instanceID string, to store.InstanceStatus, opts ...TransitionOption) (*store.Instance, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		pending audit.Pending
		result  *store.Instance
		change  Change
	)
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to lock instance: %w", err)
		}
		if o.guard != nil {
			if err := o.guard(inst); err != nil {
				return err
			}
		}
		change, err = m.TransitionTx(ctx, tx, inst, to, o.reason, &pending)
		if err != nil {
			return err
		}
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Observe(change)
	m.recorder.Flush(ctx, &pending)
	return result, nil
}

// TransitionTx applies a transition to an instance already locked by tx
func (m *Manager) TransitionTx(ctx context.Context, tx store.Tx, inst *store.Instance, to store.InstanceStatus, reason string, pending *audit.Pending) (Change, error) {
	from := inst.Status
	if err := ValidateTransition(from, to); err != nil {
		return Change{}, err
	}

	enter(inst, to, m.clock.Now().UTC())
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return Change{}, fmt.Errorf("failed to update instance: %w", err)
	}

	details := map[string]interface{}{
		"instance_id": inst.ID,
		"from":        string(from),
		"to":          string(to),
	}
	if reason != "" {
		details["reason"] = reason
	}
	pending.Add(audit.Success(audit.ActionInstanceTransitioned, audit.CategoryInstance, audit.Account(inst.AccountID), details))
	return Change{InstanceID: inst.ID, From: from, To: to}, nil
}

// DeprovisionSubscriptionTx moves every instance of a subscription that is
// not already on its way out to deprovisioning.
func (m *Manager) DeprovisionSubscriptionTx(ctx context.Context, tx store.Tx, subscriptionID, reason string, pending *audit.Pending) ([]Change, error) {
	instances, err := tx.ListInstances(ctx, store.InstanceFilter{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	var changes []Change
	for _, listed := range instances {
		if listed.Status == store.InstanceDeprovisioning || listed.Status == store.InstanceDeprovisioned {
			continue
		}
		inst, err := tx.LockInstance(ctx, listed.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock instance %s: %w", listed.ID, err)
		}
		if inst.Status == store.InstanceDeprovisioning || inst.Status == store.InstanceDeprovisioned {
			continue
		}
		change, err := m.TransitionTx(ctx, tx, inst, store.InstanceDeprovisioning, reason, pending)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// Observe reports committed changes to metrics
func (m *Manager) Observe(changes ...Change) {
	for _, c := range changes {
		if c.InstanceID == "" {
			continue
		}
		m.metrics.InstanceTransition(string(c.From), string(c.To))
	}
}

// UpdateHealth records a health report. Critical and failed reports are
// also written to the audit log as failures.
func (m *Manager) UpdateHealth(ctx context.Context, instanceID string, status store.HealthStatus, details store.JSONMap, errorMessage *string) (*store.Instance, error) {
	switch status {
	case store.HealthUnknown, store.HealthHealthy, store.HealthDegraded, store.HealthCritical, store.HealthFailed, store.HealthRateLimited:
	default:
		return nil, fmt.Errorf("invalid health status %q", status)
	}

	var (
		pending audit.Pending
		result  *store.Instance
	)
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to lock instance: %w", err)
		}
		if !inst.IsLive() {
			return &InvalidTransitionError{From: string(inst.Status), To: "health:" + string(status)}
		}

		now := m.clock.Now().UTC()
		inst.HealthStatus = status
		inst.HealthDetails = details.Clone()
		inst.LastHealthCheck = &now
		inst.UpdatedAt = now
		switch {
		case errorMessage != nil:
			inst.ErrorMessage = *errorMessage
		case status == store.HealthHealthy:
			inst.ErrorMessage = ""
		}
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to update instance health: %w", err)
		}

		if status == store.HealthCritical || status == store.HealthFailed {
			pending.Add(audit.Failure(audit.ActionInstanceHealthFailing, audit.CategoryInstance, audit.Account(inst.AccountID), map[string]interface{}{
				"instance_id":   inst.ID,
				"health_status": string(status),
				"details":       map[string]interface{}(details),
			}, inst.ErrorMessage))
		}
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recorder.Flush(ctx, &pending)
	return result, nil
}

// MarkRateLimited flags an instance whose subscription went over its daily
// message limit. Repeated calls are no-ops until health is reported again.
func (m *Manager) MarkRateLimited(ctx context.Context, instanceID string) error {
	var pending audit.Pending
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to lock instance: %w", err)
		}
		if !inst.IsLive() || inst.HealthStatus == store.HealthRateLimited {
			return nil
		}

		now := m.clock.Now().UTC()
		inst.HealthStatus = store.HealthRateLimited
		inst.HealthDetails = inst.HealthDetails.Merge(store.JSONMap{
			"rate_limited_at": now.Format(time.RFC3339),
		})
		inst.UpdatedAt = now
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}

		pending.Add(audit.Success(audit.ActionInstanceRateLimited, audit.CategoryInstance, audit.Account(inst.AccountID), map[string]interface{}{
			"instance_id":     inst.ID,
			"subscription_id": inst.SubscriptionID,
		}))
		return nil
	})
	if err != nil {
		return err
	}
	m.recorder.Flush(ctx, &pending)
	return nil
}

// Get returns an instance with its uptime computed as of now
func (m *Manager) Get(ctx context.Context, instanceID string) (*store.Instance, error) {
	inst, err := m.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	inst.UptimePercent = ComputeUptime(inst, m.clock.Now().UTC())
	return inst, nil
}

// List returns the instances matching filter
func (m *Manager) List(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return m.repo.ListInstances(ctx, filter)
}

// ComputeUptime loads an instance and computes its uptime as of now
func (m *Manager) ComputeUptime(ctx context.Context, instanceID string) (float64, error) {
	inst, err := m.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return ComputeUptime(inst, m.clock.Now().UTC()), nil
}
