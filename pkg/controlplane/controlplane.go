package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/billing"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tenants"
	"github.com/platinummonkey/hostplane/pkg/tiers"
	"github.com/platinummonkey/hostplane/pkg/usage"
)

// ControlPlane is the isolated surface every transport and worker calls
type ControlPlane interface {
	// Accounts
	CreateAccount(ctx context.Context, req tenants.CreateAccountRequest) (*store.Account, error)
	GetAccount(ctx context.Context, accountID string) (*store.Account, error)
	SuspendAccount(ctx context.Context, accountID string) (*store.Account, error)
	ReactivateAccount(ctx context.Context, accountID string) (*store.Account, error)
	DeleteAccount(ctx context.Context, accountID string) (*store.Account, error)

	// Subscriptions
	GetActiveSubscription(ctx context.Context, accountID string) (*store.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*store.Subscription, error)
	CreateSubscription(ctx context.Context, accountID string, tier store.Tier) (*store.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, status store.SubscriptionStatus) (*store.Subscription, error)
	ChangeTier(ctx context.Context, subscriptionID string, tier store.Tier) (*store.Subscription, error)
	ListInstances(ctx context.Context, subscriptionID string) ([]*store.Instance, error)

	// Usage
	RecordUsage(ctx context.Context, instanceID string, event usage.Event) (*usage.Result, error)
	CheckUsageLimits(ctx context.Context, instanceID string) (*usage.LimitStatus, error)
	RecordStorage(ctx context.Context, instanceID string, gb decimal.Decimal) error
	RecordError(ctx context.Context, instanceID string) error
	GetBillingMetrics(ctx context.Context, accountID string, start, end time.Time) (*usage.BillingMetrics, error)

	// Instances
	Provision(ctx context.Context, subscriptionID string, req instances.ProvisionRequest) (*store.Instance, error)
	Transition(ctx context.Context, instanceID string, to store.InstanceStatus) (*store.Instance, error)
	UpdateHealth(ctx context.Context, instanceID string, status store.HealthStatus, details store.JSONMap, errorMessage *string) (*store.Instance, error)
	GetInstance(ctx context.Context, instanceID string) (*store.Instance, error)
	ComputeUptime(ctx context.Context, instanceID string) (float64, error)

	// Billing webhooks
	Ingest(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) error
	ReconcileWebhooks(ctx context.Context, limit int) (int, error)

	// Sweeps
	AutoPauseInactive(ctx context.Context) (int, error)
	RecomputeUptime(ctx context.Context) (int, error)
	PurgeUsage(ctx context.Context, retention time.Duration) (int64, error)
	PurgeAudit(ctx context.Context, retention time.Duration) (int64, error)

	// Audit
	SearchAudit(ctx context.Context, filter audit.SearchFilter) ([]*audit.Entry, error)
}

// Config wires a Service
type Config struct {
	Repository store.Repository
	Tenants    *tenants.Service
	Tiers      *tiers.Engine
	Instances  *instances.Manager
	Meter      *usage.Meter
	Billing    *billing.Processor
	Audit      audit.Store
	Retention  *audit.Retention
	Tracer     trace.Tracer
	Logger     *logrus.Logger
}

// Service implements ControlPlane over the domain services
type Service struct {
	repo      store.Repository
	tenants   *tenants.Service
	tiers     *tiers.Engine
	instances *instances.Manager
	meter     *usage.Meter
	billing   *billing.Processor
	audit     audit.Store
	retention *audit.Retention
	tracer    trace.Tracer
	logger    *logrus.Logger
}

var _ ControlPlane = (*Service)(nil)

// New creates the control plane facade
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer()
	}
	return &Service{
		repo:      cfg.Repository,
		tenants:   cfg.Tenants,
		tiers:     cfg.Tiers,
		instances: cfg.Instances,
		meter:     cfg.Meter,
		billing:   cfg.Billing,
		audit:     cfg.Audit,
		retention: cfg.Retention,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
	}
}

// begin opens the span for op and returns the caller, or ErrForbidden when
// the context carries none
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *auth.Caller, error) {
	caller := auth.FromContext(ctx)
	ctx, span := s.tracer.Start(ctx, "controlplane."+op, trace.WithAttributes(attrs...))
	if caller == nil {
		return ctx, span, nil, fmt.Errorf("%s: no caller: %w", op, auth.ErrForbidden)
	}
	span.SetAttributes(
		attribute.String("caller.role", string(caller.Role)),
		attribute.String("caller.account_id", caller.AccountID),
	)
	return ctx, span, caller, nil
}

// finish records err on span and closes it
func (s *Service) finish(span trace.Span, err error) {
	if errors.Is(err, auth.ErrForbidden) {
		s.logger.WithError(err).Warn("Denied control plane call")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// instanceOwner loads an instance and checks the caller may act on its account
func (s *Service) instanceOwner(ctx context.Context, caller *auth.Caller, instanceID string) (*store.Instance, error) {
	inst, err := s.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(inst.AccountID); err != nil {
		return nil, err
	}
	return inst, nil
}

// subscriptionOwner loads a subscription and checks the caller may act on its account
func (s *Service) subscriptionOwner(ctx context.Context, caller *auth.Caller, subscriptionID string) (*store.Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(sub.AccountID); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreateAccount creates an account. Admin and system only.
func (s *Service) CreateAccount(ctx context.Context, req tenants.CreateAccountRequest) (_ *store.Account, err error) {
	ctx, span, caller, err := s.begin(ctx, "CreateAccount")
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged("CreateAccount"); err != nil {
		return nil, err
	}
	return s.tenants.CreateAccount(ctx, req)
}

// GetAccount returns an account visible to the caller
func (s *Service) GetAccount(ctx context.Context, accountID string) (_ *store.Account, err error) {
	ctx, span, caller, err := s.begin(ctx, "GetAccount", attribute.String("account.id", accountID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(accountID); err != nil {
		return nil, err
	}
	return s.tenants.GetAccount(ctx, accountID)
}

// SuspendAccount suspends an account. Admin and system only.
func (s *Service) SuspendAccount(ctx context.Context, accountID string) (*store.Account, error) {
	return s.accountStatus(ctx, "SuspendAccount", accountID, s.tenants.SuspendAccount)
}

// ReactivateAccount reactivates a suspended account. Admin and system only.
func (s *Service) ReactivateAccount(ctx context.Context, accountID string) (*store.Account, error) {
	return s.accountStatus(ctx, "ReactivateAccount", accountID, s.tenants.ReactivateAccount)
}

// DeleteAccount soft-deletes an account and cancels its subscription.
// Admin and system only.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) (*store.Account, error) {
	return s.accountStatus(ctx, "DeleteAccount", accountID, s.tenants.DeleteAccount)
}

func (s *Service) accountStatus(ctx context.Context, op, accountID string, apply func(context.Context, string) (*store.Account, error)) (_ *store.Account, err error) {
	ctx, span, caller, err := s.begin(ctx, op, attribute.String("account.id", accountID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged(op); err != nil {
		return nil, err
	}
	return apply(ctx, accountID)
}

// GetActiveSubscription returns the account's live subscription
func (s *Service) GetActiveSubscription(ctx context.Context, accountID string) (_ *store.Subscription, err error) {
	ctx, span, caller, err := s.begin(ctx, "GetActiveSubscription", attribute.String("account.id", accountID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(accountID); err != nil {
		return nil, err
	}
	return s.tenants.GetActiveSubscription(ctx, accountID)
}

// GetSubscription returns a subscription owned by an account the caller can see
func (s *Service) GetSubscription(ctx context.Context, subscriptionID string) (_ *store.Subscription, err error) {
	ctx, span, caller, err := s.begin(ctx, "GetSubscription", attribute.String("subscription.id", subscriptionID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	return s.subscriptionOwner(ctx, caller, subscriptionID)
}

// CreateSubscription opens a subscription on tier. Admin and system only.
func (s *Service) CreateSubscription(ctx context.Context, accountID string, tier store.Tier) (_ *store.Subscription, err error) {
	ctx, span, caller, err := s.begin(ctx, "CreateSubscription",
		attribute.String("account.id", accountID),
		attribute.String("tier", string(tier)),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged("CreateSubscription"); err != nil {
		return nil, err
	}
	return s.tenants.CreateSubscription(ctx, accountID, tier)
}

// UpdateSubscriptionStatus changes a subscription's status. Admin and system only.
func (s *Service) UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, status store.SubscriptionStatus) (_ *store.Subscription, err error) {
	ctx, span, caller, err := s.begin(ctx, "UpdateSubscriptionStatus",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("status", string(status)),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged("UpdateSubscriptionStatus"); err != nil {
		return nil, err
	}
	return s.tenants.UpdateStatus(ctx, subscriptionID, status)
}

// ChangeTier moves a subscription to tier and cascades the new resources
// onto its instances. Admin and system only.
func (s *Service) ChangeTier(ctx context.Context, subscriptionID string, tier store.Tier) (_ *store.Subscription, err error) {
	ctx, span, caller, err := s.begin(ctx, "ChangeTier",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("tier", string(tier)),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged("ChangeTier"); err != nil {
		return nil, err
	}
	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.tiers.ApplyTierChange(ctx, subscriptionID, sub.Tier, tier); err != nil {
		return nil, err
	}
	return s.repo.GetSubscription(ctx, subscriptionID)
}

// ListInstances returns a subscription's instances
func (s *Service) ListInstances(ctx context.Context, subscriptionID string) (_ []*store.Instance, err error) {
	ctx, span, caller, err := s.begin(ctx, "ListInstances", attribute.String("subscription.id", subscriptionID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if _, err := s.subscriptionOwner(ctx, caller, subscriptionID); err != nil {
		return nil, err
	}
	return s.tenants.ListInstances(ctx, subscriptionID)
}

// RecordUsage meters one message. Admin and system only.
func (s *Service) RecordUsage(ctx context.Context, instanceID string, event usage.Event) (_ *usage.Result, err error) {
	ctx, span, caller, err := s.begin(ctx, "RecordUsage",
		attribute.String("instance.id", instanceID),
		attribute.String("usage.kind", string(event.Kind)),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged("RecordUsage"); err != nil {
		return nil, err
	}
	result, err := s.meter.RecordUsage(ctx, instanceID, event)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("usage.within_limits", result.WithinLimits))
	return result, nil
}

// CheckUsageLimits reports an instance's standing against its daily limits
func (s *Service) CheckUsageLimits(ctx context.Context, instanceID string) (_ *usage.LimitStatus, err error) {
	ctx, span, caller, err := s.begin(ctx, "CheckUsageLimits", attribute.String("instance.id", instanceID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if _, err := s.instanceOwner(ctx, caller, instanceID); err != nil {
		return nil, err
	}
	return s.meter.CheckUsageLimits(ctx, instanceID)
}

// RecordStorage sets today's storage figure. Admin and system only.
func (s *Service) RecordStorage(ctx context.Context, instanceID string, gb decimal.Decimal) (err error) {
	ctx, span, caller, err := s.begin(ctx, "RecordStorage", attribute.String("instance.id", instanceID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return err
	}
	if err := caller.RequirePrivileged("RecordStorage"); err != nil {
		return err
	}
	return s.meter.RecordStorage(ctx, instanceID, gb)
}

// RecordError counts an instance error. Admin and system only.
func (s *Service) RecordError(ctx context.Context, instanceID string) (err error) {
	ctx, span, caller, err := s.begin(ctx, "RecordError", attribute.String("instance.id", instanceID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return err
	}
	if err := caller.RequirePrivileged("RecordError"); err != nil {
		return err
	}
	return s.meter.RecordError(ctx, instanceID)
}

// GetBillingMetrics aggregates usage for an account over [start, end]
func (s *Service) GetBillingMetrics(ctx context.Context, accountID string, start, end time.Time) (_ *usage.BillingMetrics, err error) {
	ctx, span, caller, err := s.begin(ctx, "GetBillingMetrics", attribute.String("account.id", accountID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(accountID); err != nil {
		return nil, err
	}
	return s.meter.GetBillingMetrics(ctx, accountID, start, end)
}

// Provision creates an instance on a subscription the caller owns
func (s *Service) Provision(ctx context.Context, subscriptionID string, req instances.ProvisionRequest) (_ *store.Instance, err error) {
	ctx, span, caller, err := s.begin(ctx, "Provision", attribute.String("subscription.id", subscriptionID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if _, err := s.subscriptionOwner(ctx, caller, subscriptionID); err != nil {
		return nil, err
	}
	inst, err := s.instances.Provision(ctx, subscriptionID, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("instance.id", inst.ID))
	return inst, nil
}

// tenantTargets are the statuses a tenant may request for its own instance
var tenantTargets = map[store.InstanceStatus]bool{
	store.InstanceStopped:        true,
	store.InstanceRestarting:     true,
	store.InstanceDeprovisioning: true,
	store.InstanceRunning:        true,
}

// Transition moves an instance to a new status. Tenants may only stop,
// restart or deprovision their own instances, and start them again from
// stopped.
func (s *Service) Transition(ctx context.Context, instanceID string, to store.InstanceStatus) (_ *store.Instance, err error) {
	ctx, span, caller, err := s.begin(ctx, "Transition",
		attribute.String("instance.id", instanceID),
		attribute.String("instance.to", string(to)),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if _, err := s.instanceOwner(ctx, caller, instanceID); err != nil {
		return nil, err
	}
	if caller.Privileged() {
		return s.instances.Transition(ctx, instanceID, to, instances.WithReason(string(caller.Role)))
	}

	if !tenantTargets[to] {
		return nil, fmt.Errorf("tenant may not move an instance to %s: %w", to, auth.ErrForbidden)
	}
	return s.instances.Transition(ctx, instanceID, to,
		instances.WithReason("tenant"),
		instances.WithGuard(func(inst *store.Instance) error {
			if inst.AccountID != caller.AccountID {
				return auth.ErrForbidden
			}
			if to == store.InstanceRunning && inst.Status != store.InstanceStopped {
				return fmt.Errorf("tenant may only start a stopped instance: %w", auth.ErrForbidden)
			}
			return nil
		}),
	)
}

// UpdateHealth records a health report. Admin and system only.
func (s *Service) UpdateHealth(ctx context.Context, instanceID string, status store.HealthStatus, details store.JSONMap, errorMessage *string) (_ *store.Instance, err error) {
	ctx, span, caller, err := s.begin(ctx, "UpdateHealth",
		attribute.String("instance.id", instanceID),
		attribute.String("health.status", string(status)),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if err := caller.RequirePrivileged("UpdateHealth"); err != nil {
		return nil, err
	}
	return s.instances.UpdateHealth(ctx, instanceID, status, details, errorMessage)
}

// GetInstance returns an instance with its uptime freshly computed
func (s *Service) GetInstance(ctx context.Context, instanceID string) (_ *store.Instance, err error) {
	ctx, span, caller, err := s.begin(ctx, "GetInstance", attribute.String("instance.id", instanceID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if _, err := s.instanceOwner(ctx, caller, instanceID); err != nil {
		return nil, err
	}
	return s.instances.Get(ctx, instanceID)
}

// ComputeUptime returns an instance's uptime percentage
func (s *Service) ComputeUptime(ctx context.Context, instanceID string) (_ float64, err error) {
	ctx, span, caller, err := s.begin(ctx, "ComputeUptime", attribute.String("instance.id", instanceID))
	defer func() { s.finish(span, err) }()
	if err != nil {
		return 0, err
	}
	if _, err := s.instanceOwner(ctx, caller, instanceID); err != nil {
		return 0, err
	}
	return s.instances.ComputeUptime(ctx, instanceID)
}

// Ingest records and applies a billing provider event. Admin and system only.
func (s *Service) Ingest(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) (err error) {
	ctx, span, caller, err := s.begin(ctx, "Ingest",
		attribute.String("webhook.id", providerEventID),
		attribute.String("webhook.type", eventType),
	)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return err
	}
	if err := caller.RequirePrivileged("Ingest"); err != nil {
		return err
	}
	return s.billing.Ingest(ctx, providerEventID, eventType, payload)
}

// ReconcileWebhooks retries failed webhook events that are due
func (s *Service) ReconcileWebhooks(ctx context.Context, limit int) (int, error) {
	return s.sweep(ctx, "ReconcileWebhooks", func(ctx context.Context) (int, error) {
		return s.billing.Reconcile(ctx, limit)
	})
}

// AutoPauseInactive stops idle free-tier instances
func (s *Service) AutoPauseInactive(ctx context.Context) (int, error) {
	return s.sweep(ctx, "AutoPauseInactive", s.instances.AutoPauseInactive)
}

// RecomputeUptime refreshes the stored uptime of running and stopped instances
func (s *Service) RecomputeUptime(ctx context.Context) (int, error) {
	return s.sweep(ctx, "RecomputeUptime", s.instances.RecomputeUptime)
}

// PurgeUsage deletes usage rows older than retention
func (s *Service) PurgeUsage(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.sweep(ctx, "PurgeUsage", func(ctx context.Context) (int, error) {
		n, err := s.meter.PurgeExpired(ctx, retention)
		return int(n), err
	})
	return int64(n), err
}

// PurgeAudit archives and deletes audit entries older than retention
func (s *Service) PurgeAudit(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.sweep(ctx, "PurgeAudit", func(ctx context.Context) (int, error) {
		if s.retention == nil {
			return 0, errors.New("audit retention is not configured")
		}
		n, err := s.retention.Run(ctx, retention)
		return int(n), err
	})
	return int64(n), err
}

func (s *Service) sweep(ctx context.Context, op string, run func(context.Context) (int, error)) (_ int, err error) {
	ctx, span, caller, err := s.begin(ctx, op)
	defer func() { s.finish(span, err) }()
	if err != nil {
		return 0, err
	}
	if err := caller.RequirePrivileged(op); err != nil {
		return 0, err
	}
	n, err := run(ctx)
	span.SetAttributes(attribute.Int("sweep.affected", n))
	return n, err
}

// SearchAudit returns audit entries. Tenants only ever see their own account.
func (s *Service) SearchAudit(ctx context.Context, filter audit.SearchFilter) (_ []*audit.Entry, err error) {
	ctx, span, caller, err := s.begin(ctx, "SearchAudit")
	defer func() { s.finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if !caller.Privileged() && caller.AccountID == "" {
		return nil, fmt.Errorf("tenant without account: %w", auth.ErrForbidden)
	}
	return s.audit.Search(ctx, filter.ScopedTo(caller.AccountID, caller.Privileged()))
}
