package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Unlimited marks a limit that is never enforced.
const Unlimited = -1

// Tier represents a named service plan
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// AccountStatus represents the lifecycle status of an account
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountDeleted   AccountStatus = "deleted"
)

// SubscriptionStatus represents the billing status of a subscription
type SubscriptionStatus string

const (
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Valid reports whether s is a known subscription status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionPaused, SubscriptionCancelled:
		return true
	}
	return false
}

// IsActive reports whether a subscription in this status counts as the
// account's active subscription. Only cancelled subscriptions do not.
func (s SubscriptionStatus) IsActive() bool {
	return s != SubscriptionCancelled
}

// InstanceStatus represents the lifecycle state of an instance
type InstanceStatus string

const (
	InstanceProvisioning   InstanceStatus = "provisioning"
	InstanceRunning        InstanceStatus = "running"
	InstanceStopped        InstanceStatus = "stopped"
	InstanceError          InstanceStatus = "error"
	InstanceRestarting     InstanceStatus = "restarting"
	InstanceDeprovisioning InstanceStatus = "deprovisioning"
	InstanceDeprovisioned  InstanceStatus = "deprovisioned"
)

// HealthStatus represents the result of the latest health check
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "unknown"
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthCritical    HealthStatus = "critical"
	HealthFailed      HealthStatus = "failed"
	HealthRateLimited HealthStatus = "rate_limited"
)

// Account represents a tenant
type Account struct {
	ID               string        `json:"id"`
	Email            string        `json:"email"`
	StripeCustomerID *string       `json:"stripe_customer_id,omitempty"`
	IsAdmin          bool          `json:"is_admin"`
	Status           AccountStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	DeletedAt        *time.Time    `json:"deleted_at,omitempty"`
}

// Limits are the per-subscription entitlements derived from a tier
type Limits struct {
	MaxAgents         int `json:"max_agents" yaml:"max_agents"`
	MaxMessagesPerDay int `json:"max_messages_per_day" yaml:"max_messages_per_day"`
	MaxStorageGB      int `json:"max_storage_gb" yaml:"max_storage_gb"`
	MaxPlatforms      int `json:"max_platforms" yaml:"max_platforms"`
	MaxTeamMembers    int `json:"max_team_members" yaml:"max_team_members"`
}

// Resources are the compute limits applied to an instance
type Resources struct {
	MemoryLimitMB int `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	CPUMillicores int `json:"cpu_millicores" yaml:"cpu_millicores"`
	DiskLimitGB   int `json:"disk_limit_gb" yaml:"disk_limit_gb"`
}

// Subscription represents an account's plan and its daily counters
type Subscription struct {
	ID        string             `json:"id"`
	AccountID string             `json:"account_id"`
	Tier      Tier               `json:"tier"`
	Status    SubscriptionStatus `json:"status"`
	Limits
	Features Features `json:"features"`

	// Counters. Only the usage meter writes these.
	CurrentMessagesToday int64           `json:"current_messages_today"`
	CurrentStorageGB     decimal.Decimal `json:"current_storage_gb"`
	LastResetAt          time.Time       `json:"last_reset_at"`

	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string     `json:"stripe_price_id,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// MessagesUsedOn returns the daily message count as of day. A counter last
// reset before day is stale and reads as zero.
func (s *Subscription) MessagesUsedOn(day time.Time) int64 {
	if s.LastResetAt.Before(Day(day)) {
		return 0
	}
	return s.CurrentMessagesToday
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Features = s.Features.Clone()
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.StripeSubscriptionID = cloneString(s.StripeSubscriptionID)
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}

// Instance represents a provisioned compute deployment
type Instance struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	AccountID      string         `json:"account_id"`
	Subdomain      string         `json:"subdomain"`
	Status         InstanceStatus `json:"status"`
	Resources
	Config JSONMap `json:"config,omitempty"`

	HealthStatus    HealthStatus `json:"health_status"`
	HealthDetails   JSONMap      `json:"health_details,omitempty"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	UptimePercent   float64      `json:"uptime_percent"`

	ProvisionedAt   *time.Time `json:"provisioned_at,omitempty"`
	LastStartedAt   *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt   *time.Time `json:"last_stopped_at,omitempty"`
	DeprovisionedAt *time.Time `json:"deprovisioned_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsLive reports whether the instance still counts against quota and
// still receives tier cascades.
func (i *Instance) IsLive() bool {
	return i.Status != InstanceDeprovisioned
}

// Clone returns a deep copy
func (i *Instance) Clone() *Instance {
	c := *i
	c.Config = i.Config.Clone()
	c.HealthDetails = i.HealthDetails.Clone()
	c.LastHealthCheck = cloneTime(i.LastHealthCheck)
	c.ProvisionedAt = cloneTime(i.ProvisionedAt)
	c.LastStartedAt = cloneTime(i.LastStartedAt)
	c.LastStoppedAt = cloneTime(i.LastStoppedAt)
	c.DeprovisionedAt = cloneTime(i.DeprovisionedAt)
	return &c
}

// InstanceFilter narrows ListInstances. Zero fields match everything.
type InstanceFilter struct {
	AccountID      string
	SubscriptionID string
	Statuses       []InstanceStatus
	Tier           Tier
}

// Matches reports whether the filter accepts an instance owned by a
// subscription of the given tier.
func (f InstanceFilter) Matches(inst *Instance, tier Tier) bool {
	if f.AccountID != "" && inst.AccountID != f.AccountID {
		return false
	}
	if f.SubscriptionID != "" && inst.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.Tier != "" && tier != f.Tier {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}

// UsageMetric holds one subscription's usage for one UTC day
type UsageMetric struct {
	SubscriptionID   string          `json:"subscription_id"`
	Date             time.Time       `json:"date"`
	MessagesSent     int64           `json:"messages_sent"`
	MessagesReceived int64           `json:"messages_received"`
	AgentsUsed       CounterMap      `json:"agents_used"`
	ToolsUsed        CounterMap      `json:"tools_used"`
	PlatformsActive  CounterMap      `json:"platforms_active"`
	StorageUsedGB    decimal.Decimal `json:"storage_used_gb"`
	ErrorCount       int64           `json:"error_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Messages returns sent plus received
func (m *UsageMetric) Messages() int64 {
	return m.MessagesSent + m.MessagesReceived
}

// Apply adds delta to the metric in place
func (m *UsageMetric) Apply(delta UsageDelta) {
	m.MessagesSent += delta.Sent
	m.MessagesReceived += delta.Received
	m.ErrorCount += delta.Errors
	m.AgentsUsed = m.AgentsUsed.Increment(delta.Agent)
	m.ToolsUsed = m.ToolsUsed.Increment(delta.Tool)
	m.PlatformsActive = m.PlatformsActive.Increment(delta.Platform)
}

// Clone returns a deep copy
func (m *UsageMetric) Clone() *UsageMetric {
	c := *m
	c.AgentsUsed = m.AgentsUsed.Clone()
	c.ToolsUsed = m.ToolsUsed.Clone()
	c.PlatformsActive = m.PlatformsActive.Clone()
	return &c
}

// UsageDelta is one increment applied to a UsageMetric row. Empty keys
// leave the corresponding map untouched.
type UsageDelta struct {
	Sent     int64
	Received int64
	Errors   int64
	Agent    string
	Tool     string
	Platform string
}

// WebhookEvent is a billing provider event and its processing state
type WebhookEvent struct {
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Attempts        int             `json:"attempts"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Error           *string         `json:"error,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	QuarantinedAt   *time.Time      `json:"quarantined_at,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// Settled reports whether the event needs no further processing
func (e *WebhookEvent) Settled() bool {
	return e.ProcessedAt != nil || e.QuarantinedAt != nil
}

// Clone returns a deep copy
func (e *WebhookEvent) Clone() *WebhookEvent {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	c.Error = cloneString(e.Error)
	c.NextRetryAt = cloneTime(e.NextRetryAt)
	c.QuarantinedAt = cloneTime(e.QuarantinedAt)
	return &c
}

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Clone returns a deep copy
func (a *Account) Clone() *Account {
	c := *a
	c.StripeCustomerID = cloneString(a.StripeCustomerID)
	c.DeletedAt = cloneTime(a.DeletedAt)
	return &c
}
