package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the direction of a metered message
type Kind string

const (
	KindSent     Kind = "sent"
	KindReceived Kind = "received"
)

// Event is one metered message
type Event struct {
	Kind     Kind   `json:"kind" validate:"required,oneof=sent received"`
	Agent    string `json:"agent,omitempty" validate:"omitempty,max=255"`
	Tool     string `json:"tool,omitempty" validate:"omitempty,max=255"`
	Platform string `json:"platform,omitempty" validate:"omitempty,max=64"`
}

// Result reports the subscription's standing after a recorded message
type Result struct {
	WithinLimits bool  `json:"within_limits"`
	Remaining    int64 `json:"remaining"`
	Used         int64 `json:"used"`
	Limit        int64 `json:"limit"`
}

// LimitStatus is a read-only view of a subscription's usage against its
// limits
type LimitStatus struct {
	WithinLimits      bool            `json:"within_limits"`
	MessagesUsed      int64           `json:"messages_used"`
	MessagesRemaining int64           `json:"messages_remaining"`
	DailyLimit        int64           `json:"daily_limit"`
	StorageUsedGB     decimal.Decimal `json:"storage_used_gb"`
	StorageLimitGB    int64           `json:"storage_limit_gb"`
}

// BillingMetrics aggregates an account's usage over a date range
type BillingMetrics struct {
	AccountID        string          `json:"account_id"`
	Start            time.Time       `json:"start"`
	End              time.Time       `json:"end"`
	TotalMessages    int64           `json:"total_messages"`
	MessagesSent     int64           `json:"messages_sent"`
	MessagesReceived int64           `json:"messages_received"`
	TotalStorageGB   decimal.Decimal `json:"total_storage_gb"`
	UniqueAgents     int             `json:"unique_agents"`
	UniqueTools      int             `json:"unique_tools"`
	UniquePlatforms  int             `json:"unique_platforms"`
	ErrorCount       int64           `json:"error_count"`
	ActiveDays       int             `json:"active_days"`
	AvgDailyMessages float64         `json:"avg_daily_messages"`
}

// remaining returns how many messages fit under limit after used, or
// Unlimited when the limit is unlimited.
func remaining(limit, used int64) int64 {
	if limit < 0 {
		return limit
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
