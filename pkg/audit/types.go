package audit

import (
	"time"
)

// Category groups audit entries by the component that produced them
type Category string

const (
	CategoryAccount      Category = "account"
	CategorySubscription Category = "subscription"
	CategoryUsage        Category = "usage"
	CategoryTier         Category = "tier"
	CategoryInstance     Category = "instance"
	CategoryWebhook      Category = "webhook"
)

// Action names used across the control plane
const (
	ActionAccountCreated        = "account.created"
	ActionAccountUpdated        = "account.updated"
	ActionAccountStatus         = "account.status_changed"
	ActionSubscriptionCreated   = "subscription.created"
	ActionSubscriptionStatus    = "subscription.status_changed"
	ActionSubscriptionUpdated   = "subscription.updated"
	ActionTierChanged           = "tier.changed"
	ActionUsageLimitExceeded    = "usage.limit_exceeded"
	ActionInstanceProvisioned   = "instance.provisioned"
	ActionInstanceTransitioned  = "instance.transitioned"
	ActionInstanceHealthFailing = "instance.health_failing"
	ActionInstanceAutoPaused    = "instance.auto_paused"
	ActionInstanceRateLimited   = "instance.rate_limited"
	ActionWebhookProcessed      = "webhook.processed"
)

// Entry is a single audit record
type Entry struct {
	ID           int64                  `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	AccountID    *string                `json:"account_id,omitempty"`
	Action       string                 `json:"action"`
	Category     Category               `json:"category"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Success builds a successful entry
func Success(action string, category Category, accountID *string, details map[string]interface{}) *Entry {
	return &Entry{
		Action:    action,
		Category:  category,
		AccountID: accountID,
		Details:   details,
		Success:   true,
	}
}

// Failure builds a failed entry
func Failure(action string, category Category, accountID *string, details map[string]interface{}, errMsg string) *Entry {
	return &Entry{
		Action:       action,
		Category:     category,
		AccountID:    accountID,
		Details:      details,
		Success:      false,
		ErrorMessage: errMsg,
	}
}

// Account returns a pointer to id, or nil for an empty id
func Account(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// SearchFilter defines filters for querying audit entries
type SearchFilter struct {
	AccountID *string    `json:"account_id,omitempty"`
	Category  Category   `json:"category,omitempty"`
	Action    string     `json:"action,omitempty"`
	Success   *bool      `json:"success,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// DefaultSearchLimit caps unbounded searches
const DefaultSearchLimit = 100

// ScopedTo forces the filter onto accountID unless the reader is an
// administrator.
func (f SearchFilter) ScopedTo(accountID string, admin bool) SearchFilter {
	if !admin {
		f.AccountID = &accountID
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = DefaultSearchLimit
	}
	return f
}

// Matches reports whether an entry passes the filter (ignoring paging)
func (f SearchFilter) Matches(e *Entry) bool {
	if f.AccountID != nil && (e.AccountID == nil || *e.AccountID != *f.AccountID) {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !e.Timestamp.Before(*f.EndTime) {
		return false
	}
	return true
}
