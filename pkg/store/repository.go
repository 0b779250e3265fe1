package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Reader is the read side of the store. Every method returns copies; callers
// may mutate the result freely.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByCustomerID(ctx context.Context, customerID string) (*Account, error)

	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, accountID string) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*Subscription, error)

	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	GetUsageMetric(ctx context.Context, subscriptionID string, day time.Time) (*UsageMetric, error)
	ListUsageMetrics(ctx context.Context, subscriptionIDs []string, start, end time.Time) ([]*UsageMetric, error)

	GetWebhookEvent(ctx context.Context, providerEventID string) (*WebhookEvent, error)
	ListRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error)
}

// Tx is a unit of work. Reads through a Tx observe the Tx's own writes.
// Lock* methods hold the row until the Tx ends.
type Tx interface {
	Reader

	InsertAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error

	LockSubscription(ctx context.Context, id string) (*Subscription, error)
	InsertSubscription(ctx context.Context, sub *Subscription) error
	// UpdateSubscription writes everything except the usage counters,
	// which change only through IncrementDailyMessages and SetStorageUsed.
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	// IncrementDailyMessages resets the daily counter to n when its reset
	// date is before today, otherwise adds n. Returns the new value.
	IncrementDailyMessages(ctx context.Context, subscriptionID string, today time.Time, n int64) (int64, error)

	LockInstance(ctx context.Context, id string) (*Instance, error)
	InsertInstance(ctx context.Context, inst *Instance) error
	UpdateInstance(ctx context.Context, inst *Instance) error
	CountLiveInstances(ctx context.Context, subscriptionID string) (int, error)

	// IncrementUsage upserts the (subscription, day) row and applies delta.
	IncrementUsage(ctx context.Context, subscriptionID string, day time.Time, delta UsageDelta) (*UsageMetric, error)
	// SetStorageUsed records the storage level on the day's usage row and
	// on the subscription.
	SetStorageUsed(ctx context.Context, subscriptionID string, day time.Time, gb decimal.Decimal) error
	PurgeUsageMetrics(ctx context.Context, before time.Time) (int64, error)

	// InsertWebhookEvent returns false without error when the id already exists.
	InsertWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, error)
	LockWebhookEvent(ctx context.Context, providerEventID string) (*WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, event *WebhookEvent) error
}

// Repository is the transactional store used by every service
type Repository interface {
	Reader

	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise. fn must not call back into the Repository.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
