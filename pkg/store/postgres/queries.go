package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/hostplane/pkg/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	accountColumns = `id, email, stripe_customer_id, is_admin, status, created_at, updated_at, deleted_at`

	subscriptionColumns = `id, account_id, tier, status, max_agents, max_messages_per_day, max_storage_gb,
		max_platforms, max_team_members, features, current_messages_today, current_storage_gb, last_reset_at,
		current_period_start, current_period_end, stripe_subscription_id, stripe_price_id, cancelled_at,
		created_at, updated_at`

	instanceColumns = `id, subscription_id, account_id, subdomain, status, memory_limit_mb, cpu_millicores,
		disk_limit_gb, config, health_status, health_details, last_health_check, error_message, uptime_percent,
		provisioned_at, last_started_at, last_stopped_at, deprovisioned_at, created_at, updated_at`

	usageColumns = `subscription_id, metric_date, messages_sent, messages_received, agents_used, tools_used,
		platforms_active, storage_used_gb, error_count, created_at, updated_at`

	webhookColumns = `provider_event_id, event_type, payload, attempts, processed_at, error, next_retry_at,
		quarantined_at, received_at`
)

// queries implements store.Reader over any querier
type queries struct {
	q querier
}

func scanAccount(row scanner) (*store.Account, error) {
	var a store.Account
	err := row.Scan(&a.ID, &a.Email, &a.StripeCustomerID, &a.IsAdmin, &a.Status,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSubscription(row scanner) (*store.Subscription, error) {
	var s store.Subscription
	err := row.Scan(&s.ID, &s.AccountID, &s.Tier, &s.Status,
		&s.MaxAgents, &s.MaxMessagesPerDay, &s.MaxStorageGB, &s.MaxPlatforms, &s.MaxTeamMembers,
		&s.Features, &s.CurrentMessagesToday, &s.CurrentStorageGB, &s.LastResetAt,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.StripeSubscriptionID, &s.StripePriceID,
		&s.CancelledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LastResetAt = store.Day(s.LastResetAt)
	return &s, nil
}

func scanInstance(row scanner) (*store.Instance, error) {
	var i store.Instance
	err := row.Scan(&i.ID, &i.SubscriptionID, &i.AccountID, &i.Subdomain, &i.Status,
		&i.MemoryLimitMB, &i.CPUMillicores, &i.DiskLimitGB, &i.Config,
		&i.HealthStatus, &i.HealthDetails, &i.LastHealthCheck, &i.ErrorMessage, &i.UptimePercent,
		&i.ProvisionedAt, &i.LastStartedAt, &i.LastStoppedAt, &i.DeprovisionedAt,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func scanUsage(row scanner) (*store.UsageMetric, error) {
	var m store.UsageMetric
	err := row.Scan(&m.SubscriptionID, &m.Date, &m.MessagesSent, &m.MessagesReceived,
		&m.AgentsUsed, &m.ToolsUsed, &m.PlatformsActive, &m.StorageUsedGB, &m.ErrorCount,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Date = store.Day(m.Date)
	return &m, nil
}

func scanWebhookEvent(row scanner) (*store.WebhookEvent, error) {
	var e store.WebhookEvent
	var payload []byte
	err := row.Scan(&e.ProviderEventID, &e.EventType, &payload, &e.Attempts, &e.ProcessedAt,
		&e.Error, &e.NextRetryAt, &e.QuarantinedAt, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func (r queries) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get account "+id, err)
	}
	return a, nil
}

func (r queries) GetAccountByCustomerID(ctx context.Context, customerID string) (*store.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE stripe_customer_id = $1`
	a, err := scanAccount(r.q.QueryRowContext(ctx, query, customerID))
	if err != nil {
		return nil, classify("get account by customer "+customerID, err)
	}
	return a, nil
}

func (r queries) getSubscriptionWhere(ctx context.Context, op, where string, args ...any) (*store.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where
	s, err := scanSubscription(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, classify(op, err)
	}
	return s, nil
}

func (r queries) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	return r.getSubscriptionWhere(ctx, "get subscription "+id, `id = $1`, id)
}

func (r queries) GetActiveSubscription(ctx context.Context, accountID string) (*store.Subscription, error) {
	return r.getSubscriptionWhere(ctx, "get active subscription for account "+accountID,
		`account_id = $1 AND status <> 'cancelled'`, accountID)
}

func (r queries) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*store.Subscription, error) {
	return r.getSubscriptionWhere(ctx, "get subscription "+externalID, `stripe_subscription_id = $1`, externalID)
}

func (r queries) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*store.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE account_id = $1 ORDER BY created_at`
	rows, err := r.q.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, classify("list subscriptions", err)
	}
	defer rows.Close()

	var out []*store.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, classify("list subscriptions", rows.Err())
}

func (r queries) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`
	i, err := scanInstance(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get instance "+id, err)
	}
	return i, nil
}

func (r queries) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.AccountID != "" {
		add("i.account_id = $%d", filter.AccountID)
	}
	if filter.SubscriptionID != "" {
		add("i.subscription_id = $%d", filter.SubscriptionID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for n, s := range filter.Statuses {
			statuses[n] = string(s)
		}
		add("i.status = ANY($%d)", pq.Array(statuses))
	}
	if filter.Tier != "" {
		add("s.tier = $%d", string(filter.Tier))
	}

	query := `SELECT ` + qualify("i", instanceColumns) + ` FROM instances i JOIN subscriptions s ON s.id = i.subscription_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY i.created_at, i.id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list instances", err)
	}
	defer rows.Close()

	var out []*store.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, i)
	}
	return out, classify("list instances", rows.Err())
}

// qualify prefixes every column in a column list with a table alias
func qualify(alias, columns string) string {
	names := strings.Fields(strings.ReplaceAll(columns, ",", " "))
	for n := range names {
		names[n] = alias + "." + names[n]
	}
	return strings.Join(names, ", ")
}

func (r queries) GetUsageMetric(ctx context.Context, subscriptionID string, day time.Time) (*store.UsageMetric, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_metrics WHERE subscription_id = $1 AND metric_date = $2`
	m, err := scanUsage(r.q.QueryRowContext(ctx, query, subscriptionID, store.Day(day)))
	if err != nil {
		return nil, classify("get usage metric", err)
	}
	return m, nil
}

func (r queries) ListUsageMetrics(ctx context.Context, subscriptionIDs []string, start, end time.Time) ([]*store.UsageMetric, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_metrics
		WHERE subscription_id = ANY($1) AND metric_date BETWEEN $2 AND $3
		ORDER BY metric_date, subscription_id`
	rows, err := r.q.QueryContext(ctx, query, pq.Array(subscriptionIDs), store.Day(start), store.Day(end))
	if err != nil {
		return nil, classify("list usage metrics", err)
	}
	defer rows.Close()

	var out []*store.UsageMetric
	for rows.Next() {
		m, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage metric: %w", err)
		}
		out = append(out, m)
	}
	return out, classify("list usage metrics", rows.Err())
}

func (r queries) GetWebhookEvent(ctx context.Context, providerEventID string) (*store.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE provider_event_id = $1`
	e, err := scanWebhookEvent(r.q.QueryRowContext(ctx, query, providerEventID))
	if err != nil {
		return nil, classify("get webhook event "+providerEventID, err)
	}
	return e, nil
}

func (r queries) ListRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]*store.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events
		WHERE processed_at IS NULL AND quarantined_at IS NULL
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY received_at
		LIMIT $2`
	rows, err := r.q.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, classify("list retryable webhook events", err)
	}
	defer rows.Close()

	var out []*store.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		out = append(out, e)
	}
	return out, classify("list retryable webhook events", rows.Err())
}
