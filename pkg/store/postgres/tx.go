package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/hostplane/pkg/store"
)

// tx implements store.Tx on a *sql.Tx
type tx struct {
	queries
}

var _ store.Tx = (*tx)(nil)

func (t *tx) InsertAccount(ctx context.Context, a *store.Account) error {
	query := `INSERT INTO accounts (` + accountColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.q.ExecContext(ctx, query,
		a.ID, a.Email, a.StripeCustomerID, a.IsAdmin, a.Status, a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	return classify("insert account", err)
}

func (t *tx) UpdateAccount(ctx context.Context, a *store.Account) error {
	query := `
		UPDATE accounts
		SET email = $2, stripe_customer_id = $3, is_admin = $4, status = $5, updated_at = $6, deleted_at = $7
		WHERE id = $1
	`
	res, err := t.q.ExecContext(ctx, query,
		a.ID, a.Email, a.StripeCustomerID, a.IsAdmin, a.Status, a.UpdatedAt, a.DeletedAt)
	return mustAffect("update account "+a.ID, res, err)
}

func (t *tx) LockSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	return t.getSubscriptionWhere(ctx, "lock subscription "+id, `id = $1 FOR UPDATE`, id)
}

func (t *tx) InsertSubscription(ctx context.Context, s *store.Subscription) error {
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := t.q.ExecContext(ctx, query,
		s.ID, s.AccountID, s.Tier, s.Status,
		s.MaxAgents, s.MaxMessagesPerDay, s.MaxStorageGB, s.MaxPlatforms, s.MaxTeamMembers,
		s.Features, s.CurrentMessagesToday, s.CurrentStorageGB, store.Day(s.LastResetAt),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.StripeSubscriptionID, s.StripePriceID,
		s.CancelledAt, s.CreatedAt, s.UpdatedAt)
	return classify("insert subscription", err)
}

func (t *tx) UpdateSubscription(ctx context.Context, s *store.Subscription) error {
	query := `
		UPDATE subscriptions
		SET tier = $2, status = $3, max_agents = $4, max_messages_per_day = $5, max_storage_gb = $6,
		    max_platforms = $7, max_team_members = $8, features = $9, current_period_start = $10,
		    current_period_end = $11, stripe_subscription_id = $12, stripe_price_id = $13,
		    cancelled_at = $14, updated_at = $15
		WHERE id = $1
	`
	res, err := t.q.ExecContext(ctx, query,
		s.ID, s.Tier, s.Status, s.MaxAgents, s.MaxMessagesPerDay, s.MaxStorageGB,
		s.MaxPlatforms, s.MaxTeamMembers, s.Features, s.CurrentPeriodStart,
		s.CurrentPeriodEnd, s.StripeSubscriptionID, s.StripePriceID,
		s.CancelledAt, s.UpdatedAt)
	return mustAffect("update subscription "+s.ID, res, err)
}

func (t *tx) IncrementDailyMessages(ctx context.Context, subscriptionID string, today time.Time, n int64) (int64, error) {
	// Postgres evaluates every SET expression against the pre-update row.
	query := `
		UPDATE subscriptions
		SET current_messages_today = CASE WHEN last_reset_at < $2 THEN $3 ELSE current_messages_today + $3 END,
		    last_reset_at = GREATEST(last_reset_at, $2)
		WHERE id = $1
		RETURNING current_messages_today
	`
	var count int64
	if err := t.q.QueryRowContext(ctx, query, subscriptionID, store.Day(today), n).Scan(&count); err != nil {
		return 0, classify("increment daily messages for "+subscriptionID, err)
	}
	return count, nil
}

func (t *tx) LockInstance(ctx context.Context, id string) (*store.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1 FOR UPDATE`
	i, err := scanInstance(t.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("lock instance "+id, err)
	}
	return i, nil
}

func (t *tx) InsertInstance(ctx context.Context, i *store.Instance) error {
	query := `INSERT INTO instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := t.q.ExecContext(ctx, query,
		i.ID, i.SubscriptionID, i.AccountID, i.Subdomain, i.Status,
		i.MemoryLimitMB, i.CPUMillicores, i.DiskLimitGB, i.Config,
		i.HealthStatus, i.HealthDetails, i.LastHealthCheck, i.ErrorMessage, i.UptimePercent,
		i.ProvisionedAt, i.LastStartedAt, i.LastStoppedAt, i.DeprovisionedAt,
		i.CreatedAt, i.UpdatedAt)
	return classify("insert instance", err)
}

func (t *tx) UpdateInstance(ctx context.Context, i *store.Instance) error {
	query := `
		UPDATE instances
		SET subdomain = $2, status = $3, memory_limit_mb = $4, cpu_millicores = $5, disk_limit_gb = $6,
		    config = $7, health_status = $8, health_details = $9, last_health_check = $10,
		    error_message = $11, uptime_percent = $12, provisioned_at = $13, last_started_at = $14,
		    last_stopped_at = $15, deprovisioned_at = $16, updated_at = $17
		WHERE id = $1
	`
	res, err := t.q.ExecContext(ctx, query,
		i.ID, i.Subdomain, i.Status, i.MemoryLimitMB, i.CPUMillicores, i.DiskLimitGB,
		i.Config, i.HealthStatus, i.HealthDetails, i.LastHealthCheck,
		i.ErrorMessage, i.UptimePercent, i.ProvisionedAt, i.LastStartedAt,
		i.LastStoppedAt, i.DeprovisionedAt, i.UpdatedAt)
	return mustAffect("update instance "+i.ID, res, err)
}

func (t *tx) CountLiveInstances(ctx context.Context, subscriptionID string) (int, error) {
	query := `SELECT COUNT(*) FROM instances WHERE subscription_id = $1 AND status <> 'deprovisioned'`
	var n int
	if err := t.q.QueryRowContext(ctx, query, subscriptionID).Scan(&n); err != nil {
		return 0, classify("count instances", err)
	}
	return n, nil
}

func (t *tx) ensureUsageRow(ctx context.Context, subscriptionID string, now time.Time) error {
	query := `
		INSERT INTO usage_metrics (subscription_id, metric_date, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (subscription_id, metric_date) DO NOTHING
	`
	_, err := t.q.ExecContext(ctx, query, subscriptionID, store.Day(now), now)
	return classify("create usage row", err)
}

func (t *tx) IncrementUsage(ctx context.Context, subscriptionID string, now time.Time, delta store.UsageDelta) (*store.UsageMetric, error) {
	if err := t.ensureUsageRow(ctx, subscriptionID, now); err != nil {
		return nil, err
	}

	query := `SELECT ` + usageColumns + ` FROM usage_metrics
		WHERE subscription_id = $1 AND metric_date = $2 FOR UPDATE`
	m, err := scanUsage(t.q.QueryRowContext(ctx, query, subscriptionID, store.Day(now)))
	if err != nil {
		return nil, classify("lock usage row", err)
	}

	m.Apply(delta)
	m.UpdatedAt = now

	update := `
		UPDATE usage_metrics
		SET messages_sent = $3, messages_received = $4, agents_used = $5, tools_used = $6,
		    platforms_active = $7, error_count = $8, updated_at = $9
		WHERE subscription_id = $1 AND metric_date = $2
	`
	res, err := t.q.ExecContext(ctx, update,
		subscriptionID, m.Date, m.MessagesSent, m.MessagesReceived,
		m.AgentsUsed, m.ToolsUsed, m.PlatformsActive, m.ErrorCount, now)
	if err := mustAffect("update usage row", res, err); err != nil {
		return nil, err
	}
	return m, nil
}

func (t *tx) SetStorageUsed(ctx context.Context, subscriptionID string, now time.Time, gb decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE subscriptions SET current_storage_gb = $2 WHERE id = $1`, subscriptionID, gb)
	if err := mustAffect("set subscription storage", res, err); err != nil {
		return err
	}

	query := `
		INSERT INTO usage_metrics (subscription_id, metric_date, storage_used_gb, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (subscription_id, metric_date)
		DO UPDATE SET storage_used_gb = EXCLUDED.storage_used_gb, updated_at = EXCLUDED.updated_at
	`
	_, err = t.q.ExecContext(ctx, query, subscriptionID, store.Day(now), gb, now)
	return classify("set usage storage", err)
}

func (t *tx) PurgeUsageMetrics(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM usage_metrics WHERE metric_date < $1`, store.Day(before))
	if err != nil {
		return 0, classify("purge usage metrics", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged rows: %w", err)
	}
	return n, nil
}

func (t *tx) InsertWebhookEvent(ctx context.Context, e *store.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider_event_id, event_type, payload, attempts, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING
	`
	res, err := t.q.ExecContext(ctx, query, e.ProviderEventID, e.EventType, []byte(e.Payload), e.Attempts, e.ReceivedAt)
	if err != nil {
		return false, classify("insert webhook event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

func (t *tx) LockWebhookEvent(ctx context.Context, providerEventID string) (*store.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE provider_event_id = $1 FOR UPDATE`
	e, err := scanWebhookEvent(t.q.QueryRowContext(ctx, query, providerEventID))
	if err != nil {
		return nil, classify("lock webhook event "+providerEventID, err)
	}
	return e, nil
}

func (t *tx) UpdateWebhookEvent(ctx context.Context, e *store.WebhookEvent) error {
	query := `
		UPDATE webhook_events
		SET attempts = $2, processed_at = $3, error = $4, next_retry_at = $5, quarantined_at = $6
		WHERE provider_event_id = $1
	`
	res, err := t.q.ExecContext(ctx, query,
		e.ProviderEventID, e.Attempts, e.ProcessedAt, e.Error, e.NextRetryAt, e.QuarantinedAt)
	return mustAffect("update webhook event "+e.ProviderEventID, res, err)
}
