package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/store"
)

var (
	now   = time.Date(2026, 4, 9, 12, 30, 0, 0, time.UTC)
	today = store.Day(now)
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

var subscriptionCols = []string{
	"id", "account_id", "tier", "status", "max_agents", "max_messages_per_day", "max_storage_gb",
	"max_platforms", "max_team_members", "features", "current_messages_today", "current_storage_gb",
	"last_reset_at", "current_period_start", "current_period_end", "stripe_subscription_id",
	"stripe_price_id", "cancelled_at", "created_at", "updated_at",
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows(subscriptionCols).AddRow(
		"sub-1", "acct-1", "starter", "active", 3, 1000, 5,
		3, 3, []byte(`{"api_access":true}`), 42, "1.250",
		today, nil, nil, "sub_ext_1",
		"price_starter", nil, now, now,
	)
}

var instanceCols = []string{
	"id", "subscription_id", "account_id", "subdomain", "status", "memory_limit_mb", "cpu_millicores",
	"disk_limit_gb", "config", "health_status", "health_details", "last_health_check", "error_message",
	"uptime_percent", "provisioned_at", "last_started_at", "last_stopped_at", "deprovisioned_at",
	"created_at", "updated_at",
}

func TestGetSubscription(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE id = \\$1").
			WithArgs("sub-1").
			WillReturnRows(subscriptionRows())

		sub, err := s.GetSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, store.TierStarter, sub.Tier)
		assert.Equal(t, store.SubscriptionActive, sub.Status)
		assert.Equal(t, 1000, sub.MaxMessagesPerDay)
		assert.True(t, sub.Features.Enabled("api_access"))
		assert.Equal(t, "1.25", sub.CurrentStorageGB.String())
		require.NotNil(t, sub.StripeSubscriptionID)
		assert.Equal(t, "sub_ext_1", *sub.StripeSubscriptionID)
		assert.Nil(t, sub.CancelledAt)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE id = \\$1").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(subscriptionCols))

		_, err := s.GetSubscription(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementDailyMessages(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE subscriptions")).
		WithArgs("sub-1", today, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"current_messages_today"}).AddRow(100))
	mock.ExpectCommit()

	var count int64
	err := s.WithTx(ctx, func(tx store.Tx) (err error) {
		count, err = tx.IncrementDailyMessages(ctx, "sub-1", now, 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx store.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSubscription_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO subscriptions")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertSubscription(ctx, &store.Subscription{ID: "sub-2", AccountID: "acct-1", Status: store.SubscriptionActive})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWebhookEvent(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	event := &store.WebhookEvent{ProviderEventID: "evt_1", EventType: "customer.created", Payload: []byte(`{}`), ReceivedAt: now}

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"new event", 1, true},
		{"duplicate event", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events")).
				WithArgs("evt_1", "customer.created", []byte(`{}`), 0, now).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()

			var inserted bool
			err := s.WithTx(ctx, func(tx store.Tx) (err error) {
				inserted, err = tx.InsertWebhookEvent(ctx, event)
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, inserted)
		})
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	usageCols := []string{
		"subscription_id", "metric_date", "messages_sent", "messages_received", "agents_used",
		"tools_used", "platforms_active", "storage_used_gb", "error_count", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_metrics")).
		WithArgs("sub-1", today, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM usage_metrics (.+) FOR UPDATE").
		WithArgs("sub-1", today).
		WillReturnRows(sqlmock.NewRows(usageCols).AddRow(
			"sub-1", today, 4, 2, []byte(`{"router":4}`), []byte(`{}`), []byte(`{"slack":6}`), "0", 0, now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE usage_metrics")).
		WithArgs("sub-1", today, int64(5), int64(2), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var m *store.UsageMetric
	err := s.WithTx(ctx, func(tx store.Tx) (err error) {
		m, err = tx.IncrementUsage(ctx, "sub-1", now, store.UsageDelta{Sent: 1, Agent: "router", Tool: "search", Platform: "slack"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.MessagesSent)
	assert.Equal(t, int64(5), m.AgentsUsed["router"])
	assert.Equal(t, int64(1), m.ToolsUsed["search"])
	assert.Equal(t, int64(7), m.PlatformsActive["slack"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListInstances_Filter(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM instances i JOIN subscriptions s ON s.id = i.subscription_id WHERE i.status = ANY($1) AND s.tier = $2")).
		WithArgs(sqlmock.AnyArg(), "free").
		WillReturnRows(sqlmock.NewRows(instanceCols).AddRow(
			"inst-1", "sub-1", "acct-1", "alpha", "running", 512, 500,
			5, []byte(`{}`), "healthy", []byte(`{}`), now, "",
			99.5, now, now, nil, nil,
			now, now,
		))

	out, err := s.ListInstances(ctx, store.InstanceFilter{
		Statuses: []store.InstanceStatus{store.InstanceRunning},
		Tier:     store.TierFree,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, store.InstanceRunning, out[0].Status)
	assert.Equal(t, 512, out[0].MemoryLimitMB)
	assert.Nil(t, out[0].LastStoppedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateInstance_Missing(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE instances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateInstance(ctx, &store.Instance{ID: "inst-x"})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pq.Error{Code: "23505"}, store.ErrConflict},
		{"foreign key violation", &pq.Error{Code: "23503"}, store.ErrNotFound},
		{"serialization failure", &pq.Error{Code: "40001"}, store.ErrTransient},
		{"connection failure", &pq.Error{Code: "08006"}, store.ErrTransient},
		{"bad conn", driver.ErrBadConn, store.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tt.err), tt.want)
		})
	}

	assert.NoError(t, classify("op", nil))
	plain := classify("op", errors.New("syntax error"))
	assert.False(t, store.IsTransient(plain))
	assert.False(t, store.IsConflict(plain))
}
