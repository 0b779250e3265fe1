package postgres

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL DEFAULT '',
	stripe_customer_id TEXT UNIQUE,
	is_admin           BOOLEAN NOT NULL DEFAULT FALSE,
	status             TEXT NOT NULL DEFAULT 'active',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	deleted_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                     TEXT PRIMARY KEY,
	account_id             TEXT NOT NULL REFERENCES accounts(id),
	tier                   TEXT NOT NULL,
	status                 TEXT NOT NULL,
	max_agents             INTEGER NOT NULL,
	max_messages_per_day   INTEGER NOT NULL,
	max_storage_gb         INTEGER NOT NULL,
	max_platforms          INTEGER NOT NULL,
	max_team_members       INTEGER NOT NULL,
	features               JSONB NOT NULL DEFAULT '{}',
	current_messages_today BIGINT NOT NULL DEFAULT 0,
	current_storage_gb     NUMERIC(12, 3) NOT NULL DEFAULT 0,
	last_reset_at          DATE NOT NULL DEFAULT '1970-01-01',
	current_period_start   TIMESTAMPTZ,
	current_period_end     TIMESTAMPTZ,
	stripe_subscription_id TEXT UNIQUE,
	stripe_price_id        TEXT NOT NULL DEFAULT '',
	cancelled_at           TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_active_per_account
	ON subscriptions (account_id) WHERE status <> 'cancelled';

CREATE TABLE IF NOT EXISTS instances (
	id                TEXT PRIMARY KEY,
	subscription_id   TEXT NOT NULL REFERENCES subscriptions(id),
	account_id        TEXT NOT NULL REFERENCES accounts(id),
	subdomain         TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL,
	memory_limit_mb   INTEGER NOT NULL,
	cpu_millicores    INTEGER NOT NULL,
	disk_limit_gb     INTEGER NOT NULL,
	config            JSONB NOT NULL DEFAULT '{}',
	health_status     TEXT NOT NULL DEFAULT 'unknown',
	health_details    JSONB NOT NULL DEFAULT '{}',
	last_health_check TIMESTAMPTZ,
	error_message     TEXT NOT NULL DEFAULT '',
	uptime_percent    DOUBLE PRECISION NOT NULL DEFAULT 0,
	provisioned_at    TIMESTAMPTZ,
	last_started_at   TIMESTAMPTZ,
	last_stopped_at   TIMESTAMPTZ,
	deprovisioned_at  TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS instances_subscription_status ON instances (subscription_id, status);
CREATE INDEX IF NOT EXISTS instances_account ON instances (account_id);

CREATE TABLE IF NOT EXISTS usage_metrics (
	subscription_id   TEXT NOT NULL REFERENCES subscriptions(id),
	metric_date       DATE NOT NULL,
	messages_sent     BIGINT NOT NULL DEFAULT 0,
	messages_received BIGINT NOT NULL DEFAULT 0,
	agents_used       JSONB NOT NULL DEFAULT '{}',
	tools_used        JSONB NOT NULL DEFAULT '{}',
	platforms_active  JSONB NOT NULL DEFAULT '{}',
	storage_used_gb   NUMERIC(12, 3) NOT NULL DEFAULT 0,
	error_count       BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subscription_id, metric_date)
);

CREATE INDEX IF NOT EXISTS usage_metrics_date ON usage_metrics (metric_date);

CREATE TABLE IF NOT EXISTS webhook_events (
	provider_event_id TEXT PRIMARY KEY,
	event_type        TEXT NOT NULL,
	payload           JSONB NOT NULL,
	attempts          INTEGER NOT NULL DEFAULT 0,
	processed_at      TIMESTAMPTZ,
	error             TEXT,
	next_retry_at     TIMESTAMPTZ,
	quarantined_at    TIMESTAMPTZ,
	received_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS webhook_events_pending
	ON webhook_events (next_retry_at) WHERE processed_at IS NULL AND quarantined_at IS NULL;
`
