// Package config loads control plane configuration from environment variables.
//
// # Overview
//
// Every setting has a default so that a bare `hostplane` starts against the
// in-memory store. LoadConfig reads the environment and runs Validate.
//
// # Configuration Structure
//
// Server settings:
//
//	HOSTPLANE_HOST="0.0.0.0"
//	HOSTPLANE_PORT="8080"
//	HOSTPLANE_HEALTH_PORT="9090"
//	HOSTPLANE_READ_TIMEOUT="15s"
//
// Storage settings:
//
//	HOSTPLANE_STORAGE_TYPE="postgres"  # memory, postgres
//	HOSTPLANE_POSTGRES_URL="postgres://localhost/hostplane?sslmode=disable"
//	HOSTPLANE_POSTGRES_MAX_CONNS="20"
//	HOSTPLANE_TIER_FILE="/etc/hostplane/tiers.yaml"
//	HOSTPLANE_REDIS_URL="redis://localhost:6379/0"
//
// Billing settings:
//
//	HOSTPLANE_WEBHOOK_SECRET="whsec_..."
//	HOSTPLANE_PRICE_TIERS="price_123=starter,price_456=professional"
//	HOSTPLANE_WEBHOOK_MAX_ATTEMPTS="5"
//	HOSTPLANE_WEBHOOK_WORKERS="4"
//
// Retention and sweeps:
//
//	HOSTPLANE_USAGE_RETENTION_DAYS="365"
//	HOSTPLANE_AUDIT_RETENTION_DAYS="730"
//	HOSTPLANE_AUDIT_S3_BUCKET="hostplane-audit"
//	HOSTPLANE_AUTO_PAUSE_AFTER="168h"
//	HOSTPLANE_SWEEP_AUTO_PAUSE="@every 1h"
//	HOSTPLANE_SWEEP_LOCK_TTL="10m"
//
// Observability settings:
//
//	HOSTPLANE_LOG_LEVEL="info"  # debug, info, warn, error
//	HOSTPLANE_LOG_JSON="true"
//	HOSTPLANE_METRICS_ENABLED="true"
//	HOSTPLANE_OTEL_ENABLED="true"
//	HOSTPLANE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/store/postgres: Uses storage configuration
//   - pkg/sweeper: Uses sweeper schedules
//   - pkg/observability: Uses observability configuration
package config
