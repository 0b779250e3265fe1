package api

import (
	"github.com/shopspring/decimal"

	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/usage"
)

// RecordUsageRequest is the body of POST /v1/usage
type RecordUsageRequest struct {
	InstanceID string `json:"instance_id" validate:"required"`
	usage.Event
}

// RecordStorageRequest is the body of POST /v1/instances/{id}/storage
type RecordStorageRequest struct {
	GB decimal.Decimal `json:"gb"`
}

// TransitionRequest is the body of POST /v1/instances/{id}/transition
type TransitionRequest struct {
	Status store.InstanceStatus `json:"status" validate:"required,oneof=provisioning running stopped error restarting deprovisioning deprovisioned"`
}

// HealthRequest is the body of POST /v1/instances/{id}/health
type HealthRequest struct {
	Status       store.HealthStatus `json:"status" validate:"required,oneof=unknown healthy degraded critical failed rate_limited"`
	Details      store.JSONMap      `json:"details,omitempty"`
	ErrorMessage *string            `json:"error_message,omitempty"`
}

// CreateSubscriptionRequest is the body of POST /v1/accounts/{id}/subscriptions
type CreateSubscriptionRequest struct {
	Tier store.Tier `json:"tier" validate:"required,oneof=free starter professional enterprise"`
}

// SubscriptionStatusRequest is the body of POST /v1/subscriptions/{id}/status
type SubscriptionStatusRequest struct {
	Status store.SubscriptionStatus `json:"status" validate:"required,oneof=trialing active past_due paused cancelled"`
}

// ChangeTierRequest is the body of POST /v1/subscriptions/{id}/tier
type ChangeTierRequest struct {
	Tier store.Tier `json:"tier" validate:"required,oneof=free starter professional enterprise"`
}

// InstanceResponse is an instance with its uptime computed at read time
type InstanceResponse struct {
	*store.Instance
	ComputedUptimePercent float64 `json:"computed_uptime_percent"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"event_id"`
}
