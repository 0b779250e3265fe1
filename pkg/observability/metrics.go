package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Usage metering
	UsageRecordedTotal *prometheus.CounterVec
	UsageBreachesTotal *prometheus.CounterVec

	// Instance lifecycle
	InstanceTransitionsTotal  *prometheus.CounterVec
	InstancesProvisionedTotal *prometheus.CounterVec
	QuotaRejectionsTotal      *prometheus.CounterVec
	TierChangesTotal          *prometheus.CounterVec

	// Webhooks
	WebhookEventsTotal        *prometheus.CounterVec
	WebhookProcessingDuration *prometheus.HistogramVec

	// Audit
	AuditWriteFailuresTotal prometheus.Counter

	// Sweeps
	SweepRunsTotal     *prometheus.CounterVec
	SweepDuration      *prometheus.HistogramVec
	SweepAffectedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostplane_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		UsageRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_usage_recorded_total",
				Help: "Usage events recorded by kind",
			},
			[]string{"kind"},
		),
		UsageBreachesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_usage_breaches_total",
				Help: "Usage events that met or exceeded the daily limit",
			},
			[]string{"tier"},
		),
		InstanceTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_instance_transitions_total",
				Help: "Instance lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		InstancesProvisionedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_instances_provisioned_total",
				Help: "Instances provisioned by tier",
			},
			[]string{"tier"},
		),
		QuotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_quota_rejections_total",
				Help: "Operations rejected for exceeding a quota",
			},
			[]string{"resource"},
		),
		TierChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_tier_changes_total",
				Help: "Subscription tier changes",
			},
			[]string{"from", "to"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_webhook_events_total",
				Help: "Webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostplane_webhook_processing_duration_seconds",
				Help:    "Time spent applying a webhook event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hostplane_audit_write_failures_total",
				Help: "Audit entries that could not be written",
			},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_sweep_runs_total",
				Help: "Periodic sweep runs by job and status",
			},
			[]string{"job", "status"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostplane_sweep_duration_seconds",
				Help:    "Periodic sweep duration",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
		SweepAffectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostplane_sweep_affected_total",
				Help: "Rows or instances changed by periodic sweeps",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UsageRecordedTotal,
		m.UsageBreachesTotal,
		m.InstanceTransitionsTotal,
		m.InstancesProvisionedTotal,
		m.QuotaRejectionsTotal,
		m.TierChangesTotal,
		m.WebhookEventsTotal,
		m.WebhookProcessingDuration,
		m.AuditWriteFailuresTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepAffectedTotal,
	)

	return m
}

func (m *Metrics) UsageRecorded(kind string) {
	if m != nil {
		m.UsageRecordedTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) UsageBreach(tier string) {
	if m != nil {
		m.UsageBreachesTotal.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) InstanceTransition(from, to string) {
	if m != nil {
		m.InstanceTransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) InstanceProvisioned(tier string) {
	if m != nil {
		m.InstancesProvisionedTotal.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) QuotaRejected(resource string) {
	if m != nil {
		m.QuotaRejectionsTotal.WithLabelValues(resource).Inc()
	}
}

func (m *Metrics) TierChanged(from, to string) {
	if m != nil {
		m.TierChangesTotal.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) WebhookEvent(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	if elapsed > 0 {
		m.WebhookProcessingDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) AuditWriteFailed() {
	if m != nil {
		m.AuditWriteFailuresTotal.Inc()
	}
}

func (m *Metrics) SweepRun(job string, elapsed time.Duration, affected int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SweepRunsTotal.WithLabelValues(job, status).Inc()
	m.SweepDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	m.SweepAffectedTotal.WithLabelValues(job).Add(float64(affected))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelled by mux route template
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(sm *http.ServeMux, gatherer prometheus.Gatherer) {
	sm.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
