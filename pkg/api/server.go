package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/async"
	"github.com/platinummonkey/hostplane/pkg/controlplane"
	"github.com/platinummonkey/hostplane/pkg/httputil"
	"github.com/platinummonkey/hostplane/pkg/middleware"
	"github.com/platinummonkey/hostplane/pkg/observability"
)

// WebhookIntake records provider events and applies them later
type WebhookIntake interface {
	Accept(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) (bool, error)
	Process(ctx context.Context, providerEventID string) error
}

// Config wires a Server
type Config struct {
	ControlPlane controlplane.ControlPlane
	Webhooks     WebhookIntake

	// Pool applies accepted webhooks. Without one they are applied inline.
	Pool *async.WorkerPool

	WebhookSecret      string
	SignatureTolerance time.Duration
	// AllowUnsigned skips signature checks. Local development only.
	AllowUnsigned bool

	// Limiter throttles tenant callers. Nil disables rate limiting.
	Limiter      middleware.Limiter
	MaxBodyBytes int64

	Clock   quartz.Clock
	Metrics *observability.Metrics
	Logger  *logrus.Logger
}

// Server represents our API server
type Server struct {
	cp       controlplane.ControlPlane
	webhooks WebhookIntake
	pool     *async.WorkerPool

	webhookSecret      string
	signatureTolerance time.Duration
	allowUnsigned      bool

	limiter      middleware.Limiter
	maxBodyBytes int64

	router   *mux.Router
	validate *validator.Validate
	clock    quartz.Clock
	metrics  *observability.Metrics
	logger   *logrus.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		cp:                 cfg.ControlPlane,
		webhooks:           cfg.Webhooks,
		pool:               cfg.Pool,
		webhookSecret:      cfg.WebhookSecret,
		signatureTolerance: cfg.SignatureTolerance,
		allowUnsigned:      cfg.AllowUnsigned,
		limiter:            cfg.Limiter,
		maxBodyBytes:       cfg.MaxBodyBytes,
		router:             mux.NewRouter(),
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		clock:              cfg.Clock,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(s.metrics),
		httputil.MaxBytesMiddleware(s.maxBodyBytes),
	)

	// Billing provider, authenticated by signature
	s.router.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.NewIdentityMiddleware(false).Handler)
	if s.limiter != nil {
		v1.Use(middleware.RateLimit(s.limiter, s.logger))
	}
	v1.Use(httputil.ContentTypeMiddleware)

	// Usage
	v1.HandleFunc("/usage", s.recordUsage).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id}/storage", s.recordStorage).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id}/errors", s.recordError).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id}/limits", s.checkUsageLimits).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/billing-metrics", s.getBillingMetrics).Methods(http.MethodGet)

	// Instances
	v1.HandleFunc("/instances/{id}", s.getInstance).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{id}/transition", s.transitionInstance).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id}/health", s.updateHealth).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{id}/instances", s.provisionInstance).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{id}/instances", s.listInstances).Methods(http.MethodGet)

	// Subscriptions
	v1.HandleFunc("/subscriptions/{id}", s.getSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}/status", s.updateSubscriptionStatus).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{id}/tier", s.changeTier).Methods(http.MethodPost)

	// Accounts
	v1.HandleFunc("/accounts", s.createAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", s.getAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}", s.deleteAccount).Methods(http.MethodDelete)
	v1.HandleFunc("/accounts/{id}/suspend", s.suspendAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/reactivate", s.reactivateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/subscriptions", s.createSubscription).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/subscription", s.getActiveSubscription).Methods(http.MethodGet)

	// Audit
	v1.HandleFunc("/audit", s.searchAudit).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// decode parses and validates a JSON body. Failures are written as 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := httputil.ParseJSON(r, dest); err != nil {
		httputil.WriteRequestError(w, r, http.StatusBadRequest, err)
		return false
	}
	if err := s.validate.Struct(dest); err != nil {
		httputil.WriteRequestError(w, r, http.StatusBadRequest, err)
		return false
	}
	return true
}

// respond writes v as JSON or maps err
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, status, v, "failed to encode response")
}
