package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/controlplane"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/middleware"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/store/memory"
	"github.com/platinummonkey/hostplane/pkg/tenants"
)

const testSecret = "whsec_test"

type fixture struct {
	server *Server
	cp     *controlplane.Service
	repo   *memory.Store
	audit  *audit.MemoryStore
	clock  *quartz.Mock

	accountA, accountB string
	subA, subB         string
	instA              string
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()
	repo := memory.New()
	auditStore := audit.NewMemoryStore()

	cp := controlplane.Assemble(controlplane.Options{
		Repository: repo,
		AuditStore: auditStore,
		Clock:      clock,
		Logger:     logger,
	})

	cfg := Config{
		ControlPlane:       cp,
		Webhooks:           cp.Billing(),
		WebhookSecret:      testSecret,
		SignatureTolerance: 5 * time.Minute,
		Clock:              clock,
		Logger:             logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		server: NewServer(cfg),
		cp:     cp,
		repo:   repo,
		audit:  auditStore,
		clock:  clock,
	}

	ctx := auth.WithCaller(context.Background(), auth.System)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		account, err := cp.CreateAccount(ctx, tenants.CreateAccountRequest{Email: email})
		require.NoError(t, err)
		sub, err := cp.CreateSubscription(ctx, account.ID, store.TierStarter)
		require.NoError(t, err)
		if f.accountA == "" {
			f.accountA, f.subA = account.ID, sub.ID
		} else {
			f.accountB, f.subB = account.ID, sub.ID
		}
	}
	inst, err := cp.Provision(ctx, f.subA, instances.ProvisionRequest{Subdomain: "alpha"})
	require.NoError(t, err)
	f.instA = inst.ID
	return f
}

var (
	systemCaller = auth.System
	adminCaller  = &auth.Caller{AccountID: "acct-ops", Role: auth.RoleAdmin}
)

func (f *fixture) tenantA() *auth.Caller {
	return &auth.Caller{AccountID: f.accountA, Role: auth.RoleTenant}
}

func (f *fixture) tenantB() *auth.Caller {
	return &auth.Caller{AccountID: f.accountB, Role: auth.RoleTenant}
}

// do sends a request with the caller's identity headers
func (f *fixture) do(t *testing.T, method, path string, body interface{}, caller *auth.Caller) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != nil {
		req.Header.Set(middleware.RoleHeader, string(caller.Role))
		req.Header.Set(middleware.AccountIDHeader, caller.AccountID)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest), w.Body.String())
}

func TestServer_RequiresIdentity(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/instances/"+f.instA, nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/v1/instances/"+f.instA, nil, &auth.Caller{Role: auth.RoleTenant})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_RequestIDOnErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/instances/inst-missing", nil, systemCaller)
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	decodeBody(t, w, &body)
	require.NotEmpty(t, body.RequestID)
	require.Equal(t, w.Header().Get("X-Request-ID"), body.RequestID)
}

func TestServer_RateLimitsTenants(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Limiter = middleware.NewLocalLimiter(middleware.RateLimitConfig{
			RequestsPerWindow: 1,
			WindowDuration:    time.Minute,
		}, cfg.Clock)
	})

	path := "/v1/instances/" + f.instA
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, nil, f.tenantA()).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, path, nil, f.tenantA()).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, nil, systemCaller).Code)
}
