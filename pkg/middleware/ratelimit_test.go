package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/auth"
)

func testLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
}

func TestLocalLimiter_Allow(t *testing.T) {
	clock := quartz.NewMock(t)
	config := testLimitConfig()
	limiter := NewLocalLimiter(config, clock)
	ctx := context.Background()

	// Should allow initial requests up to limit + burst
	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		d, err := limiter.Allow(ctx, "account:a")
		require.NoError(t, err)
		if d.Allowed {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	d, _ := limiter.Allow(ctx, "account:a")
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.RetryAfter)

	// Other keys have their own bucket
	d, _ = limiter.Allow(ctx, "account:b")
	assert.True(t, d.Allowed)

	// After waiting, tokens should refill
	clock.Advance(time.Second)
	d, _ = limiter.Allow(ctx, "account:a")
	if !d.Allowed {
		t.Error("Should allow request after refill")
	}
	assert.Equal(t, config.RequestsPerWindow-1, d.Remaining)
}

func TestLocalLimiter_Remaining(t *testing.T) {
	limiter := NewLocalLimiter(testLimitConfig(), quartz.NewMock(t))

	d, err := limiter.Allow(context.Background(), "account:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 11, d.Remaining)
	assert.Equal(t, 10, d.Limit)
}

func TestRedisLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, testLimitConfig(), "")
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		d, err := limiter.Allow(ctx, "account:a")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := limiter.Allow(ctx, "account:a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.True(t, mr.Exists("hostplane:ratelimit:account:a"))

	// Window expiry resets the counter
	mr.FastForward(time.Second)
	d, err = limiter.Allow(ctx, "account:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, limiter.Reset(ctx, "account:a"))
	assert.False(t, mr.Exists("hostplane:ratelimit:account:a"))
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	d, err := NewRedisLimiter(client, testLimitConfig(), "").Allow(context.Background(), "account:a")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, assert.AnError
}

func TestRateLimitMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	config := testLimitConfig()
	config.RequestsPerWindow = 1
	config.BurstSize = 0
	limiter := NewLocalLimiter(config, quartz.NewMock(t))

	h := RateLimit(limiter, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(caller *auth.Caller) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/instances/inst-1", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if caller != nil {
			req = req.WithContext(auth.WithCaller(req.Context(), caller))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	tenant := &auth.Caller{AccountID: "acct-1", Role: auth.RoleTenant}
	assert.Equal(t, http.StatusOK, serve(tenant).Code)

	w := serve(tenant)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// Admins are never throttled
	admin := &auth.Caller{Role: auth.RoleAdmin}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(admin).Code)
	}

	// Anonymous callers are keyed by address
	assert.Equal(t, http.StatusOK, serve(nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(nil).Code)

	// Limiter errors fail open
	h = RateLimit(errLimiter{}, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	assert.Equal(t, http.StatusOK, serve(tenant).Code)
	if assert.NotNil(t, hook.LastEntry()) {
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	}
}
