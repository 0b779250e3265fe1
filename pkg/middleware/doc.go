// Package middleware provides HTTP middleware for caller identity and
// per-account rate limiting.
//
// # Identity
//
// The control plane sits behind an authenticating proxy. The proxy forwards
// the verified identity as two headers:
//
//	X-Account-ID:   acct-123
//	X-Account-Role: tenant | admin | system
//
// Identity turns them into an *auth.Caller on the request context. Requests
// without a role are rejected with 401 unless the middleware is optional.
// Isolation itself is enforced by pkg/controlplane, not here.
//
// # Rate limiting
//
// RateLimit throttles tenant callers per account. Administrative callers are
// never throttled. Two limiters are provided:
//
//	limiter := middleware.NewLocalLimiter(cfg, clock)          // single replica
//	limiter := middleware.NewRedisLimiter(client, cfg, clock)  // shared across replicas
//	router.Use(middleware.RateLimit(limiter, logger))
//
// The Redis limiter fails open: a Redis error lets the request through and
// is logged.
package middleware
