// Package contextkeys provides centralized context key definitions
//
// All context keys used across the control plane are defined here so that
// producers and consumers agree on names and value types.
//
//	ctx = contextkeys.WithCaller(ctx, caller)
//	caller, ok := ctx.Value(contextkeys.CallerKey).(*auth.Caller)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CallerKey contains *auth.Caller
	// Set by: middleware.Identity (pkg/middleware/identity.go), sweeper and webhook workers
	// Required by: every controlplane operation
	CallerKey Key = "caller"

	// RequestIDKey contains the request ID string
	// Set by: middleware.RequestID
	// Used by: logger fields, error responses
	RequestIDKey Key = "request_id"

	// LoggerKey contains *logrus.Entry scoped to the request
	// Set by: middleware.RequestID
	LoggerKey Key = "logger"
)

// WithCaller adds the authenticated caller to the context
func WithCaller(ctx context.Context, caller interface{}) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds a request-scoped logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
