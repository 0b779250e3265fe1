package middleware

import (
	"net/http"

	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/httputil"
)

const (
	// AccountIDHeader carries the authenticated account id
	AccountIDHeader = "X-Account-ID"
	// RoleHeader carries the authenticated role
	RoleHeader = "X-Account-Role"
)

// IdentityMiddleware attaches the proxy-supplied caller to each request
type IdentityMiddleware struct {
	optional bool // If true, allow requests without identity
}

// NewIdentityMiddleware creates a new identity middleware
func NewIdentityMiddleware(optional bool) *IdentityMiddleware {
	return &IdentityMiddleware{optional: optional}
}

// Handler wraps an HTTP handler with identity extraction
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get(RoleHeader)
		accountID := r.Header.Get(AccountIDHeader)

		if role == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing identity")
			return
		}

		caller, ok := parseCaller(role, accountID)
		if !ok {
			httputil.WriteUnauthorized(w, "invalid identity")
			return
		}

		ctx := auth.WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseCaller validates the header pair. Tenants must name their account.
func parseCaller(role, accountID string) (*auth.Caller, bool) {
	r := auth.Role(role)
	if !r.Valid() {
		return nil, false
	}
	if r == auth.RoleTenant && accountID == "" {
		return nil, false
	}
	return &auth.Caller{AccountID: accountID, Role: r}, true
}

// GetCaller extracts the caller from request
func GetCaller(r *http.Request) *auth.Caller {
	return auth.FromContext(r.Context())
}

// RequirePrivileged rejects every caller except admin and system with 403
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := GetCaller(r)
		if caller == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !caller.Privileged() {
			httputil.WriteErrorMessage(w, http.StatusForbidden, "insufficient role permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
