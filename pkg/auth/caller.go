package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/hostplane/pkg/contextkeys"
)

// ErrForbidden is returned when a caller acts outside its own account
var ErrForbidden = errors.New("forbidden")

// Role represents a caller's privilege level
type Role string

const (
	RoleTenant Role = "tenant"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleTenant, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Caller is the identity an operation runs as
type Caller struct {
	AccountID string
	Role      Role
}

// System is the caller used by internal workers
var System = &Caller{Role: RoleSystem}

// Privileged reports whether the caller bypasses tenant isolation
func (c *Caller) Privileged() bool {
	return c != nil && (c.Role == RoleAdmin || c.Role == RoleSystem)
}

// CanAccess reports whether the caller may act on accountID
func (c *Caller) CanAccess(accountID string) bool {
	if c == nil {
		return false
	}
	return c.Privileged() || (c.AccountID != "" && c.AccountID == accountID)
}

// Authorize returns ErrForbidden unless the caller may act on accountID
func (c *Caller) Authorize(accountID string) error {
	if !c.CanAccess(accountID) {
		return fmt.Errorf("account %s: %w", accountID, ErrForbidden)
	}
	return nil
}

// RequirePrivileged returns ErrForbidden unless the caller is admin or system
func (c *Caller) RequirePrivileged(op string) error {
	if !c.Privileged() {
		return fmt.Errorf("%s requires an administrative caller: %w", op, ErrForbidden)
	}
	return nil
}

// String implements fmt.Stringer for log fields
func (c *Caller) String() string {
	if c == nil {
		return "anonymous"
	}
	if c.AccountID == "" {
		return string(c.Role)
	}
	return string(c.Role) + ":" + c.AccountID
}

// WithCaller stores the caller in ctx
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return contextkeys.WithCaller(ctx, c)
}

// FromContext returns the caller stored in ctx, or nil
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(contextkeys.CallerKey).(*Caller)
	return c
}
