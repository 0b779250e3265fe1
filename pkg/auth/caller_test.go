package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaller_CanAccess(t *testing.T) {
	tests := []struct {
		name    string
		caller  *Caller
		account string
		want    bool
	}{
		{"tenant own account", &Caller{AccountID: "a", Role: RoleTenant}, "a", true},
		{"tenant other account", &Caller{AccountID: "a", Role: RoleTenant}, "b", false},
		{"tenant without account id", &Caller{Role: RoleTenant}, "", false},
		{"admin any account", &Caller{AccountID: "a", Role: RoleAdmin}, "b", true},
		{"system any account", System, "b", true},
		{"nil caller", nil, "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caller.CanAccess(tt.account))
			if tt.want {
				assert.NoError(t, tt.caller.Authorize(tt.account))
			} else {
				assert.ErrorIs(t, tt.caller.Authorize(tt.account), ErrForbidden)
			}
		})
	}
}

func TestCaller_RequirePrivileged(t *testing.T) {
	assert.NoError(t, System.RequirePrivileged("recordUsage"))
	assert.NoError(t, (&Caller{Role: RoleAdmin}).RequirePrivileged("recordUsage"))
	assert.ErrorIs(t, (&Caller{AccountID: "a", Role: RoleTenant}).RequirePrivileged("recordUsage"), ErrForbidden)
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	c := &Caller{AccountID: "a", Role: RoleTenant}
	ctx := WithCaller(context.Background(), c)
	assert.Same(t, c, FromContext(ctx))
	assert.Equal(t, "tenant:a", c.String())
}
