// Package auth models the authenticated caller of a control plane operation
// and the tenant isolation rules applied to it.
//
// Identity itself is established upstream (an auth proxy or the identity
// provider). The control plane trusts the identity it is handed and only
// decides what that identity may touch:
//
//   - RoleTenant: may act on its own account only
//   - RoleAdmin: operator role, sees and changes every account
//   - RoleSystem: internal callers (orchestrator adapter, billing worker,
//     sweeper, application usage reporter)
package auth
