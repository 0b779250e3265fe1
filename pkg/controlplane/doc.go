// Package controlplane is the single entry point to the control plane.
//
// Every operation reads the auth.Caller stored in its context and enforces
// tenant isolation before delegating to the owning service:
//
//   - admin and system callers may touch any account
//   - tenant callers may read their own account, provision on their own
//     subscription and drive a limited set of instance transitions
//   - usage recording, health reports, webhook ingestion and the sweeps are
//     reserved for admin and system callers
//
// A call without a caller fails with auth.ErrForbidden. Each call runs in an
// OpenTelemetry span named "controlplane.<Operation>".
package controlplane
