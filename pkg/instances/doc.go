// Package instances manages the lifecycle of tenant compute instances.
//
// Instances move through a fixed state machine (see CanTransition). The
// manager enforces per-subscription agent quotas on provisioning, stamps
// lifecycle timestamps on each transition, tracks health reports and runs
// the auto-pause and uptime sweeps.
package instances
