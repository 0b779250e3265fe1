package instances

import (
	"math"
	"time"

	"github.com/platinummonkey/hostplane/pkg/store"
)

// ComputeUptime returns the share of the instance's observed lifetime it
// has spent running, as a percentage in [0, 100].
//
// The window starts at provisioned_at (or created_at when the instance never
// reached running). A running instance counts as up since its last start. A
// stopped instance counts the span between its last start and last stop.
// Every other status reports zero.
func ComputeUptime(inst *store.Instance, now time.Time) float64 {
	start := inst.CreatedAt
	if inst.ProvisionedAt != nil {
		start = *inst.ProvisionedAt
	}
	window := now.Sub(start)
	if window <= 0 || inst.LastStartedAt == nil {
		return 0
	}

	var up time.Duration
	switch inst.Status {
	case store.InstanceRunning:
		up = now.Sub(*inst.LastStartedAt)
	case store.InstanceStopped:
		if inst.LastStoppedAt == nil {
			return 0
		}
		up = inst.LastStoppedAt.Sub(*inst.LastStartedAt)
	default:
		return 0
	}

	pct := float64(up) / float64(window) * 100
	pct = math.Max(0, math.Min(100, pct))
	return math.Round(pct*100) / 100
}
