package instances

import (
	"time"

	"github.com/platinummonkey/hostplane/pkg/store"
)

var transitions = map[store.InstanceStatus][]store.InstanceStatus{
	store.InstanceProvisioning:   {store.InstanceRunning, store.InstanceError, store.InstanceDeprovisioning},
	store.InstanceRunning:        {store.InstanceStopped, store.InstanceError, store.InstanceRestarting, store.InstanceDeprovisioning},
	store.InstanceStopped:        {store.InstanceRunning, store.InstanceRestarting, store.InstanceError, store.InstanceDeprovisioning},
	store.InstanceRestarting:     {store.InstanceRunning, store.InstanceStopped, store.InstanceError, store.InstanceDeprovisioning},
	store.InstanceError:          {store.InstanceRunning, store.InstanceRestarting, store.InstanceStopped, store.InstanceDeprovisioning},
	store.InstanceDeprovisioning: {store.InstanceDeprovisioned},
}

// CanTransition reports whether an instance may move from one status to
// another. Staying in the same status is never a transition.
func CanTransition(from, to store.InstanceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError unless
// CanTransition(from, to)
func ValidateTransition(from, to store.InstanceStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// ValidStatus reports whether s is a known instance status
func ValidStatus(s store.InstanceStatus) bool {
	if s == store.InstanceDeprovisioned {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// enter moves inst to status and stamps the lifecycle timestamps
func enter(inst *store.Instance, status store.InstanceStatus, now time.Time) {
	inst.Status = status
	inst.UpdatedAt = now

	switch status {
	case store.InstanceRunning:
		t := now
		inst.LastStartedAt = &t
		if inst.ProvisionedAt == nil {
			p := now
			inst.ProvisionedAt = &p
		}
	case store.InstanceStopped:
		t := now
		inst.LastStoppedAt = &t
	case store.InstanceDeprovisioning:
		t := now
		inst.DeprovisionedAt = &t
	}
}
