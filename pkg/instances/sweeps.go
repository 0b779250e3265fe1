package instances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/store"
)

// lastActivity is the most recent sign of life for an instance
func lastActivity(inst *store.Instance) time.Time {
	switch {
	case inst.LastHealthCheck != nil:
		return *inst.LastHealthCheck
	case inst.LastStartedAt != nil:
		return *inst.LastStartedAt
	default:
		return inst.CreatedAt
	}
}

// AutoPauseInactive stops running free-tier instances that have been idle
// longer than the auto-pause window. Each instance is paused in its own
// transaction and re-checked under lock, so a concurrent manual transition
// wins cleanly. Returns the number of instances paused.
func (m *Manager) AutoPauseInactive(ctx context.Context) (int, error) {
	candidates, err := m.repo.ListInstances(ctx, store.InstanceFilter{
		Statuses: []store.InstanceStatus{store.InstanceRunning},
		Tier:     store.TierFree,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list running free instances: %w", err)
	}

	cutoff := m.clock.Now().UTC().Add(-m.autoPauseAfter)
	paused := 0
	var errs []error
	for _, inst := range candidates {
		if !lastActivity(inst).Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		ok, err := m.pause(ctx, inst.ID, cutoff)
		if err != nil {
			m.logger.WithError(err).WithField("instance_id", inst.ID).Warn("Failed to auto-pause instance")
			errs = append(errs, err)
			continue
		}
		if ok {
			paused++
		}
	}
	return paused, errors.Join(errs...)
}

func (m *Manager) pause(ctx context.Context, instanceID string, cutoff time.Time) (bool, error) {
	var (
		pending audit.Pending
		change  Change
	)
	err := m.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		change = Change{}
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != store.InstanceRunning || !lastActivity(inst).Before(cutoff) {
			return nil
		}
		idleSince := lastActivity(inst)

		var discard audit.Pending
		change, err = m.TransitionTx(ctx, tx, inst, store.InstanceStopped, "auto_paused", &discard)
		if err != nil {
			return err
		}
		inst.HealthDetails = inst.HealthDetails.Merge(store.JSONMap{
			"auto_paused": true,
			"reason":      "inactive",
			"paused_at":   inst.UpdatedAt.Format(time.RFC3339),
		})
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}

		pending.Add(audit.Success(audit.ActionInstanceAutoPaused, audit.CategoryInstance, audit.Account(inst.AccountID), map[string]interface{}{
			"instance_id": inst.ID,
			"from":        string(change.From),
			"to":          string(change.To),
			"idle_since":  idleSince.Format(time.RFC3339),
		}))
		return nil
	})
	if err != nil {
		return false, err
	}
	if change.InstanceID == "" {
		return false, nil
	}

	m.Observe(change)
	m.recorder.Flush(ctx, &pending)
	m.logger.WithFields(logrus.Fields{"instance_id": instanceID}).Info("Auto-paused inactive instance")
	return true, nil
}

// RecomputeUptime stores the current uptime percentage on every instance
// that has not been deprovisioned. Returns the number of rows changed.
func (m *Manager) RecomputeUptime(ctx context.Context) (int, error) {
	instances, err := m.repo.ListInstances(ctx, store.InstanceFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	updated := 0
	var errs []error
	for _, listed := range instances {
		if !listed.IsLive() {
			continue
		}
		changed := false
		err := m.repo.WithTx(ctx, func(tx store.Tx) error {
			changed = false
			inst, err := tx.LockInstance(ctx, listed.ID)
			if err != nil {
				return err
			}
			uptime := ComputeUptime(inst, m.clock.Now().UTC())
			if uptime == inst.UptimePercent {
				return nil
			}
			inst.UptimePercent = uptime
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", listed.ID, err))
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, errors.Join(errs...)
}
