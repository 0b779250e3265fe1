package sweeper

import (
	"context"

	"github.com/platinummonkey/hostplane/pkg/config"
	"github.com/platinummonkey/hostplane/pkg/controlplane"
)

// Job names
const (
	JobAutoPause  = "auto_pause"
	JobUptime     = "uptime"
	JobUsagePurge = "usage_purge"
	JobAuditPurge = "audit_purge"
	JobReconcile  = "reconcile"
)

// ControlPlaneJobs returns the standard sweeps over cp with the schedules
// and retention windows from cfg
func ControlPlaneJobs(cp controlplane.ControlPlane, cfg *config.Config) []Job {
	schedules := cfg.Sweeper.Schedules()
	return []Job{
		{Name: JobAutoPause, Schedule: schedules[JobAutoPause], Run: cp.AutoPauseInactive},
		{Name: JobUptime, Schedule: schedules[JobUptime], Run: cp.RecomputeUptime},
		{Name: JobUsagePurge, Schedule: schedules[JobUsagePurge], Run: func(ctx context.Context) (int, error) {
			n, err := cp.PurgeUsage(ctx, cfg.Usage.Retention)
			return int(n), err
		}},
		{Name: JobAuditPurge, Schedule: schedules[JobAuditPurge], Run: func(ctx context.Context) (int, error) {
			n, err := cp.PurgeAudit(ctx, cfg.Audit.Retention)
			return int(n), err
		}},
		{Name: JobReconcile, Schedule: schedules[JobReconcile], Run: func(ctx context.Context) (int, error) {
			return cp.ReconcileWebhooks(ctx, cfg.Billing.ReconcileBatch)
		}},
	}
}
