package instances

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/store"
)

func ptr(t time.Time) *time.Time { return &t }

func TestComputeUptime(t *testing.T) {
	now := t0.Add(10 * time.Hour)
	tests := []struct {
		name string
		inst store.Instance
		want float64
	}{
		{
			name: "running since provisioning",
			inst: store.Instance{Status: store.InstanceRunning, CreatedAt: t0, ProvisionedAt: ptr(t0), LastStartedAt: ptr(t0)},
			want: 100,
		},
		{
			name: "running for the last half",
			inst: store.Instance{Status: store.InstanceRunning, CreatedAt: t0, ProvisionedAt: ptr(t0), LastStartedAt: ptr(t0.Add(5 * time.Hour))},
			want: 50,
		},
		{
			name: "stopped after a quarter",
			inst: store.Instance{Status: store.InstanceStopped, CreatedAt: t0, ProvisionedAt: ptr(t0), LastStartedAt: ptr(t0), LastStoppedAt: ptr(t0.Add(150 * time.Minute))},
			want: 25,
		},
		{
			name: "never started",
			inst: store.Instance{Status: store.InstanceProvisioning, CreatedAt: t0},
			want: 0,
		},
		{
			name: "error status",
			inst: store.Instance{Status: store.InstanceError, CreatedAt: t0, ProvisionedAt: ptr(t0), LastStartedAt: ptr(t0)},
			want: 0,
		},
		{
			name: "window falls back to created_at",
			inst: store.Instance{Status: store.InstanceRunning, CreatedAt: t0, LastStartedAt: ptr(t0.Add(8 * time.Hour))},
			want: 20,
		},
		{
			name: "clamped to 100",
			inst: store.Instance{Status: store.InstanceRunning, CreatedAt: t0, ProvisionedAt: ptr(t0.Add(time.Hour)), LastStartedAt: ptr(t0)},
			want: 100,
		},
		{
			name: "no elapsed window",
			inst: store.Instance{Status: store.InstanceRunning, CreatedAt: now, ProvisionedAt: ptr(now), LastStartedAt: ptr(now)},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeUptime(&tt.inst, now), 0.01)
		})
	}
}

func TestAutoPauseInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, store.TierFree, store.SubscriptionActive,
		store.InstanceRunning, store.InstanceRunning, store.InstanceStopped)

	f.update(t, "inst-0", func(i *store.Instance) { i.LastStartedAt = ptr(t0) })
	f.update(t, "inst-1", func(i *store.Instance) { i.LastStartedAt = ptr(t0) })
	f.clock.Set(t0.Add(6 * 24 * time.Hour))
	_, err := f.manager.UpdateHealth(ctx, "inst-1", store.HealthHealthy, nil, nil)
	require.NoError(t, err)

	f.clock.Set(t0.Add(8 * 24 * time.Hour))
	paused, err := f.manager.AutoPauseInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paused)

	idle, err := f.repo.GetInstance(ctx, "inst-0")
	require.NoError(t, err)
	assert.Equal(t, store.InstanceStopped, idle.Status)
	assert.Equal(t, true, idle.HealthDetails["auto_paused"])
	assert.Equal(t, "inactive", idle.HealthDetails["reason"])
	require.NotNil(t, idle.LastStoppedAt)

	active, err := f.repo.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.InstanceRunning, active.Status)

	entries := f.audit.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionInstanceAutoPaused, entries[0].Action)
	assert.Equal(t, "running", entries[0].Details["from"])
	assert.Equal(t, "stopped", entries[0].Details["to"])

	paused, err = f.manager.AutoPauseInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, paused)
}

// listHookRepo runs afterList once the candidate listing has been taken
type listHookRepo struct {
	store.Repository
	afterList func()
}

func (r *listHookRepo) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	out, err := r.Repository.ListInstances(ctx, filter)
	if r.afterList != nil {
		r.afterList()
	}
	return out, err
}

func TestAutoPauseInactive_ManualTransitionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, store.TierFree, store.SubscriptionActive, store.InstanceRunning)
	f.update(t, "inst-0", func(i *store.Instance) { i.LastStartedAt = ptr(t0) })
	f.clock.Set(t0.Add(8 * 24 * time.Hour))

	repo := &listHookRepo{Repository: f.repo}
	repo.afterList = func() {
		_, err := f.manager.Transition(ctx, "inst-0", store.InstanceStopped)
		require.NoError(t, err)
	}
	sweeper := NewManager(Config{
		Repository: repo,
		Tiers:      f.tiers,
		Clock:      f.clock,
		Recorder:   audit.NewRecorder(f.audit, f.clock, nil),
	})

	paused, err := sweeper.AutoPauseInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, paused)

	inst, err := f.repo.GetInstance(ctx, "inst-0")
	require.NoError(t, err)
	assert.Equal(t, store.InstanceStopped, inst.Status)
	assert.NotContains(t, inst.HealthDetails, "auto_paused")

	entries := f.audit.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionInstanceTransitioned, entries[0].Action)
}

func TestAutoPauseInactive_SkipsPaidTiers(t *testing.T) {
	f := newFixture(t)
	f.seed(t, store.TierStarter, store.SubscriptionActive, store.InstanceRunning)
	f.update(t, "inst-0", func(i *store.Instance) { i.LastStartedAt = ptr(t0) })

	f.clock.Set(t0.Add(30 * 24 * time.Hour))
	paused, err := f.manager.AutoPauseInactive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, paused)
}

func TestRecomputeUptime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, store.TierFree, store.SubscriptionActive, store.InstanceProvisioning, store.InstanceDeprovisioned)

	_, err := f.manager.Transition(ctx, "inst-0", store.InstanceRunning)
	require.NoError(t, err)
	f.clock.Set(t0.Add(2 * time.Hour))
	_, err = f.manager.Transition(ctx, "inst-0", store.InstanceStopped)
	require.NoError(t, err)
	f.clock.Set(t0.Add(4 * time.Hour))

	updated, err := f.manager.RecomputeUptime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	inst, err := f.repo.GetInstance(ctx, "inst-0")
	require.NoError(t, err)
	assert.InDelta(t, 50, inst.UptimePercent, 0.01)

	updated, err = f.manager.RecomputeUptime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
}
