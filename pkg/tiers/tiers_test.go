package tiers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/store/memory"
)

func TestDefaultTable_Valid(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.Validate())

	free, err := table.Lookup(store.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 1, free.MaxAgents)
	assert.Equal(t, 100, free.MaxMessagesPerDay)

	ent, err := table.Lookup(store.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, store.Unlimited, ent.MaxMessagesPerDay)
	assert.True(t, ent.Features.Enabled(FeatureSSO))
}

func TestTable_LookupReturnsCopy(t *testing.T) {
	table := DefaultTable()
	p, err := table.Lookup(store.TierStarter)
	require.NoError(t, err)
	p.Features[FeatureSSO] = true

	again, _ := table.Lookup(store.TierStarter)
	assert.False(t, again.Features.Enabled(FeatureSSO))
}

const policyYAML = `
tiers:
  free:
    max_agents: 2
    max_messages_per_day: 50
    max_storage_gb: 1
    max_platforms: 1
    max_team_members: 1
    memory_limit_mb: 256
    cpu_millicores: 250
    disk_limit_gb: 2
    features:
      api_access: false
  starter:
    max_agents: 3
    max_messages_per_day: 1000
    max_storage_gb: 5
    max_platforms: 3
    max_team_members: 3
    memory_limit_mb: 1024
    cpu_millicores: 1000
    disk_limit_gb: 10
  professional:
    max_agents: 10
    max_messages_per_day: 10000
    max_storage_gb: 50
    max_platforms: 10
    max_team_members: 10
    memory_limit_mb: 4096
    cpu_millicores: 2000
    disk_limit_gb: 50
  enterprise:
    max_agents: -1
    max_messages_per_day: -1
    max_storage_gb: 500
    max_platforms: -1
    max_team_members: -1
    memory_limit_mb: 16384
    cpu_millicores: 8000
    disk_limit_gb: 200
    features:
      sso: true
`

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)

	free, err := table.Lookup(store.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 2, free.MaxAgents)
	assert.Equal(t, 256, free.MemoryLimitMB)

	ent, _ := table.Lookup(store.TierEnterprise)
	assert.Equal(t, store.Unlimited, ent.MaxAgents)
	assert.True(t, ent.Features.Enabled(FeatureSSO))
}

func TestParseTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing tiers", "tiers:\n  free:\n    max_agents: 1\n"},
		{"malformed", "tiers: ["},
		{"unknown tier", policyYAML + "  platinum:\n    max_agents: 1\n"},
		{"zero limit", `
tiers:
  free: {max_agents: 0, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
  starter: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
  professional: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
  enterprise: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
`},
		{"negative resource", `
tiers:
  free: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: -1, cpu_millicores: 1, disk_limit_gb: 1}
  starter: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
  professional: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
  enterprise: {max_agents: 1, max_messages_per_day: 1, max_storage_gb: 1, max_platforms: 1, max_team_members: 1, memory_limit_mb: 1, cpu_millicores: 1, disk_limit_gb: 1}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParsePriceMap(t *testing.T) {
	m, err := ParsePriceMap(" price_s=starter, price_p=professional ,")
	require.NoError(t, err)

	tier, ok := m.TierForPrice("price_p")
	assert.True(t, ok)
	assert.Equal(t, store.TierProfessional, tier)

	_, ok = m.TierForPrice("price_x")
	assert.False(t, ok)
	assert.Equal(t, "price_p=professional,price_s=starter", m.String())

	_, err = ParsePriceMap("price_s=gold")
	assert.Error(t, err)
	_, err = ParsePriceMap("=starter")
	assert.Error(t, err)

	empty, err := ParsePriceMap("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type fixture struct {
	repo   *memory.Store
	engine *Engine
	audit  *audit.MemoryStore
	clock  *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC))
	repo := memory.New()
	auditStore := audit.NewMemoryStore()
	engine := NewEngine(Config{
		Repository: repo,
		Clock:      clock,
		Recorder:   audit.NewRecorder(auditStore, clock, nil),
	})
	return &fixture{repo: repo, engine: engine, audit: auditStore, clock: clock}
}

func (f *fixture) seed(t *testing.T, tier store.Tier, statuses ...store.InstanceStatus) *store.Subscription {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	sub := &store.Subscription{
		ID:          "sub-1",
		AccountID:   "acct-1",
		Status:      store.SubscriptionActive,
		LastResetAt: store.Day(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.engine.ApplyLimits(sub, tier))
	policy, _ := f.engine.Policy(tier)

	require.NoError(t, f.repo.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAccount(ctx, &store.Account{ID: "acct-1", Email: "a@example.com", Status: store.AccountActive, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		for i, status := range statuses {
			inst := &store.Instance{
				ID:             "inst-" + string(rune('a'+i)),
				SubscriptionID: sub.ID,
				AccountID:      sub.AccountID,
				Subdomain:      "host-" + string(rune('a'+i)),
				Status:         status,
				Resources:      policy.Resources,
				HealthStatus:   store.HealthUnknown,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.InsertInstance(ctx, inst); err != nil {
				return err
			}
		}
		return nil
	}))
	return sub
}

func TestApplyTierChange_CascadesToLiveInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, store.TierStarter, store.InstanceRunning, store.InstanceStopped, store.InstanceDeprovisioned)

	require.NoError(t, f.engine.ApplyTierChange(ctx, "sub-1", store.TierStarter, store.TierProfessional))

	sub, err := f.repo.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, store.TierProfessional, sub.Tier)
	assert.Equal(t, 10, sub.MaxAgents)
	assert.True(t, sub.Features.Enabled(FeatureAnalytics))

	instances, err := f.repo.ListInstances(ctx, store.InstanceFilter{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.Len(t, instances, 3)
	for _, inst := range instances {
		if inst.Status == store.InstanceDeprovisioned {
			assert.Equal(t, 1024, inst.MemoryLimitMB)
			continue
		}
		assert.Equal(t, 4096, inst.MemoryLimitMB)
		assert.Equal(t, 2000, inst.CPUMillicores)
	}

	entries := f.audit.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionTierChanged, entries[0].Action)
	assert.Equal(t, "starter", entries[0].Details["old_tier"])
	assert.Equal(t, "professional", entries[0].Details["new_tier"])
	assert.Equal(t, 2, entries[0].Details["instances_updated"])
}

func TestApplyTierChange_SameTierNoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, store.TierStarter, store.InstanceRunning)

	require.NoError(t, f.engine.ApplyTierChange(context.Background(), "sub-1", store.TierStarter, store.TierStarter))
	assert.Empty(t, f.audit.All())
}

func TestApplyTierChange_UnknownSubscription(t *testing.T) {
	f := newFixture(t)
	err := f.engine.ApplyTierChange(context.Background(), "missing", store.TierFree, store.TierStarter)
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, f.audit.All())
}

func TestApplyTierChange_InvalidTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, store.TierFree)
	assert.Error(t, f.engine.ApplyTierChange(context.Background(), "sub-1", store.TierFree, store.Tier("gold")))
}

func TestApplyTierChangeTx_RollbackLeavesNoAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, store.TierFree, store.InstanceRunning)

	var pending audit.Pending
	err := f.repo.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.LockSubscription(ctx, "sub-1")
		if err != nil {
			return err
		}
		if err := f.engine.ApplyTierChangeTx(ctx, tx, sub, store.TierEnterprise, &pending); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	sub, err := f.repo.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, store.TierFree, sub.Tier)

	inst, err := f.repo.GetInstance(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, 512, inst.MemoryLimitMB)
	assert.Empty(t, f.audit.All())
}
