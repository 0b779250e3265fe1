package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/config"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/sweeper"
	"github.com/platinummonkey/hostplane/pkg/tenants"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOSTPLANE_STORAGE_TYPE", config.StorageMemory)
	t.Setenv("HOSTPLANE_WEBHOOK_SECRET", "whsec_test")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	cfg := memoryConfig(t)
	logger, _ := test.NewNullLogger()

	app, err := Build(context.Background(), cfg, logger, "test")
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.ControlPlane)
	assert.NotNil(t, app.Metrics)
	assert.Nil(t, app.Redis)
	assert.IsType(t, sweeper.NoopLocker{}, app.Locker())

	status := app.Health.Check(context.Background())
	assert.Equal(t, observability.StatusHealthy, status.Status)

	ctx := auth.WithCaller(context.Background(), auth.System)
	acct, err := app.ControlPlane.CreateAccount(ctx, tenants.CreateAccountRequest{Email: "ops@example.com"})
	require.NoError(t, err)
	require.NoError(t, app.Recorder.Close())

	entries, err := app.AuditStore.Search(context.Background(), audit.SearchFilter{AccountID: &acct.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionAccountCreated, entries[0].Action)

	families, err := app.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuildMirrorsAuditToLog(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Audit.MirrorToLog = true
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	app, err := Build(context.Background(), cfg, logger, "test")
	require.NoError(t, err)
	defer app.Close()

	ctx := auth.WithCaller(context.Background(), auth.System)
	_, err = app.ControlPlane.CreateAccount(ctx, tenants.CreateAccountRequest{Email: "mirror@example.com"})
	require.NoError(t, err)
	require.NoError(t, app.Recorder.Close())

	var mirrored bool
	for _, e := range hook.AllEntries() {
		if e.Message == "audit" && e.Data["action"] == audit.ActionAccountCreated {
			mirrored = true
		}
	}
	assert.True(t, mirrored, "expected audit entry in log stream")
}

func TestBuildWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := memoryConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	logger, _ := test.NewNullLogger()

	app, err := Build(context.Background(), cfg, logger, "test")
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Redis)
	assert.IsType(t, &sweeper.RedisLocker{}, app.Locker())

	status := app.Health.Check(context.Background())
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "redis")

	mr.Close()
	status = app.Health.Check(context.Background())
	assert.Equal(t, observability.StatusDegraded, status.Status)
}

func TestBuildRejectsInvalidRedisURL(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Redis.URL = "not-a-url"
	logger, _ := test.NewNullLogger()

	_, err := Build(context.Background(), cfg, logger, "test")
	require.Error(t, err)
}

func TestBuildRejectsMissingTierFile(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.TierFile = t.TempDir() + "/missing.yaml"
	logger, _ := test.NewNullLogger()

	_, err := Build(context.Background(), cfg, logger, "test")
	require.Error(t, err)
}

func TestSweeperRunsAllJobs(t *testing.T) {
	cfg := memoryConfig(t)
	logger, _ := test.NewNullLogger()

	app, err := Build(context.Background(), cfg, logger, "test")
	require.NoError(t, err)
	defer app.Close()

	sw := app.Sweeper()
	assert.ElementsMatch(t, []string{
		sweeper.JobAutoPause, sweeper.JobUptime, sweeper.JobUsagePurge,
		sweeper.JobAuditPurge, sweeper.JobReconcile,
	}, sw.JobNames())
	require.NoError(t, sw.RunOnce(context.Background()))
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := memoryConfig(t)
	logger, _ := test.NewNullLogger()

	app, err := Build(context.Background(), cfg, logger, "test")
	require.NoError(t, err)
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
}
