package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/config"
	"github.com/platinummonkey/hostplane/pkg/controlplane"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store/memory"
)

type recorder struct {
	mu      sync.Mutex
	ran     []string
	callers []*auth.Caller
}

func (r *recorder) job(name string, affected int, err error) Job {
	return Job{Name: name, Schedule: "@hourly", Run: func(ctx context.Context) (int, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ran = append(r.ran, name)
		r.callers = append(r.callers, auth.FromContext(ctx))
		return affected, err
	}}
}

func TestRunOnce_AllJobs(t *testing.T) {
	logger, _ := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := &recorder{}
	s := New(Config{
		Jobs:    []Job{r.job("a", 3, nil), r.job("b", 0, nil)},
		Metrics: metrics,
		Logger:  logger,
	})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b"}, r.ran)
	for _, c := range r.callers {
		assert.Same(t, auth.System, c)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.SweepAffectedTotal.WithLabelValues("a")))
}

func TestRunOnce_SelectedJob(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := &recorder{}
	s := New(Config{Jobs: []Job{r.job("a", 0, nil), r.job("b", 0, nil)}, Logger: logger})

	require.NoError(t, s.RunOnce(context.Background(), "b"))
	assert.Equal(t, []string{"b"}, r.ran)

	err := s.RunOnce(context.Background(), "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestRunOnce_JobError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := &recorder{}
	boom := errors.New("boom")
	s := New(Config{Jobs: []Job{r.job("a", 0, boom)}, Logger: logger})

	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "Sweep failed", hook.LastEntry().Message)
}

func TestRunOnce_FailureDoesNotCancelSiblings(t *testing.T) {
	logger, _ := test.NewNullLogger()
	failed := make(chan struct{})
	boom := errors.New("boom")

	var slowErr error
	s := New(Config{
		Jobs: []Job{
			{Name: "fails", Schedule: "@hourly", Run: func(context.Context) (int, error) {
				close(failed)
				return 0, boom
			}},
			{Name: "slow", Schedule: "@hourly", Run: func(ctx context.Context) (int, error) {
				<-failed
				select {
				case <-ctx.Done():
					slowErr = ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
				return 1, slowErr
			}},
		},
		Logger: logger,
	})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, slowErr)
	assert.Contains(t, err.Error(), "fails")
	assert.NotContains(t, err.Error(), "slow")
}

func TestRunOnce_SkipsWhenLeaseHeld(t *testing.T) {
	client, _ := setupRedis(t)
	logger, _ := test.NewNullLogger()
	locker := NewRedisLocker(client, "")
	r := &recorder{}
	s := New(Config{Jobs: []Job{r.job("a", 0, nil)}, Locker: locker, LockTTL: time.Minute, Logger: logger})

	_, ok, err := locker.Acquire(context.Background(), "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, r.ran)
}

func TestRunOnce_ReleasesLease(t *testing.T) {
	client, mr := setupRedis(t)
	logger, _ := test.NewNullLogger()
	r := &recorder{}
	s := New(Config{Jobs: []Job{r.job("a", 0, nil)}, Locker: NewRedisLocker(client, ""), Logger: logger})

	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{"a", "a"}, r.ran)
	assert.False(t, mr.Exists("hostplane:sweep:a"))
}

func TestStart(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := &recorder{}

	bad := New(Config{Jobs: []Job{{Name: "x", Schedule: "whenever", Run: r.job("x", 0, nil).Run}}, Logger: logger})
	assert.Error(t, bad.Start(context.Background()))

	s := New(Config{Jobs: []Job{r.job("a", 0, nil)}, Logger: logger})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestControlPlaneJobs(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cp := controlplane.Assemble(controlplane.Options{Repository: memory.New(), Logger: logger})
	cfg := &config.Config{
		Usage:   config.UsageConfig{Retention: 365 * 24 * time.Hour},
		Audit:   config.AuditConfig{Retention: 730 * 24 * time.Hour},
		Billing: config.BillingConfig{ReconcileBatch: 50},
		Sweeper: config.SweeperConfig{
			AutoPauseSchedule:  "@hourly",
			UptimeSchedule:     "*/5 * * * *",
			UsagePurgeSchedule: "@daily",
			AuditPurgeSchedule: "@daily",
			ReconcileSchedule:  "@every 1m",
		},
	}

	jobs := ControlPlaneJobs(cp, cfg)
	s := New(Config{Jobs: jobs, Logger: logger})
	assert.Equal(t, []string{JobAuditPurge, JobAutoPause, JobReconcile, JobUptime, JobUsagePurge}, s.JobNames())
	for _, job := range jobs {
		assert.NotEmpty(t, job.Schedule, job.Name)
	}

	require.NoError(t, s.RunOnce(context.Background()))
}
