package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/config"
	obsmetrics "github.com/smallbiznis/allotment/internal/observability/metrics"
	"github.com/smallbiznis/allotment/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePools struct {
	refreshed  int
	refreshErr error
	expired    int
	limits     []int
}

func (f *fakePools) RefreshStaleOwners(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return f.refreshed, f.refreshErr
}

func (f *fakePools) DeleteExpiredPools(context.Context) (int, error) {
	return f.expired, nil
}

type fakeOrphans struct{ calls int }

func (f *fakeOrphans) CleanupOrphans(context.Context) (int, error) {
	f.calls++
	return 0, nil
}

// fakeBatches hands out the remaining items in batches.
type fakeBatches struct {
	remaining int
	calls     int
}

func (f *fakeBatches) next(limit int) int {
	f.calls++
	n := limit
	if f.remaining < n {
		n = f.remaining
	}
	f.remaining -= n
	return n
}

func (f *fakeBatches) RegenerateDirty(_ context.Context, limit int) (int, error) {
	return f.next(limit), nil
}

func (f *fakeBatches) PublishPending(_ context.Context, limit int) (int, error) {
	return f.next(limit), nil
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakePools, *fakeOrphans, *fakeBatches, *fakeBatches) {
	t.Helper()
	obsmetrics.ResetSchedulerMetricsForTest()
	t.Cleanup(swapPrometheusRegistry(prometheus.NewRegistry()))

	pools := &fakePools{}
	orphans := &fakeOrphans{}
	certs := &fakeBatches{}
	events := &fakeBatches{}
	s := &Scheduler{
		log:          zap.NewNop(),
		cfg:          cfg.withDefaults(),
		genID:        testutil.NewNode(t),
		clock:        clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		pools:        pools,
		orphans:      orphans,
		certificates: certs,
		events:       events,
	}
	return s, pools, orphans, certs, events
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	s, pools, orphans, certs, events := newTestScheduler(t, Config{CertificateBatchSize: 2, EventBatchSize: 3, RefreshBatchSize: 4})
	certs.remaining = 5
	events.remaining = 3

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []int{4}, pools.limits)
	assert.Equal(t, 1, orphans.calls)
	// 2 + 2 + 1: the short batch ends the drain.
	assert.Equal(t, 3, certs.calls)
	assert.Zero(t, certs.remaining)
	// A full batch is followed by an empty one.
	assert.Equal(t, 2, events.calls)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	s, pools, orphans, certs, _ := newTestScheduler(t, Config{EnabledJobs: []string{"ORPHAN_PRODUCTS"}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, orphans.calls)
	assert.Empty(t, pools.limits)
	assert.Zero(t, certs.calls)
}

func TestRunOnceKeepsGoingAfterFailure(t *testing.T) {
	s, pools, orphans, _, _ := newTestScheduler(t, Config{})
	pools.refreshErr = errors.New("upstream down")

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobRefreshOwners)
	assert.Equal(t, 1, orphans.calls)
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := ProvideConfig(config.Config{SchedulerJobs: []string{JobPublishEvents}})
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, DefaultConfig().EventBatchSize, cfg.EventBatchSize)
	assert.Equal(t, []string{JobPublishEvents}, cfg.EnabledJobs)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	s, _, orphans, _, _ := newTestScheduler(t, Config{RunInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.RunForever(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not stop")
	}
	assert.Equal(t, 1, orphans.calls)
}
