package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syatt-io/perfwatch/internal/config"
	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedSite(t *testing.T, st store.Store) *model.Site {
	t.Helper()
	site, err := st.CreateSite(context.Background(), model.Site{
		Name: "Acme", URL: "https://acme.example", MonitoringEnabled: true,
	})
	require.NoError(t, err)
	return site
}

// fakeExecutor scripts job outcomes and records executions.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	fail     map[string]error // job ID -> error to return
	block    chan struct{}    // when set, Execute waits until closed
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, job model.Job) error {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.executed = append(f.executed, job.ID)
	err := f.fail[job.ID]
	f.mu.Unlock()
	return err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func TestScheduleAll_CreatesJobPerPair(t *testing.T) {
	st := newTestStore(t)
	seedSite(t, st)
	seedSite(t, st)

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})
	created, err := s.ScheduleAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, created, 4) // 2 sites x 2 device profiles

	jobs, err := st.ListJobs(context.Background(), store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
}

func TestScheduleAll_SkipsPairsWithActiveJob(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceMobile, Status: model.JobRunning,
	})
	require.NoError(t, err)

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})
	created, err := s.ScheduleAll(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1) // only the desktop pair
	assert.Equal(t, model.DeviceDesktop, created[0].Device)

	// A second fan-out creates nothing new.
	created, err = s.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)
}

// staleReadStore reports no active jobs regardless of what the queue
// holds, the view two fan-outs share when both list before either
// insert lands.
type staleReadStore struct {
	store.Store
}

func (s staleReadStore) ListActiveJobs(ctx context.Context, siteID string, device model.DeviceProfile) ([]model.Job, error) {
	return nil, nil
}

func TestScheduleAll_ConcurrentFanOutsCreateOnePerPair(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	// Both schedulers pass the active-job check, so stopping the
	// duplicate insert falls to the store.
	s1 := New(staleReadStore{st}, &fakeExecutor{}, config.SchedulerConfig{})
	s2 := New(staleReadStore{st}, &fakeExecutor{}, config.SchedulerConfig{})

	first, err := s1.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// The losing fan-out skips the taken pairs instead of erroring.
	second, err := s2.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)

	for _, device := range model.DefaultDeviceProfiles {
		active, err := st.ListActiveJobs(ctx, site.ID, device)
		require.NoError(t, err)
		assert.Len(t, active, 1, "device %s", device)
	}
}

func TestScheduleAll_IgnoresDisabledSites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSite(ctx, model.Site{Name: "Off", URL: "https://off.example"})
	require.NoError(t, err)

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})
	created, err := s.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestRunPending_ExecutesAndCompletes(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	exec := &fakeExecutor{}
	s := New(st, exec, config.SchedulerConfig{})
	_, err := s.ScheduleAll(ctx)
	require.NoError(t, err)

	require.NoError(t, s.RunPending(ctx))
	assert.Equal(t, 2, exec.count())

	jobs, err := st.ListJobs(ctx, store.JobFilter{SiteID: site.ID})
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, model.JobCompleted, j.Status)
		assert.NotNil(t, j.StartedAt)
		assert.NotNil(t, j.CompletedAt)
	}
}

func TestRunPending_BoundedConcurrency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		seedSite(t, st)
	}

	exec := &fakeExecutor{block: make(chan struct{})}
	s := New(st, exec, config.SchedulerConfig{Concurrency: 2})
	_, err := s.ScheduleAll(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.RunPending(ctx) }()

	// Give the pool time to saturate, then release the workers.
	time.Sleep(200 * time.Millisecond)
	close(exec.block)
	require.NoError(t, <-done)

	assert.Equal(t, 8, exec.count())
	assert.LessOrEqual(t, exec.maxSeen.Load(), int32(2))
}

func TestRunPending_SkipsFutureJobs(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceMobile,
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	exec := &fakeExecutor{}
	s := New(st, exec, config.SchedulerConfig{})
	require.NoError(t, s.RunPending(ctx))
	assert.Zero(t, exec.count())
}

func TestRunPending_PausedDispatchesNothing(t *testing.T) {
	st := newTestStore(t)
	seedSite(t, st)
	ctx := context.Background()

	exec := &fakeExecutor{}
	s := New(st, exec, config.SchedulerConfig{})
	_, err := s.ScheduleAll(ctx)
	require.NoError(t, err)

	s.Pause()
	assert.True(t, s.Paused())
	require.NoError(t, s.RunPending(ctx))
	assert.Zero(t, exec.count())

	s.Resume()
	require.NoError(t, s.RunPending(ctx))
	assert.Equal(t, 2, exec.count())
}

func TestRunJob_FailureRequeuesUntilExhausted(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, model.Job{SiteID: site.ID, Device: model.DeviceMobile})
	require.NoError(t, err)

	boom := assert.AnError
	exec := &fakeExecutor{fail: map[string]error{job.ID: boom}}
	s := New(st, exec, config.SchedulerConfig{MaxJobAttempts: 3})

	// Attempts 1 and 2 requeue.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, s.RunPending(ctx))
		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, got.Status, "attempt %d", attempt)
		assert.Equal(t, attempt, got.RetryCount)
	}

	// Attempt 3 exhausts the budget.
	require.NoError(t, s.RunPending(ctx))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.Error, boom.Error())
	assert.Equal(t, 3, exec.count())
}

func TestRunJob_FailureBacksOffBeforeRetry(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, model.Job{SiteID: site.ID, Device: model.DeviceMobile})
	require.NoError(t, err)

	exec := &fakeExecutor{fail: map[string]error{job.ID: assert.AnError}}
	s := New(st, exec, config.SchedulerConfig{MaxJobAttempts: 3, RetryBackoffSecs: 60})

	require.NoError(t, s.RunPending(ctx))
	require.Equal(t, 1, exec.count())

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Minute), got.ScheduledFor, 5*time.Second)

	// The retry is deferred, so an immediate dispatch pass leaves the
	// job alone instead of hammering the failing site.
	require.NoError(t, s.RunPending(ctx))
	assert.Equal(t, 1, exec.count())
}

func TestReapStuckJobs_ForceFailsStranded(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	running, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceMobile, Status: model.JobRunning,
	})
	require.NoError(t, err)
	queued, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceDesktop, Status: model.JobQueued,
	})
	require.NoError(t, err)

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})
	s.cfg.StaleAfterMins = 0 // make every job count as stale

	reaped, err := s.ReapStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	for _, id := range []string{running.ID, queued.ID} {
		got, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, got.Status)
		assert.Contains(t, got.Error, "job stuck")
	}
}

func TestReapStuckJobs_FreesPairForRescheduling(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceMobile, Status: model.JobRunning,
	})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceDesktop, Status: model.JobRunning,
	})
	require.NoError(t, err)

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})

	// Active jobs block new scheduling for the pair.
	created, err := s.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	s.cfg.StaleAfterMins = 0
	reaped, err := s.ReapStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	created, err = s.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestReapStuckJobs_IdempotentAndRaceSafe(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceMobile, Status: model.JobRunning,
	})
	require.NoError(t, err)

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})
	s.cfg.StaleAfterMins = 0

	reaped, err := s.ReapStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	// Second sweep finds the job failed, a terminal state. Nothing to do.
	reaped, err = s.ReapStuckJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
}

func TestReapStuckJobs_LeavesCompletedAlone(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, model.Job{
		SiteID: site.ID, Device: model.DeviceMobile, Status: model.JobCompleted,
	})
	require.NoError(t, err)
	_ = job

	s := New(st, &fakeExecutor{}, config.SchedulerConfig{})
	s.cfg.StaleAfterMins = 0

	reaped, err := s.ReapStuckJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestRunPending_ClaimRaceOnlyOneWinner(t *testing.T) {
	st := newTestStore(t)
	site := seedSite(t, st)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, model.Job{SiteID: site.ID, Device: model.DeviceMobile})
	require.NoError(t, err)

	exec := &fakeExecutor{}
	s := New(st, exec, config.SchedulerConfig{})

	// Simulate a competing dispatcher claiming the job first.
	require.NoError(t, st.TransitionJob(ctx, job.ID, model.JobPending, model.JobQueued))

	require.NoError(t, s.RunPending(ctx))
	assert.Zero(t, exec.count())
}
