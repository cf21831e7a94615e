// Package scheduler owns the durable job queue: fan-out of measurement
// jobs across sites and devices, a bounded worker pool, and a reaper
// for jobs orphaned by crashes.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syatt-io/perfwatch/internal/config"
	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

// pendingBatchLimit bounds how many pending jobs one dispatch pass claims.
const pendingBatchLimit = 500

// Scheduler creates, dispatches, and reaps measurement jobs. Every
// state change is a conditional transition, so losing a claim race is
// normal operation rather than an error.
type Scheduler struct {
	store    store.Store
	executor Executor
	cfg      config.SchedulerConfig
	paused   atomic.Bool
}

// New creates a Scheduler around a store and an executor.
func New(st store.Store, exec Executor, cfg config.SchedulerConfig) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 3
	}
	if cfg.JobTimeoutMins <= 0 {
		cfg.JobTimeoutMins = 10
	}
	if cfg.StaleAfterMins <= 0 {
		cfg.StaleAfterMins = 60
	}
	return &Scheduler{store: st, executor: exec, cfg: cfg}
}

// Pause stops new jobs from being dispatched. In-flight jobs finish.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	zap.L().Info("scheduler paused")
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	zap.L().Info("scheduler resumed")
}

// Paused reports whether dispatch is currently paused.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// ScheduleAll creates one pending collect job per enabled (site, device)
// pair. Pairs that already have a non-terminal job are skipped so a slow
// day's backlog never piles up duplicates. Returns the jobs created.
func (s *Scheduler) ScheduleAll(ctx context.Context) ([]model.Job, error) {
	sites, err := s.store.ListSites(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list sites")
	}

	log := zap.L().With(zap.String("component", "scheduler"))
	var created []model.Job
	for _, site := range sites {
		for _, device := range model.DefaultDeviceProfiles {
			active, err := s.store.ListActiveJobs(ctx, site.ID, device)
			if err != nil {
				return created, eris.Wrap(err, "scheduler: list active jobs")
			}
			if len(active) > 0 {
				log.Debug("skipping pair with active job",
					zap.String("site_id", site.ID),
					zap.String("device", string(device)),
				)
				continue
			}

			job, err := s.store.CreateJob(ctx, model.Job{
				SiteID: site.ID,
				Device: device,
				Kind:   model.JobKindCollect,
				Status: model.JobPending,
			})
			if eris.Is(err, store.ErrConflict) {
				// A concurrent fan-out won the insert between our active
				// check and this create. The pair is covered either way.
				log.Debug("pair scheduled concurrently, skipping",
					zap.String("site_id", site.ID),
					zap.String("device", string(device)),
				)
				continue
			}
			if err != nil {
				return created, eris.Wrap(err, "scheduler: create job")
			}
			created = append(created, *job)
		}
	}
	log.Info("scheduled collection jobs",
		zap.Int("created", len(created)),
		zap.Int("sites", len(sites)),
	)
	return created, nil
}

// RunPending claims due pending jobs and executes them on a bounded
// worker pool. It blocks until the claimed batch has drained.
func (s *Scheduler) RunPending(ctx context.Context) error {
	if s.paused.Load() {
		zap.L().Info("scheduler: dispatch skipped, paused")
		return nil
	}

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		Status: model.JobPending,
		Limit:  pendingBatchLimit,
	})
	if err != nil {
		return eris.Wrap(err, "scheduler: list pending jobs")
	}

	now := time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	dispatched := 0
	for _, job := range jobs {
		if s.paused.Load() {
			break
		}
		if job.ScheduledFor.After(now) {
			continue
		}

		// Claim before handing to a worker. A conflict means another
		// dispatcher got there first.
		err := s.store.TransitionJob(ctx, job.ID, model.JobPending, model.JobQueued)
		if eris.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return eris.Wrap(err, "scheduler: queue job")
		}

		job := job
		dispatched++
		g.Go(func() error {
			s.runJob(gctx, job)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "scheduler: worker pool")
	}
	zap.L().Info("dispatch pass complete",
		zap.Int("pending", len(jobs)),
		zap.Int("dispatched", dispatched),
	)
	return nil
}

// runJob drives one job through running to a terminal state or back to
// pending for a later retry. Persistence failures fail the attempt; the
// job's state is never guessed.
func (s *Scheduler) runJob(ctx context.Context, job model.Job) {
	log := zap.L().With(
		zap.String("component", "scheduler"),
		zap.String("job_id", job.ID),
		zap.String("site_id", job.SiteID),
		zap.String("device", string(job.Device)),
	)

	err := s.store.TransitionJob(ctx, job.ID, model.JobQueued, model.JobRunning)
	if eris.Is(err, store.ErrConflict) {
		log.Debug("lost claim race, skipping")
		return
	}
	if err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout())
	defer cancel()

	start := time.Now()
	execErr := s.executor.Execute(jobCtx, job)
	if execErr == nil {
		if err := s.store.TransitionJob(ctx, job.ID, model.JobRunning, model.JobCompleted); err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
			return
		}
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		return
	}

	if jobCtx.Err() == context.DeadlineExceeded {
		execErr = eris.Wrap(execErr, "job timed out")
	}

	attempt := job.RetryCount + 1
	if attempt >= s.cfg.MaxJobAttempts {
		if err := s.store.FailJob(ctx, job.ID, model.JobRunning, execErr.Error()); err != nil {
			log.Error("failed to mark job failed", zap.Error(err))
			return
		}
		log.Warn("job failed, retries exhausted",
			zap.Int("attempts", attempt),
			zap.Error(execErr),
		)
		return
	}

	// Hand the job back to the queue with exponential backoff so the
	// next dispatch pass does not hammer a failing site.
	nextRun := time.Now().UTC().Add(s.cfg.RetryBackoff() << job.RetryCount)
	if err := s.store.RequeueJob(ctx, job.ID, model.JobRunning, nextRun); err != nil {
		log.Error("failed to requeue job", zap.Error(err))
		return
	}
	log.Warn("job attempt failed, requeued",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", s.cfg.MaxJobAttempts),
		zap.Time("next_run", nextRun),
		zap.Error(execErr),
	)
}

// errJobStuck is recorded on jobs the reaper force-fails.
const errJobStuck = "job stuck: exceeded staleness threshold"

// ReapStuckJobs force-fails jobs stranded in pending, queued, or
// running past the staleness threshold, typically by a crashed worker.
// Failing them frees the (site, device) pair for the next schedule
// pass. Conditional transitions make the sweep idempotent and safe to
// race with live workers.
func (s *Scheduler) ReapStuckJobs(ctx context.Context) (int, error) {
	stuck, err := s.store.ListJobsOlderThan(ctx,
		[]model.JobStatus{model.JobPending, model.JobQueued, model.JobRunning}, s.cfg.StaleAfter())
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: list stuck jobs")
	}

	log := zap.L().With(zap.String("component", "scheduler.reaper"))
	reaped := 0
	for _, job := range stuck {
		err := s.store.FailJob(ctx, job.ID, job.Status, errJobStuck)
		if eris.Is(err, store.ErrConflict) {
			// The job finished (or moved on) between the listing and
			// the sweep. Leave it alone.
			continue
		}
		if err != nil {
			return reaped, eris.Wrap(err, "scheduler: reap job")
		}
		log.Warn("reaped stuck job",
			zap.String("job_id", job.ID),
			zap.String("was", string(job.Status)),
			zap.Int("retry_count", job.RetryCount),
		)
		reaped++
	}
	return reaped, nil
}
