package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/config"
	"github.com/syatt-io/perfwatch/internal/detector"
	"github.com/syatt-io/perfwatch/internal/store"
)

// Service runs the scheduler's periodic cadences: the daily collection
// fan-out, frequent dispatch passes that pick up retries, hourly
// reaping, and the daily resolve-and-prune sweep.
type Service struct {
	scheduler *Scheduler
	detector  *detector.Detector
	store     store.Store
	cfg       config.SchedulerConfig
	cron      *cron.Cron
}

// NewService wires the periodic cadences around a scheduler.
func NewService(s *Scheduler, det *detector.Detector, st store.Store, cfg config.SchedulerConfig) *Service {
	// Standard 5-field cron expressions (minute hour day month weekday).
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Service{scheduler: s, detector: det, store: st, cfg: cfg, cron: c}
}

// Start registers the cron entries and starts the cron loop. It returns
// once the loop is running; jobs fire in background goroutines until
// ctx is cancelled or Stop is called.
func (sv *Service) Start(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler.service"))

	_, err := sv.cron.AddFunc(sv.cfg.CollectCron, func() {
		if _, err := sv.scheduler.ScheduleAll(ctx); err != nil {
			log.Error("scheduled collection fan-out failed", zap.Error(err))
			return
		}
		if err := sv.scheduler.RunPending(ctx); err != nil {
			log.Error("scheduled dispatch failed", zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrapf(err, "service: bad collect cron %q", sv.cfg.CollectCron)
	}

	// Requeued retries carry a backed-off scheduled_for, so dispatch has
	// to run far more often than the daily fan-out or the reaper will
	// find them first and force-fail them as stuck.
	_, err = sv.cron.AddFunc(sv.cfg.DispatchCron, func() {
		if err := sv.scheduler.RunPending(ctx); err != nil {
			log.Error("dispatch pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrapf(err, "service: bad dispatch cron %q", sv.cfg.DispatchCron)
	}

	_, err = sv.cron.AddFunc(sv.cfg.ReapCron, func() {
		n, err := sv.scheduler.ReapStuckJobs(ctx)
		if err != nil {
			log.Error("reap sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("reap sweep complete", zap.Int("reaped", n))
			// Reaping failed the stuck jobs; replacements can be
			// scheduled for their (site, device) pairs right away.
			if created, err := sv.scheduler.ScheduleAll(ctx); err != nil {
				log.Error("post-reap schedule failed", zap.Error(err))
			} else if len(created) > 0 {
				if err := sv.scheduler.RunPending(ctx); err != nil {
					log.Error("post-reap dispatch failed", zap.Error(err))
				}
			}
		}
	})
	if err != nil {
		return eris.Wrapf(err, "service: bad reap cron %q", sv.cfg.ReapCron)
	}

	_, err = sv.cron.AddFunc(sv.cfg.ResolveCron, func() {
		resolved, err := sv.detector.ResolveStale(ctx)
		if err != nil {
			log.Error("resolve sweep failed", zap.Error(err))
		} else if resolved > 0 {
			log.Info("resolve sweep complete", zap.Int("resolved", resolved))
		}

		retention := time.Duration(sv.cfg.RawRetentionDays) * 24 * time.Hour
		if retention <= 0 {
			return
		}
		pruned, err := sv.store.DeleteRawRunsOlderThan(ctx, retention)
		if err != nil {
			log.Error("raw run prune failed", zap.Error(err))
		} else if pruned > 0 {
			log.Info("pruned raw runs", zap.Int("deleted", pruned))
		}
	})
	if err != nil {
		return eris.Wrapf(err, "service: bad resolve cron %q", sv.cfg.ResolveCron)
	}

	sv.cron.Start()
	log.Info("scheduler service started",
		zap.String("collect_cron", sv.cfg.CollectCron),
		zap.String("dispatch_cron", sv.cfg.DispatchCron),
		zap.String("reap_cron", sv.cfg.ReapCron),
		zap.String("resolve_cron", sv.cfg.ResolveCron),
	)

	go func() {
		<-ctx.Done()
		sv.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for running entries to finish.
func (sv *Service) Stop() {
	stopCtx := sv.cron.Stop()
	<-stopCtx.Done()
	zap.L().Info("scheduler service stopped")
}
