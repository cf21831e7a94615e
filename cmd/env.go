package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/syatt-io/perfwatch/internal/alert"
	"github.com/syatt-io/perfwatch/internal/collector"
	"github.com/syatt-io/perfwatch/internal/detector"
	"github.com/syatt-io/perfwatch/internal/provider"
	"github.com/syatt-io/perfwatch/internal/resilience"
	"github.com/syatt-io/perfwatch/internal/scheduler"
	"github.com/syatt-io/perfwatch/internal/store"
)

// pipelineEnv holds the initialized store and pipeline components shared by
// the schedule/collect/detect/serve commands.
type pipelineEnv struct {
	Store     store.Store
	Detector  *detector.Detector
	Scheduler *scheduler.Scheduler
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "perfwatch.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, provider client, collector, detector, and
// scheduler. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	opts := []provider.Option{
		provider.WithRateLimit(cfg.Provider.RatePerSec, cfg.Provider.RateBurst),
	}
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, provider.WithBaseURL(cfg.Provider.BaseURL))
	}
	client := provider.NewClient(cfg.Provider.Key, opts...)

	orc := collector.New(client, collector.Config{
		RunsPerSample:  cfg.Collector.RunsPerSample,
		RunDelay:       time.Duration(cfg.Collector.RunDelaySecs) * time.Second,
		PollInterval:   time.Duration(cfg.Provider.PollIntervalSecs) * time.Second,
		MaxPolls:       cfg.Provider.MaxPolls,
		BypassAttempts: cfg.Collector.BypassAttempts,
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Collector.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Collector.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Collector.MaxBackoffMs) * time.Millisecond,
		},
	})

	det := detector.New(st, cfg.Detector, alert.NewWebhook(cfg.Alert))
	exec := scheduler.NewCollectExecutor(st, orc, det)
	sched := scheduler.New(st, exec, cfg.Scheduler)

	return &pipelineEnv{
		Store:     st,
		Detector:  det,
		Scheduler: sched,
	}, nil
}
