package scheduler

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/collector"
	"github.com/syatt-io/perfwatch/internal/detector"
	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

// Executor performs the actual work of a claimed job. The queue only
// cares whether it succeeded.
type Executor interface {
	Execute(ctx context.Context, job model.Job) error
}

// CollectExecutor runs a measurement batch for a job's (site, device)
// pair, persists the aggregated sample, and invokes anomaly detection
// on the fresh sample.
type CollectExecutor struct {
	store        store.Store
	orchestrator *collector.Orchestrator
	detector     *detector.Detector
}

// NewCollectExecutor wires the collection path behind the job queue.
// det may be nil to skip inline detection.
func NewCollectExecutor(st store.Store, orc *collector.Orchestrator, det *detector.Detector) *CollectExecutor {
	return &CollectExecutor{store: st, orchestrator: orc, detector: det}
}

func (e *CollectExecutor) Execute(ctx context.Context, job model.Job) error {
	site, err := e.store.GetSite(ctx, job.SiteID)
	if err != nil {
		return eris.Wrapf(err, "executor: load site %s", job.SiteID)
	}

	runs, err := e.orchestrator.CollectRuns(ctx, *site, job.Device)
	if err != nil {
		return eris.Wrap(err, "executor: collect runs")
	}

	sample, err := collector.Aggregate(*site, job.Device, runs)
	if err != nil {
		return eris.Wrap(err, "executor: aggregate runs")
	}

	// Raw runs are kept for a bounded window for debugging; the sample
	// is the durable record. Persist the sample first so a raw-run
	// failure cannot lose the measurement.
	if err := e.store.AppendSample(ctx, *sample); err != nil {
		return eris.Wrap(err, "executor: append sample")
	}
	if err := e.store.InsertRawRuns(ctx, runs); err != nil {
		zap.L().Warn("failed to persist raw runs",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	if e.detector != nil {
		if _, err := e.detector.Detect(ctx, job.SiteID, job.Device); err != nil {
			// Detection failures must not fail a job whose sample is
			// already durable. The periodic sweep will catch up.
			zap.L().Error("anomaly detection failed",
				zap.String("job_id", job.ID),
				zap.String("site_id", job.SiteID),
				zap.Error(err),
			)
		}
	}
	return nil
}
