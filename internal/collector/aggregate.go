package collector

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/model"
)

// ErrNoSuccessfulRuns is returned when every run in a batch failed.
var ErrNoSuccessfulRuns = eris.New("collector: no successful runs in batch")

// CollectRuns executes the configured number of sequential measurement
// runs for one (site, device) pair. Runs are strictly sequential with a
// short delay between them; a single failed run does not abort the batch.
// At least one run must succeed or the batch fails.
func (o *Orchestrator) CollectRuns(ctx context.Context, site model.Site, device model.DeviceProfile) ([]model.RawRun, error) {
	batchID := uuid.New().String()
	n := o.cfg.RunsPerSample

	var runs []model.RawRun
	var lastErr error

	for i := 0; i < n; i++ {
		if i > 0 {
			timer := time.NewTimer(o.cfg.RunDelay)
			select {
			case <-ctx.Done():
				// Cancelled jobs must not write samples; drop partial runs.
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		vals, err := o.Collect(ctx, site.URL, device)
		if err != nil {
			lastErr = err
			zap.L().Warn("measurement run failed",
				zap.String("site_id", site.ID),
				zap.String("device", string(device)),
				zap.Int("run_index", i),
				zap.Error(err),
			)
			continue
		}

		runs = append(runs, model.RawRun{
			ID:         uuid.New().String(),
			BatchID:    batchID,
			SiteID:     site.ID,
			Device:     device,
			RunIndex:   i,
			MeasuredAt: time.Now().UTC(),
			Metrics:    *vals,
		})
	}

	if len(runs) == 0 {
		if lastErr != nil {
			return nil, eris.Wrap(lastErr, "collector: all runs failed")
		}
		return nil, ErrNoSuccessfulRuns
	}
	return runs, nil
}

// Aggregate reduces a batch of raw runs to one sample via per-field
// median. A field's median is computed over only the runs that reported
// it; absent values are excluded, never treated as zero.
func Aggregate(site model.Site, device model.DeviceProfile, runs []model.RawRun) (*model.MetricSample, error) {
	if len(runs) == 0 {
		return nil, ErrNoSuccessfulRuns
	}

	sample := &model.MetricSample{
		ID:         uuid.New().String(),
		SiteID:     site.ID,
		Device:     device,
		PageType:   site.PageType,
		MeasuredAt: time.Now().UTC(),
	}

	for _, m := range model.AllMetrics {
		var vals []float64
		for _, r := range runs {
			if v, ok := r.Metrics.Get(m); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		sample.Metrics.Set(m, median(vals))
	}

	return sample, nil
}

// median returns the standard median: middle value for odd counts, the
// mean of the two middle values for even counts. vals must be non-empty.
func median(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
