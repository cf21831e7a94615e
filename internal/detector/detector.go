// Package detector classifies fresh metric samples against a rolling
// history window and maintains anomaly records.
package detector

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/config"
	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

// Emitter receives newly created anomaly records for downstream alerting.
type Emitter interface {
	EmitAnomaly(ctx context.Context, rec model.AnomalyRecord)
}

// Detector computes rolling z-scores per metric and upserts anomaly
// records for regressions past the configured threshold.
type Detector struct {
	store store.Store
	cfg   config.DetectorConfig
	emit  Emitter
}

// New creates a Detector. emit may be nil when no alerting is wired.
func New(st store.Store, cfg config.DetectorConfig, emit Emitter) *Detector {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 2.5
	}
	if cfg.ResolveGraceDays == 0 {
		cfg.ResolveGraceDays = 7
	}
	return &Detector{store: st, cfg: cfg, emit: emit}
}

// Detect evaluates the latest sample for one (site, device) pair and
// returns the anomaly records that are active after the evaluation.
// Metrics with insufficient history or constant history are skipped,
// not errors.
func (d *Detector) Detect(ctx context.Context, siteID string, device model.DeviceProfile) ([]model.AnomalyRecord, error) {
	log := zap.L().With(
		zap.String("component", "detector"),
		zap.String("site_id", siteID),
		zap.String("device", string(device)),
	)

	latest, err := d.store.LatestSample(ctx, siteID, device)
	if err != nil {
		return nil, eris.Wrap(err, "detector: load latest sample")
	}
	if latest == nil {
		log.Debug("no samples yet, nothing to evaluate")
		return nil, nil
	}

	window := time.Duration(d.cfg.WindowDays) * 24 * time.Hour
	since := latest.MeasuredAt.Add(-window)

	var out []model.AnomalyRecord
	for _, metric := range model.AllMetrics {
		current, ok := latest.Metrics.Get(metric)
		if !ok {
			continue
		}

		// The exclusive upper bound keeps the sample under evaluation
		// out of its own baseline.
		history, err := d.store.QueryHistory(ctx, siteID, device, metric, since, latest.MeasuredAt)
		if err != nil {
			return nil, eris.Wrapf(err, "detector: history for %s", metric)
		}
		if len(history) < d.cfg.MinSamples {
			log.Debug("insufficient history",
				zap.String("metric", string(metric)),
				zap.Int("samples", len(history)),
				zap.Int("min", d.cfg.MinSamples),
			)
			continue
		}

		mean, stddev := meanStddev(history)
		if stddev == 0 {
			log.Debug("constant history, insufficient variance to assess",
				zap.String("metric", string(metric)))
			continue
		}

		z := (current - mean) / stddev
		if math.Abs(z) < d.cfg.ZThreshold {
			continue
		}
		if !isRegression(metric, z) {
			log.Info("deviation is an improvement, not flagged",
				zap.String("metric", string(metric)),
				zap.Float64("z", z),
			)
			continue
		}

		rec := model.AnomalyRecord{
			SiteID:       siteID,
			Device:       device,
			Metric:       metric,
			Value:        current,
			ExpectedMin:  mean - 2*stddev,
			ExpectedMax:  mean + 2*stddev,
			DeviationStd: math.Abs(z),
			Confidence:   confidenceFor(math.Abs(z)),
		}

		saved, err := d.upsert(ctx, rec, log)
		if err != nil {
			return nil, err
		}
		out = append(out, *saved)
	}
	return out, nil
}

// upsert refreshes an existing active record for (site, device, metric)
// in place, or creates a new one. Only creations are emitted downstream
// to avoid repeated alerts for a persisting regression.
func (d *Detector) upsert(ctx context.Context, rec model.AnomalyRecord, log *zap.Logger) (*model.AnomalyRecord, error) {
	existing, err := d.store.GetActiveAnomaly(ctx, rec.SiteID, rec.Device, rec.Metric)
	if err != nil {
		return nil, eris.Wrap(err, "detector: lookup active anomaly")
	}

	if existing != nil {
		existing.Value = rec.Value
		existing.ExpectedMin = rec.ExpectedMin
		existing.ExpectedMax = rec.ExpectedMax
		existing.DeviationStd = rec.DeviationStd
		existing.Confidence = rec.Confidence
		if err := d.store.UpdateAnomaly(ctx, *existing); err != nil {
			return nil, eris.Wrap(err, "detector: update anomaly")
		}
		log.Info("refreshed active anomaly",
			zap.String("metric", string(rec.Metric)),
			zap.Float64("value", rec.Value),
			zap.Float64("deviation_std", rec.DeviationStd),
		)
		return existing, nil
	}

	created, err := d.store.CreateAnomaly(ctx, rec)
	if err != nil {
		return nil, eris.Wrap(err, "detector: create anomaly")
	}
	log.Warn("anomaly detected",
		zap.String("metric", string(rec.Metric)),
		zap.Float64("value", rec.Value),
		zap.Float64("expected_min", rec.ExpectedMin),
		zap.Float64("expected_max", rec.ExpectedMax),
		zap.Float64("deviation_std", rec.DeviationStd),
		zap.Float64("confidence", rec.Confidence),
	)
	if d.emit != nil {
		d.emit.EmitAnomaly(ctx, *created)
	}
	return created, nil
}

// ResolveStale resolves active anomalies past the grace period whose
// current value has returned inside the expected range recorded at
// detection time. Returns the number resolved.
func (d *Detector) ResolveStale(ctx context.Context) (int, error) {
	grace := time.Duration(d.cfg.ResolveGraceDays) * 24 * time.Hour
	aged, err := d.store.ListActiveAnomaliesOlderThan(ctx, grace)
	if err != nil {
		return 0, eris.Wrap(err, "detector: list aged anomalies")
	}

	log := zap.L().With(zap.String("component", "detector"))
	resolved := 0
	for _, rec := range aged {
		latest, err := d.store.LatestSample(ctx, rec.SiteID, rec.Device)
		if err != nil {
			return resolved, eris.Wrap(err, "detector: latest sample for resolve")
		}
		if latest == nil {
			continue
		}
		current, ok := latest.Metrics.Get(rec.Metric)
		if !ok || !rec.InExpectedRange(current) {
			continue
		}

		err = d.store.SetAnomalyStatus(ctx, rec.ID, model.AnomalyActive, model.AnomalyResolved)
		if eris.Is(err, store.ErrConflict) {
			// An operator got there first.
			continue
		}
		if err != nil {
			return resolved, eris.Wrap(err, "detector: resolve anomaly")
		}
		log.Info("anomaly auto-resolved",
			zap.String("anomaly_id", rec.ID),
			zap.String("site_id", rec.SiteID),
			zap.String("metric", string(rec.Metric)),
			zap.Float64("current", current),
		)
		resolved++
	}
	return resolved, nil
}

// isRegression reports whether the deviation direction is the bad one
// for the metric's polarity.
func isRegression(metric model.Metric, z float64) bool {
	switch model.MetricPolarities[metric] {
	case model.HigherIsBetter:
		return z < 0
	default:
		return z > 0
	}
}

// confidenceFor maps a z magnitude to a coarse confidence tier.
func confidenceFor(absZ float64) float64 {
	switch {
	case absZ >= 3.0:
		return 0.997
	case absZ >= 2.5:
		return 0.987
	case absZ >= 2.0:
		return 0.954
	case absZ >= 1.5:
		return 0.866
	default:
		return 0.68
	}
}

func meanStddev(vals []float64) (float64, float64) {
	n := float64(len(vals))
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}
