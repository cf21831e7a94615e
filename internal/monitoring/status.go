// Package monitoring builds point-in-time operational snapshots of the
// measurement pipeline for the status API and CLI.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

// snapshotListLimit bounds how many records one snapshot inspects.
const snapshotListLimit = 10000

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	// Job metrics within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsPending   int     `json:"jobs_pending"`
	JobsRunning   int     `json:"jobs_running"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Site registry.
	SitesTotal   int `json:"sites_total"`
	SitesEnabled int `json:"sites_enabled"`

	// Anomaly state (not windowed; an old active anomaly still matters).
	AnomaliesActive int `json:"anomalies_active"`

	// Dispatch state.
	Paused bool `json:"paused"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// PauseStater reports whether job dispatch is paused.
type PauseStater interface {
	Paused() bool
}

// StatusCollector gathers pipeline health from the store.
type StatusCollector struct {
	store store.Store
	pause PauseStater
}

// NewStatusCollector creates a status collector. pause may be nil when
// no scheduler is running in this process.
func NewStatusCollector(st store.Store, pause PauseStater) *StatusCollector {
	return &StatusCollector{store: st, pause: pause}
}

// Collect gathers a snapshot over the given lookback window.
func (c *StatusCollector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{Limit: snapshotListLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}
	for _, j := range jobs {
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case model.JobCompleted:
			snap.JobsCompleted++
		case model.JobFailed:
			snap.JobsFailed++
		case model.JobPending, model.JobQueued:
			snap.JobsPending++
		case model.JobRunning:
			snap.JobsRunning++
		}
	}
	finished := snap.JobsCompleted + snap.JobsFailed
	if finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	sites, err := c.store.ListSites(ctx, false)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sites")
	}
	snap.SitesTotal = len(sites)
	for _, s := range sites {
		if s.MonitoringEnabled {
			snap.SitesEnabled++
		}
	}

	active, err := c.store.ListAnomalies(ctx, store.AnomalyFilter{
		Status: model.AnomalyActive,
		Limit:  snapshotListLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list anomalies")
	}
	snap.AnomaliesActive = len(active)

	if c.pause != nil {
		snap.Paused = c.pause.Paused()
	}
	return snap, nil
}
