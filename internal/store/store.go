// Package store defines persistence for sites, jobs, samples, and
// anomalies, with sqlite and postgres drivers.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/syatt-io/perfwatch/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a conditional state transition finds the
// record in a different state than expected. Callers treat this as
// losing a race, not as a fault.
var ErrConflict = eris.New("store: conflicting state transition")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	SiteID string          `json:"site_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// AnomalyFilter specifies criteria for listing anomalies.
type AnomalyFilter struct {
	Status model.AnomalyStatus `json:"status,omitempty"`
	SiteID string              `json:"site_id,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// Store is the persistence interface for the measurement pipeline. Every
// job state change goes through a conditional transition so concurrent
// workers and the reaper can never both claim the same job.
type Store interface {
	// Sites
	CreateSite(ctx context.Context, site model.Site) (*model.Site, error)
	GetSite(ctx context.Context, id string) (*model.Site, error)
	ListSites(ctx context.Context, enabledOnly bool) ([]model.Site, error)
	SetSiteEnabled(ctx context.Context, id string, enabled bool) error

	// Jobs
	//
	// CreateJob inserts a job. At most one job in pending, queued, or
	// running may exist per (site, device) pair; an insert that would
	// make a second returns ErrConflict.
	CreateJob(ctx context.Context, job model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	// ListActiveJobs returns non-terminal jobs for one (site, device) pair.
	ListActiveJobs(ctx context.Context, siteID string, device model.DeviceProfile) ([]model.Job, error)
	// TransitionJob conditionally moves a job from one state to another.
	// Returns ErrConflict when the job is not in the expected state.
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus) error
	// FailJob conditionally moves a job to failed and records the error.
	FailJob(ctx context.Context, id string, from model.JobStatus, errMsg string) error
	// RequeueJob conditionally moves a job back to pending for another
	// attempt, bumping retry_count and deferring dispatch until nextRun.
	// Returns ErrConflict when the job is not in the expected state.
	RequeueJob(ctx context.Context, id string, from model.JobStatus, nextRun time.Time) error
	// ListJobsOlderThan returns jobs in any of the given states whose last
	// update is older than age.
	ListJobsOlderThan(ctx context.Context, states []model.JobStatus, age time.Duration) ([]model.Job, error)

	// Samples
	AppendSample(ctx context.Context, sample model.MetricSample) error
	LatestSample(ctx context.Context, siteID string, device model.DeviceProfile) (*model.MetricSample, error)
	// QueryHistory returns metric values measured in [since, before),
	// oldest first. The exclusive upper bound lets the detector keep the
	// sample under evaluation out of its own baseline.
	QueryHistory(ctx context.Context, siteID string, device model.DeviceProfile, metric model.Metric, since, before time.Time) ([]float64, error)
	InsertRawRuns(ctx context.Context, runs []model.RawRun) error
	DeleteRawRunsOlderThan(ctx context.Context, age time.Duration) (int, error)

	// Anomalies
	CreateAnomaly(ctx context.Context, rec model.AnomalyRecord) (*model.AnomalyRecord, error)
	// UpdateAnomaly refreshes value, range, deviation, and confidence of an
	// existing record in place.
	UpdateAnomaly(ctx context.Context, rec model.AnomalyRecord) error
	// GetActiveAnomaly returns the active record for (site, device, metric),
	// or nil when none exists.
	GetActiveAnomaly(ctx context.Context, siteID string, device model.DeviceProfile, metric model.Metric) (*model.AnomalyRecord, error)
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]model.AnomalyRecord, error)
	ListActiveAnomaliesOlderThan(ctx context.Context, age time.Duration) ([]model.AnomalyRecord, error)
	// SetAnomalyStatus conditionally transitions an anomaly, stamping
	// resolved_at for terminal states. Returns ErrConflict on a state
	// mismatch.
	SetAnomalyStatus(ctx context.Context, id string, from, to model.AnomalyStatus) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
