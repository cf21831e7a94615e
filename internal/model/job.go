package model

import "time"

// JobStatus represents the lifecycle state of a collection job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobKind identifies what kind of work a job performs.
type JobKind string

const (
	// JobKindCollect measures a (site, device) pair and persists one sample.
	JobKindCollect JobKind = "collect"
)

// Job is one unit of scheduled measurement work. At most one job per
// (site, device) pair may be in a non-terminal state at a time; the
// scheduler enforces this before enqueue via conditional transitions.
type Job struct {
	ID           string        `json:"id"`
	SiteID       string        `json:"site_id"`
	Device       DeviceProfile `json:"device"`
	Kind         JobKind       `json:"kind"`
	Status       JobStatus     `json:"status"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Error        string        `json:"error,omitempty"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
