package model

import "time"

// AnomalyStatus is the lifecycle state of a detected anomaly.
type AnomalyStatus string

const (
	AnomalyActive        AnomalyStatus = "active"
	AnomalyResolved      AnomalyStatus = "resolved"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
)

// AnomalyRecord is one detected metric regression. The expected range is
// a snapshot of mean ± 2σ at detection time; auto-resolution compares
// against this snapshot, never a recomputed range.
type AnomalyRecord struct {
	ID           string        `json:"id"`
	SiteID       string        `json:"site_id"`
	Device       DeviceProfile `json:"device"`
	Metric       Metric        `json:"metric"`
	Value        float64       `json:"value"`
	ExpectedMin  float64       `json:"expected_min"`
	ExpectedMax  float64       `json:"expected_max"`
	DeviationStd float64       `json:"deviation_std"`
	Confidence   float64       `json:"confidence"`
	Status       AnomalyStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// InExpectedRange reports whether v falls inside the snapshot range.
func (a *AnomalyRecord) InExpectedRange(v float64) bool {
	return v >= a.ExpectedMin && v <= a.ExpectedMax
}
