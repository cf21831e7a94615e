package model

import "time"

// Metric names the numeric fields a measurement can report. The set is
// fixed; providers that do not report a field leave it absent rather
// than zero.
type Metric string

const (
	MetricLoadDelay       Metric = "load_delay"
	MetricPaintTime       Metric = "paint_time"
	MetricInteractiveTime Metric = "interactive_time"
	MetricVisualStability Metric = "visual_stability"
	MetricByteWeight      Metric = "byte_weight"
	MetricRequestCount    Metric = "request_count"
	MetricOverallScore    Metric = "overall_score"
)

// AllMetrics lists every metric field in a stable order.
var AllMetrics = []Metric{
	MetricLoadDelay,
	MetricPaintTime,
	MetricInteractiveTime,
	MetricVisualStability,
	MetricByteWeight,
	MetricRequestCount,
	MetricOverallScore,
}

// MetricPolarity says which direction of movement is a regression.
type MetricPolarity int

const (
	// HigherIsWorse marks latency-like metrics where growth is a regression.
	HigherIsWorse MetricPolarity = iota
	// HigherIsBetter marks score-like metrics where shrinkage is a regression.
	HigherIsBetter
)

// MetricPolarities is the fixed per-metric regression direction. It is
// configuration, never inferred from data.
var MetricPolarities = map[Metric]MetricPolarity{
	MetricLoadDelay:       HigherIsWorse,
	MetricPaintTime:       HigherIsWorse,
	MetricInteractiveTime: HigherIsWorse,
	MetricVisualStability: HigherIsWorse,
	MetricByteWeight:      HigherIsWorse,
	MetricRequestCount:    HigherIsWorse,
	MetricOverallScore:    HigherIsBetter,
}

// MetricValues holds the optional numeric fields shared by raw runs and
// aggregated samples. Nil means the provider did not report the field.
type MetricValues struct {
	LoadDelay       *float64 `json:"load_delay,omitempty"`
	PaintTime       *float64 `json:"paint_time,omitempty"`
	InteractiveTime *float64 `json:"interactive_time,omitempty"`
	VisualStability *float64 `json:"visual_stability,omitempty"`
	ByteWeight      *float64 `json:"byte_weight,omitempty"`
	RequestCount    *float64 `json:"request_count,omitempty"`
	OverallScore    *float64 `json:"overall_score,omitempty"`
}

// Get returns the value for the named metric and whether it is present.
func (v *MetricValues) Get(m Metric) (float64, bool) {
	p := v.field(m)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// Set stores a value for the named metric.
func (v *MetricValues) Set(m Metric, val float64) {
	p := v.field(m)
	if p != nil {
		*p = &val
	}
}

func (v *MetricValues) field(m Metric) **float64 {
	switch m {
	case MetricLoadDelay:
		return &v.LoadDelay
	case MetricPaintTime:
		return &v.PaintTime
	case MetricInteractiveTime:
		return &v.InteractiveTime
	case MetricVisualStability:
		return &v.VisualStability
	case MetricByteWeight:
		return &v.ByteWeight
	case MetricRequestCount:
		return &v.RequestCount
	case MetricOverallScore:
		return &v.OverallScore
	default:
		return nil
	}
}

// MetricSample is one aggregated measurement for a (site, device,
// timestamp). Created exactly once per successful job and immutable after
// creation.
type MetricSample struct {
	ID         string        `json:"id"`
	SiteID     string        `json:"site_id"`
	Device     DeviceProfile `json:"device"`
	PageType   string        `json:"page_type"`
	MeasuredAt time.Time     `json:"measured_at"`
	Metrics    MetricValues  `json:"metrics"`
}

// RawRun is one individual pre-aggregation measurement attempt. BatchID
// groups the runs that fed a single MetricSample. Retained for audit only.
type RawRun struct {
	ID         string        `json:"id"`
	BatchID    string        `json:"batch_id"`
	SiteID     string        `json:"site_id"`
	Device     DeviceProfile `json:"device"`
	RunIndex   int           `json:"run_index"`
	MeasuredAt time.Time     `json:"measured_at"`
	Metrics    MetricValues  `json:"metrics"`
}
