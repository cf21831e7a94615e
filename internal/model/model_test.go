package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricValues_GetSet(t *testing.T) {
	var v MetricValues

	_, ok := v.Get(MetricLoadDelay)
	assert.False(t, ok, "unset field should be absent")

	v.Set(MetricLoadDelay, 2.3)
	got, ok := v.Get(MetricLoadDelay)
	require.True(t, ok)
	assert.Equal(t, 2.3, got)

	// Zero is a legitimate reported value, distinct from absent.
	v.Set(MetricVisualStability, 0)
	got, ok = v.Get(MetricVisualStability)
	require.True(t, ok)
	assert.Equal(t, 0.0, got)
}

func TestMetricValues_UnknownMetric(t *testing.T) {
	var v MetricValues
	v.Set(Metric("bogus"), 1)
	_, ok := v.Get(Metric("bogus"))
	assert.False(t, ok)
}

func TestMetricPolarities_CoverAllMetrics(t *testing.T) {
	for _, m := range AllMetrics {
		_, ok := MetricPolarities[m]
		assert.True(t, ok, "metric %s missing polarity", m)
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
}

func TestAnomalyRecord_InExpectedRange(t *testing.T) {
	a := AnomalyRecord{ExpectedMin: 80, ExpectedMax: 120}
	assert.True(t, a.InExpectedRange(80))
	assert.True(t, a.InExpectedRange(120))
	assert.True(t, a.InExpectedRange(100))
	assert.False(t, a.InExpectedRange(79.9))
	assert.False(t, a.InExpectedRange(120.1))
}

func TestDeviceProfile_Valid(t *testing.T) {
	assert.True(t, DeviceMobile.Valid())
	assert.True(t, DeviceDesktop.Valid())
	assert.False(t, DeviceProfile("tablet").Valid())
}
