package monitoring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type stubPause bool

func (s stubPause) Paused() bool { return bool(s) }

func TestStatusCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	site, err := st.CreateSite(ctx, model.Site{Name: "Acme", URL: "https://acme.example", MonitoringEnabled: true})
	require.NoError(t, err)
	_, err = st.CreateSite(ctx, model.Site{Name: "Off", URL: "https://off.example"})
	require.NoError(t, err)

	for _, status := range []model.JobStatus{
		model.JobCompleted, model.JobCompleted, model.JobFailed,
		model.JobPending, model.JobRunning,
	} {
		_, err := st.CreateJob(ctx, model.Job{SiteID: site.ID, Device: model.DeviceMobile, Status: status})
		require.NoError(t, err)
	}

	_, err = st.CreateAnomaly(ctx, model.AnomalyRecord{
		SiteID: site.ID, Device: model.DeviceMobile, Metric: model.MetricLoadDelay,
		Value: 180, ExpectedMin: 80, ExpectedMax: 120, DeviationStd: 4, Confidence: 0.997,
	})
	require.NoError(t, err)

	c := NewStatusCollector(st, stubPause(true))
	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.JobsTotal)
	assert.Equal(t, 2, snap.JobsCompleted)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsPending)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.InDelta(t, 1.0/3.0, snap.JobFailRate, 1e-9)
	assert.Equal(t, 2, snap.SitesTotal)
	assert.Equal(t, 1, snap.SitesEnabled)
	assert.Equal(t, 1, snap.AnomaliesActive)
	assert.True(t, snap.Paused)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestStatusCollector_EmptyStore(t *testing.T) {
	st := newTestStore(t)

	c := NewStatusCollector(st, nil)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.JobsTotal)
	assert.Zero(t, snap.JobFailRate)
	assert.False(t, snap.Paused)
}
