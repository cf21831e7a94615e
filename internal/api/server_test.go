package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syatt-io/perfwatch/internal/config"
	"github.com/syatt-io/perfwatch/internal/detector"
	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/monitoring"
	"github.com/syatt-io/perfwatch/internal/scheduler"
	"github.com/syatt-io/perfwatch/internal/store"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, model.Job) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, store.Store, *scheduler.Scheduler) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	sch := scheduler.New(st, noopExecutor{}, config.SchedulerConfig{})
	det := detector.New(st, config.DetectorConfig{}, nil)
	status := monitoring.NewStatusCollector(st, sch)

	srv := httptest.NewServer(New(st, sch, det, status).Router())
	t.Cleanup(srv.Close)
	return srv, st, sch
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestAPI_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_CreateAndListSites(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sites", `{"name":"Acme","url":"https://acme.example"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.Site
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.MonitoringEnabled)

	var sites []model.Site
	getJSON(t, srv.URL+"/api/sites", &sites)
	require.Len(t, sites, 1)
	assert.Equal(t, "Acme", sites[0].Name)
}

func TestAPI_CreateSite_RequiresURL(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sites", `{"name":"NoURL"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_EnableDisableSite(t *testing.T) {
	srv, st, _ := newTestServer(t)

	site, err := st.CreateSite(context.Background(), model.Site{
		Name: "Acme", URL: "https://acme.example", MonitoringEnabled: true,
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/sites/"+site.ID+"/disable", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := st.GetSite(context.Background(), site.ID)
	require.NoError(t, err)
	assert.False(t, got.MonitoringEnabled)

	resp = postJSON(t, srv.URL+"/api/sites/missing/enable", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CollectAll_CreatesJobs(t *testing.T) {
	srv, st, _ := newTestServer(t)

	_, err := st.CreateSite(context.Background(), model.Site{
		Name: "Acme", URL: "https://acme.example", MonitoringEnabled: true,
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/collect", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2), body["jobs_created"])
}

func TestAPI_CollectSite_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sites/missing/collect", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_PauseResume(t *testing.T) {
	srv, _, sch := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/pool/pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sch.Paused())

	resp = postJSON(t, srv.URL+"/api/pool/resume", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, sch.Paused())
}

func TestAPI_ListJobsFiltered(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	site, err := st.CreateSite(ctx, model.Site{Name: "Acme", URL: "https://acme.example", MonitoringEnabled: true})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, model.Job{SiteID: site.ID, Device: model.DeviceMobile, Status: model.JobFailed})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, model.Job{SiteID: site.ID, Device: model.DeviceDesktop})
	require.NoError(t, err)

	var jobs []model.Job
	getJSON(t, srv.URL+"/api/jobs?status=failed", &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)
}

func TestAPI_AnomalyReview(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	rec, err := st.CreateAnomaly(ctx, model.AnomalyRecord{
		SiteID: "site-1", Device: model.DeviceMobile, Metric: model.MetricLoadDelay,
		Value: 180, ExpectedMin: 80, ExpectedMax: 120, DeviationStd: 4, Confidence: 0.997,
	})
	require.NoError(t, err)

	var recs []model.AnomalyRecord
	getJSON(t, srv.URL+"/api/anomalies?status=active", &recs)
	require.Len(t, recs, 1)

	resp := postJSON(t, srv.URL+"/api/anomalies/"+rec.ID+"/false-positive", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Already terminal; a second transition conflicts.
	resp = postJSON(t, srv.URL+"/api/anomalies/"+rec.ID+"/resolve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_Status(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var snap monitoring.Snapshot
	resp := getJSON(t, srv.URL+"/api/status", &snap)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 24, snap.LookbackHours)
}
