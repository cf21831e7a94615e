package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/syatt-io/perfwatch/internal/model"
)

func TestFormatSitesList(t *testing.T) {
	sites := []model.Site{
		{
			ID:                "abc12345-6789-0000-0000-000000000000",
			Name:              "Acme Store",
			URL:               "https://acme.example",
			PageType:          "home",
			MonitoringEnabled: true,
		},
		{
			ID:                "def12345-6789-0000-0000-000000000000",
			Name:              "Beta Shop",
			URL:               "https://beta.example/products/widget",
			PageType:          "product",
			MonitoringEnabled: false,
		},
	}

	var buf bytes.Buffer
	formatSitesList(&buf, sites)

	output := buf.String()
	assert.Contains(t, output, "NAME")
	assert.Contains(t, output, "MONITORING")
	assert.Contains(t, output, "Acme Store")
	assert.Contains(t, output, "enabled")
	assert.Contains(t, output, "Beta Shop")
	assert.Contains(t, output, "disabled")
	assert.Contains(t, output, "abc12345")
}

func TestFormatJobsList(t *testing.T) {
	sched := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	jobs := []model.Job{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			SiteID:       "site1234-0000-0000-0000-000000000000",
			Device:       model.DeviceMobile,
			Status:       model.JobCompleted,
			ScheduledFor: sched,
		},
		{
			ID:           "def12345-6789-0000-0000-000000000000",
			SiteID:       "site1234-0000-0000-0000-000000000000",
			Device:       model.DeviceDesktop,
			Status:       model.JobFailed,
			RetryCount:   3,
			Error:        "collect runs: provider rejected the request after every retry and bypass attempt",
			ScheduledFor: sched,
		},
	}

	var buf bytes.Buffer
	formatJobsList(&buf, jobs)

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "2026-08-20 06:00")
	// Long errors are truncated for the table.
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, "bypass attempt")
}

func TestFormatAnomaliesList(t *testing.T) {
	recs := []model.AnomalyRecord{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			SiteID:       "site1234-0000-0000-0000-000000000000",
			Device:       model.DeviceMobile,
			Metric:       model.MetricLoadDelay,
			Value:        180,
			ExpectedMin:  80,
			ExpectedMax:  120,
			DeviationStd: 4.2,
			Confidence:   0.997,
			Status:       model.AnomalyActive,
			CreatedAt:    time.Date(2026, 8, 21, 9, 15, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	formatAnomaliesList(&buf, recs)

	output := buf.String()
	assert.Contains(t, output, "METRIC")
	assert.Contains(t, output, string(model.MetricLoadDelay))
	assert.Contains(t, output, "180.0")
	assert.Contains(t, output, "[80.0, 120.0]")
	assert.Contains(t, output, "0.997")
	assert.Contains(t, output, "active")
	assert.Contains(t, output, "2026-08-21 09:15")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc12345", shortID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", shortID("short"))
}
