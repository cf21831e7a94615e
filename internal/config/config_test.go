package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Collector.RunsPerSample)
	assert.Equal(t, 3, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10, cfg.Scheduler.JobTimeoutMins)
	assert.Equal(t, 60, cfg.Scheduler.StaleAfterMins)
	assert.Equal(t, 30, cfg.Scheduler.RetryBackoffSecs)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.DispatchCron)
	assert.Equal(t, 30, cfg.Detector.WindowDays)
	assert.Equal(t, 10, cfg.Detector.MinSamples)
	assert.Equal(t, 2.5, cfg.Detector.ZThreshold)
	assert.Equal(t, 10, cfg.Provider.PollIntervalSecs)
	assert.Equal(t, 30, cfg.Provider.MaxPolls)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := chdirTemp(t)

	content := []byte(`
scheduler:
  concurrency: 5
  stale_after_mins: 120
detector:
  z_threshold: 3.0
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Scheduler.Concurrency)
	assert.Equal(t, 120, cfg.Scheduler.StaleAfterMins)
	assert.Equal(t, 3.0, cfg.Detector.ZThreshold)
	// Untouched defaults survive.
	assert.Equal(t, 3, cfg.Scheduler.MaxJobAttempts)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PERFWATCH_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestSchedulerConfig_Durations(t *testing.T) {
	c := SchedulerConfig{JobTimeoutMins: 10, RetryBackoffSecs: 30, StaleAfterMins: 60}
	assert.Equal(t, "10m0s", c.JobTimeout().String())
	assert.Equal(t, "30s", c.RetryBackoff().String())
	assert.Equal(t, "1h0m0s", c.StaleAfter().String())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}

// chdirTemp switches the working directory to a fresh temp dir so Load
// never picks up a developer's local config.yaml.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}
