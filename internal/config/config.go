// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Provider  ProviderConfig  `yaml:"provider" mapstructure:"provider"`
	Collector CollectorConfig `yaml:"collector" mapstructure:"collector"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Detector  DetectorConfig  `yaml:"detector" mapstructure:"detector"`
	Alert     AlertConfig     `yaml:"alert" mapstructure:"alert"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ProviderConfig configures the external measurement provider.
type ProviderConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PollIntervalSecs int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxPolls         int     `yaml:"max_polls" mapstructure:"max_polls"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RateBurst        int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// CollectorConfig configures retry, bypass, and aggregation behavior.
type CollectorConfig struct {
	RunsPerSample    int `yaml:"runs_per_sample" mapstructure:"runs_per_sample"`
	RunDelaySecs     int `yaml:"run_delay_secs" mapstructure:"run_delay_secs"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BypassAttempts   int `yaml:"bypass_attempts" mapstructure:"bypass_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// SchedulerConfig configures the job queue and worker pool.
type SchedulerConfig struct {
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxJobAttempts   int    `yaml:"max_job_attempts" mapstructure:"max_job_attempts"`
	JobTimeoutMins   int    `yaml:"job_timeout_mins" mapstructure:"job_timeout_mins"`
	RetryBackoffSecs int    `yaml:"retry_backoff_secs" mapstructure:"retry_backoff_secs"`
	StaleAfterMins   int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	CollectCron      string `yaml:"collect_cron" mapstructure:"collect_cron"`
	DispatchCron     string `yaml:"dispatch_cron" mapstructure:"dispatch_cron"`
	ReapCron         string `yaml:"reap_cron" mapstructure:"reap_cron"`
	ResolveCron      string `yaml:"resolve_cron" mapstructure:"resolve_cron"`
	RawRetentionDays int    `yaml:"raw_retention_days" mapstructure:"raw_retention_days"`
}

// JobTimeout returns the per-job timeout as a duration.
func (c SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMins) * time.Minute
}

// RetryBackoff returns the base delay before a failed attempt is retried.
func (c SchedulerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSecs) * time.Second
}

// StaleAfter returns the stuck-job staleness threshold as a duration.
func (c SchedulerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMins) * time.Minute
}

// DetectorConfig configures the statistical anomaly detector.
type DetectorConfig struct {
	WindowDays       int     `yaml:"window_days" mapstructure:"window_days"`
	MinSamples       int     `yaml:"min_samples" mapstructure:"min_samples"`
	ZThreshold       float64 `yaml:"z_threshold" mapstructure:"z_threshold"`
	ResolveGraceDays int     `yaml:"resolve_grace_days" mapstructure:"resolve_grace_days"`
}

// AlertConfig configures anomaly webhook delivery.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PERFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "perfwatch.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("provider.base_url", "https://measure.example.com/v1")
	v.SetDefault("provider.timeout_secs", 120)
	v.SetDefault("provider.poll_interval_secs", 10)
	v.SetDefault("provider.max_polls", 30)
	v.SetDefault("provider.rate_per_sec", 1.0)
	v.SetDefault("provider.rate_burst", 2)
	v.SetDefault("collector.runs_per_sample", 3)
	v.SetDefault("collector.run_delay_secs", 5)
	v.SetDefault("collector.max_attempts", 3)
	v.SetDefault("collector.bypass_attempts", 2)
	v.SetDefault("collector.initial_backoff_ms", 1000)
	v.SetDefault("collector.max_backoff_ms", 60000)
	v.SetDefault("scheduler.concurrency", 3)
	v.SetDefault("scheduler.max_job_attempts", 3)
	v.SetDefault("scheduler.job_timeout_mins", 10)
	v.SetDefault("scheduler.retry_backoff_secs", 30)
	v.SetDefault("scheduler.stale_after_mins", 60)
	v.SetDefault("scheduler.collect_cron", "0 6 * * *")
	v.SetDefault("scheduler.dispatch_cron", "*/5 * * * *")
	v.SetDefault("scheduler.reap_cron", "0 * * * *")
	v.SetDefault("scheduler.resolve_cron", "30 6 * * *")
	v.SetDefault("scheduler.raw_retention_days", 14)
	v.SetDefault("detector.window_days", 30)
	v.SetDefault("detector.min_samples", 10)
	v.SetDefault("detector.z_threshold", 2.5)
	v.SetDefault("detector.resolve_grace_days", 7)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
