// Package collector turns one logical "measure this page on this device"
// request into a trustworthy aggregated sample. The orchestrator wraps
// the measurement provider with retry, submit/poll handling, bypass on
// blocking, and rate-limit backoff; the aggregator reduces repeated runs
// to a per-field median.
package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/provider"
	"github.com/syatt-io/perfwatch/internal/resilience"
)

// Config controls orchestration behavior.
type Config struct {
	// RunsPerSample is how many runs feed one aggregated sample. Default: 3.
	RunsPerSample int

	// RunDelay is the pause between sequential runs; keeps rate-limit
	// pressure on the provider low. Default: 5s.
	RunDelay time.Duration

	// PollInterval is the wait between polls of an async measurement.
	// Default: 10s.
	PollInterval time.Duration

	// MaxPolls bounds the poll loop before declaring a timeout. Default: 30.
	MaxPolls int

	// BypassAttempts is the retry budget on the bypass path after the
	// primary path is blocked. Default: 2.
	BypassAttempts int

	// Retry governs retries of transient and rate-limited failures within
	// one logical collect.
	Retry resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.RunsPerSample <= 0 {
		c.RunsPerSample = 3
	}
	if c.RunDelay <= 0 {
		c.RunDelay = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 30
	}
	if c.BypassAttempts < 0 {
		c.BypassAttempts = 0
	}
	return c
}

// Orchestrator drives the measurement provider for single runs.
type Orchestrator struct {
	client  provider.Client
	breaker *resilience.CircuitBreaker
	cfg     Config
}

// New creates an Orchestrator around the given provider client.
func New(client provider.Client, cfg Config) *Orchestrator {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		// Blocked responses have their own bypass path and must not
		// starve it by opening the circuit.
		ShouldTrip: func(err error) bool {
			return err != nil && !provider.IsBlocked(err)
		},
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("provider circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Orchestrator{
		client:  client,
		breaker: breaker,
		cfg:     cfg.withDefaults(),
	}
}

// Collect performs one logical measurement of (url, device), retrying
// transient failures, backing off on rate limits, and escalating to the
// bypass path when the primary path is blocked. It returns either
// complete metrics or a typed terminal error, never partial data.
func (o *Orchestrator) Collect(ctx context.Context, url string, device model.DeviceProfile) (*model.MetricValues, error) {
	retryCfg := o.cfg.Retry
	retryCfg.ShouldRetry = func(err error) bool {
		return provider.IsRateLimited(err) || resilience.IsTransient(err)
	}
	retryCfg.OnRetry = resilience.RetryLogger("provider", "measure")

	req := provider.Request{URL: url, Device: device}
	bypassLeft := o.cfg.BypassAttempts

	for {
		vals, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*model.MetricValues, error) {
			return o.measureOnce(ctx, req)
		})
		if err == nil {
			return vals, nil
		}

		if provider.IsBlocked(err) && bypassLeft > 0 {
			bypassLeft--
			req.Bypass = true
			zap.L().Warn("measurement blocked, switching to bypass strategy",
				zap.String("url", url),
				zap.String("device", string(device)),
				zap.Int("bypass_attempts_left", bypassLeft),
			)
			continue
		}

		return nil, err
	}
}

// measureOnce performs a single measure call and, for async submissions,
// drives the poll loop to completion or timeout.
func (o *Orchestrator) measureOnce(ctx context.Context, req provider.Request) (*model.MetricValues, error) {
	res, err := resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (*provider.Result, error) {
		return o.client.Measure(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if res.Status == provider.StatusComplete {
		return res.Metrics, nil
	}
	return o.pollUntilComplete(ctx, res.MeasurementID)
}

func (o *Orchestrator) pollUntilComplete(ctx context.Context, measurementID string) (*model.MetricValues, error) {
	for i := 0; i < o.cfg.MaxPolls; i++ {
		timer := time.NewTimer(o.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		res, err := o.client.Poll(ctx, measurementID)
		if err != nil {
			return nil, err
		}
		if res.Status == provider.StatusComplete {
			return res.Metrics, nil
		}
	}

	return nil, &provider.Error{
		Kind: provider.KindTimeout,
		Msg:  "measurement " + measurementID + " did not complete within poll budget",
	}
}
