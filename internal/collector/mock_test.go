package collector

import (
	"context"
	"errors"
	"time"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/provider"
	"github.com/syatt-io/perfwatch/internal/resilience"
)

var errBoom = &provider.Error{Kind: provider.KindInvalidResponse, Msg: "boom"}

// fakeStep scripts one Measure call: either a synchronous result, a
// pending handoff to the poll script, or an error.
type fakeStep struct {
	metrics *model.MetricValues
	pending string // measurement id to poll
	err     error
	then    func() // side effect after the call (e.g. cancel ctx)
}

// fakePollStep scripts one Poll call.
type fakePollStep struct {
	done    bool
	metrics *model.MetricValues
	err     error
}

type fakeProvider struct {
	script    []fakeStep
	pollSteps []fakePollStep

	measureCalls []provider.Request
	pollCalls    int
}

func (f *fakeProvider) Measure(_ context.Context, req provider.Request) (*provider.Result, error) {
	f.measureCalls = append(f.measureCalls, req)
	if len(f.script) == 0 {
		return nil, errors.New("fake provider: script exhausted")
	}
	step := f.script[0]
	f.script = f.script[1:]
	if step.then != nil {
		defer step.then()
	}
	if step.err != nil {
		return nil, step.err
	}
	if step.pending != "" {
		return &provider.Result{Status: provider.StatusPending, MeasurementID: step.pending}, nil
	}
	return &provider.Result{Status: provider.StatusComplete, Metrics: step.metrics}, nil
}

func (f *fakeProvider) Poll(_ context.Context, id string) (*provider.Result, error) {
	f.pollCalls++
	if len(f.pollSteps) == 0 {
		return nil, errors.New("fake provider: poll script exhausted")
	}
	step := f.pollSteps[0]
	f.pollSteps = f.pollSteps[1:]
	if step.err != nil {
		return nil, step.err
	}
	if !step.done {
		return &provider.Result{Status: provider.StatusPending, MeasurementID: id}, nil
	}
	return &provider.Result{Status: provider.StatusComplete, MeasurementID: id, Metrics: step.metrics}, nil
}

func metricsWith(m model.Metric, v float64) *model.MetricValues {
	var mv model.MetricValues
	mv.Set(m, v)
	return &mv
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0,
	}
}
