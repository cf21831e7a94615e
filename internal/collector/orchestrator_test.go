package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/provider"
	"github.com/syatt-io/perfwatch/internal/resilience"
)

func TestCollect_SynchronousSuccess(t *testing.T) {
	fake := &fakeProvider{
		script: []fakeStep{{metrics: metricsWith(model.MetricLoadDelay, 2.3)}},
	}
	o := New(fake, Config{Retry: fastRetry(1)})

	vals, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.NoError(t, err)
	got, ok := vals.Get(model.MetricLoadDelay)
	require.True(t, ok)
	assert.Equal(t, 2.3, got)
}

func TestCollect_AsyncPollsToCompletion(t *testing.T) {
	fake := &fakeProvider{
		script: []fakeStep{{pending: "m-1"}},
		pollSteps: []fakePollStep{
			{done: false},
			{done: false},
			{done: true, metrics: metricsWith(model.MetricPaintTime, 1.8)},
		},
	}
	o := New(fake, Config{
		PollInterval: time.Millisecond,
		MaxPolls:     10,
		Retry:        fastRetry(1),
	})

	vals, err := o.Collect(context.Background(), "https://x.test", model.DeviceDesktop)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.pollCalls)
	got, ok := vals.Get(model.MetricPaintTime)
	require.True(t, ok)
	assert.Equal(t, 1.8, got)
}

func TestCollect_PollBudgetExhausted(t *testing.T) {
	pollSteps := make([]fakePollStep, 5)
	fake := &fakeProvider{
		script:    []fakeStep{{pending: "m-2"}},
		pollSteps: pollSteps,
	}
	o := New(fake, Config{
		PollInterval: time.Millisecond,
		MaxPolls:     5,
		Retry:        fastRetry(1),
	})

	_, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.Error(t, err)
	assert.True(t, provider.IsTimeout(err))
	assert.Equal(t, 5, fake.pollCalls)
}

func TestCollect_BlockedSwitchesToBypass(t *testing.T) {
	blocked := &provider.Error{Kind: provider.KindBlocked, Msg: "challenge page"}
	fake := &fakeProvider{
		script: []fakeStep{
			{err: blocked},
			{metrics: metricsWith(model.MetricOverallScore, 88)},
		},
	}
	o := New(fake, Config{BypassAttempts: 2, Retry: fastRetry(1)})

	vals, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.NoError(t, err)
	_, ok := vals.Get(model.MetricOverallScore)
	assert.True(t, ok)

	require.Len(t, fake.measureCalls, 2)
	assert.False(t, fake.measureCalls[0].Bypass)
	assert.True(t, fake.measureCalls[1].Bypass)
}

func TestCollect_BypassBudgetExhausted(t *testing.T) {
	blocked := &provider.Error{Kind: provider.KindBlocked, Msg: "challenge page"}
	fake := &fakeProvider{
		script: []fakeStep{{err: blocked}, {err: blocked}, {err: blocked}},
	}
	o := New(fake, Config{BypassAttempts: 2, Retry: fastRetry(1)})

	_, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.Error(t, err)
	assert.True(t, provider.IsBlocked(err))
	assert.Len(t, fake.measureCalls, 3)
}

func TestCollect_RateLimitedRetries(t *testing.T) {
	limited := &provider.Error{
		Kind:       provider.KindRateLimited,
		Msg:        "slow down",
		RetryAfter: time.Millisecond,
	}
	fake := &fakeProvider{
		script: []fakeStep{
			{err: limited},
			{metrics: metricsWith(model.MetricLoadDelay, 2.0)},
		},
	}
	o := New(fake, Config{Retry: fastRetry(3)})

	_, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.NoError(t, err)
	assert.Len(t, fake.measureCalls, 2)
}

func TestCollect_ServerErrorRetried(t *testing.T) {
	flaky := resilience.NewTransientError(&provider.Error{
		Kind:       provider.KindInvalidResponse,
		Msg:        "unexpected status",
		StatusCode: 503,
	}, 503)
	fake := &fakeProvider{
		script: []fakeStep{
			{err: flaky},
			{metrics: metricsWith(model.MetricLoadDelay, 2.0)},
		},
	}
	o := New(fake, Config{Retry: fastRetry(3)})

	_, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.NoError(t, err)
	assert.Len(t, fake.measureCalls, 2)
}

func TestCollect_InvalidResponseNotRetried(t *testing.T) {
	fake := &fakeProvider{
		script: []fakeStep{{err: errBoom}},
	}
	o := New(fake, Config{Retry: fastRetry(3)})

	_, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.Error(t, err)
	assert.True(t, provider.IsInvalidResponse(err))
	assert.Len(t, fake.measureCalls, 1)
}

func TestCollect_PollErrorSurfaces(t *testing.T) {
	fake := &fakeProvider{
		script:    []fakeStep{{pending: "m-3"}},
		pollSteps: []fakePollStep{{err: errBoom}},
	}
	o := New(fake, Config{
		PollInterval: time.Millisecond,
		MaxPolls:     5,
		Retry:        fastRetry(1),
	})

	_, err := o.Collect(context.Background(), "https://x.test", model.DeviceMobile)
	require.Error(t, err)
	assert.True(t, provider.IsInvalidResponse(err))
}
