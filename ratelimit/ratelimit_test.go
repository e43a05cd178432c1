package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/internal/testutil"
)

func newTestLimiter(t *testing.T, cfg Config, opts ...Option) (*Limiter, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	counter := NewMemoryCounter(0)
	counter.SetClock(clock.Now)
	t.Cleanup(counter.Stop)
	return New(cfg, counter, opts...), clock
}

func TestRequest_Identity(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"user wins over ip", Request{UserID: "google:1", IP: "10.0.0.1"}, "user:google:1"},
		{"ip fallback", Request{IP: "10.0.0.1"}, "ip:10.0.0.1"},
		{"anonymous", Request{}, AnonymousIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Identity(); got != tt.want {
				t.Errorf("Identity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLimiter_BurstRejectsWithWindowLength(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, Config{
		Burst:     Window{Max: 3, Period: time.Minute},
		Anonymous: TierLimits{PerMinute: 100},
	})
	req := Request{IP: "192.0.2.1"}

	for i := range 3 {
		d, err := l.Allow(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should pass", i+1)
	}

	d, err := l.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, LimiterBurst, d.Limiter)
	assert.Equal(t, 60, d.RetryAfterSeconds())
	assert.Equal(t, 0, d.Remaining)

	var exceeded *ExceededError
	require.True(t, errors.As(d.Err(), &exceeded))
	assert.Equal(t, 60, exceeded.RetryAfter())

	// other identities are unaffected
	d, err = l.Allow(ctx, Request{IP: "192.0.2.2"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(time.Minute)
	d, err = l.Allow(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window must roll over")
}

func TestLimiter_Tiers(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, Config{
		Anonymous:     TierLimits{PerMinute: 1},
		Authenticated: TierLimits{PerMinute: 2},
		Admin:         TierLimits{PerMinute: 4},
	})

	count := func(req Request) int {
		n := 0
		for range 10 {
			d, err := l.Allow(ctx, req)
			require.NoError(t, err)
			if !d.Allowed {
				assert.Equal(t, req.tier(), d.Limiter)
				break
			}
			n++
		}
		return n
	}

	assert.Equal(t, 1, count(Request{IP: "198.51.100.1"}))
	assert.Equal(t, 2, count(Request{UserID: "github:1", IP: "198.51.100.1"}))
	assert.Equal(t, 4, count(Request{UserID: "github:2", Admin: true}))
}

func TestLimiter_HourWindowReportsHour(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, Config{
		Authenticated: TierLimits{PerMinute: 10, PerHour: 2},
	})
	req := Request{UserID: "google:1"}

	for range 2 {
		d, _ := l.Allow(ctx, req)
		require.True(t, d.Allowed)
		clock.Advance(2 * time.Minute)
	}

	d, err := l.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Hour, d.RetryAfter)
}

func TestLimiter_ToolLimitsAndAdaptiveFactor(t *testing.T) {
	ctx := context.Background()
	sampler := &fakeSampler{load: Load{CPU: 95}}
	monitor := NewLoadMonitor(AdaptiveConfig{Enabled: true, CPUThreshold: 80, Factor: 0.5}, sampler, nil)
	defer monitor.Stop()

	l, _ := newTestLimiter(t, Config{
		Tools: map[string]Window{"expensive": {Max: 4, Period: time.Minute}},
	}, WithLoadMonitor(monitor))

	req := Request{UserID: "google:1", Tool: "expensive"}

	allowed := func() int {
		n := 0
		for range 10 {
			d, err := l.Allow(ctx, req)
			require.NoError(t, err)
			if !d.Allowed {
				assert.Equal(t, LimiterTool, d.Limiter)
				break
			}
			n++
		}
		return n
	}

	assert.Equal(t, 4, allowed(), "no throttling before the first sample")

	monitor.Check(ctx)
	require.True(t, monitor.Engaged())
	assert.InDelta(t, 0.5, monitor.Factor(), 0.0001)

	req.UserID = "google:2"
	assert.Equal(t, 2, allowed(), "tool limit halves under load")

	// untracked tools are not limited
	d, err := l.Allow(ctx, Request{UserID: "google:3", Tool: "cheap"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	sampler.load = Load{CPU: 10}
	monitor.Check(ctx)
	assert.False(t, monitor.Engaged())
	assert.Equal(t, 1.0, monitor.Factor())
}

func TestLimiter_AllowToolSkipsTierWindows(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, Config{
		Burst:         Window{Max: 1, Period: time.Minute},
		Authenticated: TierLimits{PerMinute: 1},
		Tools:         map[string]Window{"search": {Max: 2, Period: time.Minute}},
	})
	req := Request{UserID: "github:7", Tool: "search"}

	for i := range 2 {
		d, err := l.AllowTool(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should pass", i+1)
	}
	d, err := l.AllowTool(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, LimiterTool, d.Limiter)
	assert.Equal(t, 60, d.RetryAfterSeconds())

	// burst and tier budgets were not consumed
	d, err = l.Allow(ctx, Request{UserID: "github:7"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.AllowTool(ctx, Request{UserID: "github:7", Tool: "unlisted"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_ScaledNeverBelowOne(t *testing.T) {
	monitor := NewLoadMonitor(AdaptiveConfig{Factor: 0.1, MemoryThreshold: 50}, &fakeSampler{load: Load{Memory: 99}}, nil)
	defer monitor.Stop()
	monitor.Check(context.Background())

	l := New(Config{}, NewMemoryCounter(0), WithLoadMonitor(monitor))
	assert.Equal(t, 1, l.scaled(3))
	assert.Equal(t, 10, l.scaled(100))
}

func TestLimiter_CounterErrorFailsOpen(t *testing.T) {
	l := New(Config{Burst: Window{Max: 1, Period: time.Minute}}, failingCounter{})
	d, err := l.Allow(context.Background(), Request{})
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Admin.PerHour = 1
	assert.Error(t, cfg.Validate())
}

func TestLoadMonitor_StartStop(t *testing.T) {
	sampler := &fakeSampler{load: Load{Memory: 99}}
	m := NewLoadMonitor(AdaptiveConfig{Interval: time.Millisecond, MemoryThreshold: 90}, sampler, nil)
	m.Start(context.Background())

	assert.Eventually(t, m.Engaged, time.Second, time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestLoadMonitor_SampleErrorKeepsState(t *testing.T) {
	m := NewLoadMonitor(AdaptiveConfig{CPUThreshold: 50}, &fakeSampler{err: errors.New("boom")}, nil)
	m.Check(context.Background())
	assert.False(t, m.Engaged())
	assert.Equal(t, 1.0, m.Factor())
}

type fakeSampler struct {
	load Load
	err  error
}

func (f *fakeSampler) Sample(context.Context) (Load, error) {
	return f.load, f.err
}

type failingCounter struct{}

func (failingCounter) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}
