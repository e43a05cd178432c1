package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/giantswarm/mcp-authz/instrumentation"
)

// Load is a point-in-time utilisation sample in percent.
type Load struct {
	CPU    float64
	Memory float64
}

// LoadSampler measures host load.
type LoadSampler interface {
	Sample(ctx context.Context) (Load, error)
}

// SystemSampler reads host CPU and memory utilisation.
type SystemSampler struct{}

// Sample implements LoadSampler. CPU usage is measured since the previous call.
func (SystemSampler) Sample(ctx context.Context) (Load, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Load{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	var l Load
	if len(cpuPct) > 0 {
		l.CPU = cpuPct[0]
	}
	l.Memory = vm.UsedPercent
	return l, nil
}

// LoadMonitor samples load on a timer and publishes a multiplier for tool
// limits. Factor never blocks.
type LoadMonitor struct {
	cfg     AdaptiveConfig
	sampler LoadSampler
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	factor  atomic.Uint64 // math.Float64bits
	engaged atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewLoadMonitor creates a monitor. It reports a factor of 1 until Start is
// called and the first sample exceeds a threshold.
func NewLoadMonitor(cfg AdaptiveConfig, sampler LoadSampler, logger *slog.Logger) *LoadMonitor {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Factor <= 0 || cfg.Factor > 1 {
		cfg.Factor = 0.5
	}
	m := &LoadMonitor{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	m.factor.Store(math.Float64bits(1))
	return m
}

// SetInstrumentation enables throttle transition metrics.
func (m *LoadMonitor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.metrics = inst.Metrics()
}

// Factor returns the current multiplier for tool limits, in (0, 1].
func (m *LoadMonitor) Factor() float64 {
	if m == nil {
		return 1
	}
	return math.Float64frombits(m.factor.Load())
}

// Engaged reports whether throttling is active.
func (m *LoadMonitor) Engaged() bool {
	return m != nil && m.engaged.Load()
}

// Start runs the sampling loop until ctx is done or Stop is called.
func (m *LoadMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (m *LoadMonitor) Stop() {
	m.once.Do(func() {
		if m.cancel == nil {
			close(m.done)
			return
		}
		m.cancel()
	})
	<-m.done
}

// Check takes one sample and updates the factor. A failed sample leaves the
// previous state in place.
func (m *LoadMonitor) Check(ctx context.Context) {
	load, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("Failed to sample system load", "error", err)
		return
	}

	overloaded := (m.cfg.CPUThreshold > 0 && load.CPU > m.cfg.CPUThreshold) ||
		(m.cfg.MemoryThreshold > 0 && load.Memory > m.cfg.MemoryThreshold)

	if overloaded == m.engaged.Load() {
		return
	}

	m.engaged.Store(overloaded)
	if overloaded {
		m.factor.Store(math.Float64bits(m.cfg.Factor))
		m.logger.Warn("Adaptive rate limiting engaged",
			"cpu_percent", load.CPU,
			"memory_percent", load.Memory,
			"factor", m.cfg.Factor)
	} else {
		m.factor.Store(math.Float64bits(1))
		m.logger.Info("Adaptive rate limiting released",
			"cpu_percent", load.CPU,
			"memory_percent", load.Memory)
	}
	m.metrics.RecordThrottleTransition(ctx, overloaded)
}
