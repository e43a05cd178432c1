package ratelimit

import (
	"fmt"
	"time"
)

// Window is a fixed window allowing Max requests per Period.
type Window struct {
	Max    int           `yaml:"max" json:"max"`
	Period time.Duration `yaml:"period" json:"period"`
}

// Enabled reports whether the window limits anything.
func (w Window) Enabled() bool {
	return w.Max > 0 && w.Period > 0
}

// TierLimits are the ceilings for one identity tier. Zero disables a window.
type TierLimits struct {
	PerMinute int `yaml:"perMinute" json:"perMinute"`
	PerHour   int `yaml:"perHour" json:"perHour"`
	PerDay    int `yaml:"perDay" json:"perDay"`
}

type namedWindow struct {
	name string
	Window
}

func (t TierLimits) windows() []namedWindow {
	return []namedWindow{
		{"minute", Window{Max: t.PerMinute, Period: time.Minute}},
		{"hour", Window{Max: t.PerHour, Period: time.Hour}},
		{"day", Window{Max: t.PerDay, Period: 24 * time.Hour}},
	}
}

// AdaptiveConfig controls load-based throttling of tool limits.
type AdaptiveConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Interval between load samples (default 10s).
	Interval time.Duration `yaml:"interval" json:"interval"`

	// CPUThreshold and MemoryThreshold are percentages (0-100). Exceeding
	// either engages throttling.
	CPUThreshold    float64 `yaml:"cpuThreshold" json:"cpuThreshold"`
	MemoryThreshold float64 `yaml:"memoryThreshold" json:"memoryThreshold"`

	// Factor multiplies tool limits while throttling (default 0.5).
	Factor float64 `yaml:"factor" json:"factor"`
}

// Config holds all limiter settings.
type Config struct {
	Burst Window `yaml:"burst" json:"burst"`

	Anonymous     TierLimits `yaml:"anonymous" json:"anonymous"`
	Authenticated TierLimits `yaml:"authenticated" json:"authenticated"`
	Admin         TierLimits `yaml:"admin" json:"admin"`

	// Tools maps a tool name to its own window.
	Tools map[string]Window `yaml:"tools" json:"tools"`

	Adaptive AdaptiveConfig `yaml:"adaptive" json:"adaptive"`
}

// DefaultConfig returns conservative limits with larger ceilings for
// authenticated and admin callers.
func DefaultConfig() Config {
	return Config{
		Burst:         Window{Max: 60, Period: time.Minute},
		Anonymous:     TierLimits{PerMinute: 20, PerHour: 200, PerDay: 1000},
		Authenticated: TierLimits{PerMinute: 60, PerHour: 1000, PerDay: 10000},
		Admin:         TierLimits{PerMinute: 300, PerHour: 10000, PerDay: 100000},
		Adaptive: AdaptiveConfig{
			Interval:        10 * time.Second,
			CPUThreshold:    80,
			MemoryThreshold: 85,
			Factor:          0.5,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Adaptive.Interval <= 0 {
		c.Adaptive.Interval = 10 * time.Second
	}
	if c.Adaptive.Factor <= 0 || c.Adaptive.Factor > 1 {
		c.Adaptive.Factor = 0.5
	}
}

// Validate checks that tier ceilings grow with privilege.
func (c Config) Validate() error {
	tiers := []struct {
		name string
		t    TierLimits
	}{
		{"anonymous", c.Anonymous},
		{"authenticated", c.Authenticated},
		{"admin", c.Admin},
	}
	for i := 1; i < len(tiers); i++ {
		lo, hi := tiers[i-1], tiers[i]
		lw, hw := lo.t.windows(), hi.t.windows()
		for j := range lw {
			if lw[j].Max > 0 && hw[j].Max > 0 && hw[j].Max < lw[j].Max {
				return fmt.Errorf("%s per-%s limit (%d) is below %s (%d)",
					hi.name, lw[j].name, hw[j].Max, lo.name, lw[j].Max)
			}
		}
	}
	for name, w := range c.Tools {
		if w.Max < 0 || w.Period < 0 {
			return fmt.Errorf("tool %q has a negative limit", name)
		}
	}
	return nil
}
