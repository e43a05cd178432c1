package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/giantswarm/mcp-authz/instrumentation"
)

// Identity of callers with neither a user id nor an IP address.
const AnonymousIdentity = "anonymous"

// Limiter names reported in decisions and metrics.
const (
	LimiterBurst         = "burst"
	LimiterAnonymous     = "anonymous"
	LimiterAuthenticated = "authenticated"
	LimiterAdmin         = "admin"
	LimiterTool          = "tool"
)

// Request describes the caller and operation being checked.
type Request struct {
	UserID string
	IP     string
	Admin  bool

	// Tool is the invoked tool name, empty for non-tool requests.
	Tool string
}

// Identity resolves the counter identity: user id, then IP, then anonymous.
func (r Request) Identity() string {
	switch {
	case r.UserID != "":
		return "user:" + r.UserID
	case r.IP != "":
		return "ip:" + r.IP
	default:
		return AnonymousIdentity
	}
}

func (r Request) tier() string {
	switch {
	case r.UserID != "" && r.Admin:
		return LimiterAdmin
	case r.UserID != "":
		return LimiterAuthenticated
	default:
		return LimiterAnonymous
	}
}

// Decision is the outcome of a check. For rejections it describes the
// exhausted window; for allowed requests, the tightest window consulted.
type Decision struct {
	Allowed bool

	// Limiter is the name of the deciding limiter, such as "burst" or "tool".
	Limiter string

	Limit     int
	Remaining int

	// RetryAfter is the length of the exhausted window.
	RetryAfter time.Duration

	// ResetAt is when the deciding window ends.
	ResetAt time.Time
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Err returns an *ExceededError for rejected decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Decision: d}
}

// ExceededError is the structured rejection handed to callers.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s): retry after %ds", e.Decision.Limiter, e.Decision.RetryAfterSeconds())
}

// RetryAfter returns the wait in seconds.
func (e *ExceededError) RetryAfter() int {
	return e.Decision.RetryAfterSeconds()
}

// Limiter applies burst, tier and tool windows in that order.
type Limiter struct {
	cfg     Config
	counter Counter
	monitor *LoadMonitor
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoadMonitor enables adaptive throttling of tool limits.
func WithLoadMonitor(m *LoadMonitor) Option {
	return func(l *Limiter) { l.monitor = m }
}

// WithInstrumentation enables rejection metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(l *Limiter) { l.metrics = inst.Metrics() }
}

// New creates a limiter. A nil counter selects a MemoryCounter.
func New(cfg Config, counter Counter, opts ...Option) *Limiter {
	cfg.applyDefaults()
	if counter == nil {
		counter = NewMemoryCounter(time.Minute)
	}
	l := &Limiter{
		cfg:     cfg,
		counter: counter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Allow records the request and decides whether it may proceed. Checks stop
// at the first exhausted window. A counter failure is returned with an
// allowing decision so callers can choose to fail open.
func (l *Limiter) Allow(ctx context.Context, req Request) (Decision, error) {
	identity := req.Identity()
	best := Decision{Allowed: true, Limit: -1, Remaining: -1}

	if ok, err := l.check(ctx, &best, LimiterBurst, "burst:"+identity, l.cfg.Burst); err != nil || !ok {
		return l.finish(ctx, req, best, err)
	}

	tier := req.tier()
	for _, w := range l.tierLimits(tier).windows() {
		if ok, err := l.check(ctx, &best, tier, tier+":"+w.name+":"+identity, w.Window); err != nil || !ok {
			return l.finish(ctx, req, best, err)
		}
	}

	if req.Tool != "" {
		if _, err := l.checkTool(ctx, &best, req); err != nil {
			return l.finish(ctx, req, best, err)
		}
	}

	return l.finish(ctx, req, best, nil)
}

// AllowTool checks only the window of req.Tool. It is meant for tool calls
// whose transport request already passed Allow. Tools without a configured
// window are always allowed.
func (l *Limiter) AllowTool(ctx context.Context, req Request) (Decision, error) {
	best := Decision{Allowed: true, Limit: -1, Remaining: -1}
	if req.Tool == "" {
		return best, nil
	}
	_, err := l.checkTool(ctx, &best, req)
	return l.finish(ctx, req, best, err)
}

func (l *Limiter) checkTool(ctx context.Context, best *Decision, req Request) (bool, error) {
	w, ok := l.cfg.Tools[req.Tool]
	if !ok {
		return true, nil
	}
	w.Max = l.scaled(w.Max)
	return l.check(ctx, best, LimiterTool, "tool:"+req.Tool+":"+req.Identity(), w)
}

// check increments one window. best tracks the rejecting decision, or the
// allowing decision with the least remaining budget.
func (l *Limiter) check(ctx context.Context, best *Decision, limiter, key string, w Window) (bool, error) {
	if !w.Enabled() {
		return true, nil
	}
	count, resetAt, err := l.counter.Increment(ctx, key, w.Period)
	if err != nil {
		return true, err
	}
	remaining := max(w.Max-int(count), 0)
	d := Decision{
		Allowed:    int(count) <= w.Max,
		Limiter:    limiter,
		Limit:      w.Max,
		Remaining:  remaining,
		RetryAfter: w.Period,
		ResetAt:    resetAt,
	}
	if !d.Allowed {
		*best = d
		return false, nil
	}
	if best.Remaining < 0 || remaining < best.Remaining {
		*best = d
	}
	return true, nil
}

func (l *Limiter) finish(ctx context.Context, req Request, d Decision, err error) (Decision, error) {
	if err != nil {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}, err
	}
	if !d.Allowed {
		l.metrics.RecordRateLimitExceeded(ctx, d.Limiter)
		l.logger.Debug("Rate limit exceeded",
			"limiter", d.Limiter,
			"tool", req.Tool,
			"limit", d.Limit,
			"retry_after", d.RetryAfterSeconds())
	}
	return d, nil
}

func (l *Limiter) tierLimits(tier string) TierLimits {
	switch tier {
	case LimiterAdmin:
		return l.cfg.Admin
	case LimiterAuthenticated:
		return l.cfg.Authenticated
	default:
		return l.cfg.Anonymous
	}
}

// scaled applies the adaptive factor to a tool limit, never below one.
func (l *Limiter) scaled(limit int) int {
	if l.monitor == nil || limit <= 0 {
		return limit
	}
	return max(int(float64(limit)*l.monitor.Factor()), 1)
}
