package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxEntries bounds the number of identifiers tracked at once.
	DefaultMaxEntries = 10000

	// DefaultIdleTimeout is how long an unused bucket is kept.
	DefaultIdleTimeout = 30 * time.Minute
)

type bucket struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket limiter with LRU eviction. It guards
// low-volume endpoints such as dynamic client registration, where a smooth
// refill is preferable to fixed windows.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	evictions  int64
}

// NewRateLimiter creates a limiter allowing perMinute events per key with the
// given burst. A background sweep drops buckets idle longer than DefaultIdleTimeout.
func NewRateLimiter(perMinute float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(perMinute / 60),
		burst:      burst,
		maxEntries: DefaultMaxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop(5 * time.Minute)
	return rl
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[key]; ok {
		rl.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastAccess = now
		return b.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.buckets) >= rl.maxEntries {
		rl.evictOldest()
	}

	b := &bucket{key: key, limiter: rate.NewLimiter(rl.limit, rl.burst), lastAccess: now}
	rl.buckets[key] = rl.lru.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// evictOldest must be called with mu held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(rl.buckets, b.key)
	rl.lru.Remove(elem)
	rl.evictions++
	rl.logger.Debug("Rate limiter LRU eviction", "total_evictions", rl.evictions)
}

func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Sweep(DefaultIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Sweep removes buckets idle for longer than maxIdle and returns how many were removed.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	// The LRU list is ordered by access time, so stop at the first fresh bucket.
	for elem := rl.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if b.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.buckets, b.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
