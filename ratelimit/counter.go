package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

// Counter counts hits in fixed windows. A window starts at the first hit for
// a key and lasts for the given duration.
type Counter interface {
	// Increment adds one hit and returns the count in the current window and
	// when that window resets.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type counterEntry struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
	// removed is set by Sweep once the entry is no longer in the map.
	removed bool
}

// MemoryCounter is a process-local Counter. The key map is guarded by one
// RWMutex and each entry by its own mutex, so hits on different keys do not
// contend.
type MemoryCounter struct {
	mu      sync.RWMutex
	entries map[string]*counterEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Counter = (*MemoryCounter)(nil)

// NewMemoryCounter creates a counter whose expired windows are swept every
// sweepInterval. A non-positive interval disables the sweep.
func NewMemoryCounter(sweepInterval time.Duration) *MemoryCounter {
	c := &MemoryCounter{
		entries: make(map[string]*counterEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// SetClock replaces the time source.
func (c *MemoryCounter) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Increment implements Counter. An entry swept between lookup and locking is
// retried against the map so the hit is not counted on a detached entry.
func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	for {
		e, now := c.entry(key)

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if !now.Before(e.resetAt) {
			e.count = 0
			e.resetAt = now.Add(window)
		}
		e.count++
		count, resetAt := e.count, e.resetAt
		e.mu.Unlock()
		return count, resetAt, nil
	}
}

func (c *MemoryCounter) entry(key string) (*counterEntry, time.Time) {
	c.mu.RLock()
	e, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()
	if ok {
		return e, now
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[key]; !ok {
		e = &counterEntry{}
		c.entries[key] = e
	}
	return e, now
}

// Sweep drops windows that have ended and returns how many were removed.
func (c *MemoryCounter) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		e.mu.Lock()
		if !now.Before(e.resetAt) {
			e.removed = true
			delete(c.entries, k)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *MemoryCounter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop ends the background sweep.
func (c *MemoryCounter) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCounter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// luaIncrWindow increments KEYS[1] and starts its window on the first hit.
// A key that somehow lost its TTL gets it back.
//
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
//
// Returns {count, remaining ttl in milliseconds}.
const luaIncrWindow = `
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// ValkeyCounter shares counters across processes through Valkey.
type ValkeyCounter struct {
	client valkeygo.Client
	prefix string
}

var _ Counter = (*ValkeyCounter)(nil)

// NewValkeyCounter creates a counter storing keys under prefix.
func NewValkeyCounter(client valkeygo.Client, prefix string) *ValkeyCounter {
	return &ValkeyCounter{client: client, prefix: prefix + "ratelimit:"}
}

// Increment implements Counter with a single atomic script call.
func (c *ValkeyCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}

	vals, err := c.client.Do(ctx,
		c.client.B().Eval().Script(luaIncrWindow).
			Numkeys(1).
			Key(c.prefix+key).
			Arg(strconv.FormatInt(ms, 10)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected rate limit script reply of length %d", len(vals))
	}
	return vals[0], time.Now().Add(time.Duration(vals[1]) * time.Millisecond), nil
}
