// Package ratelimit gates requests with fixed-window counters.
//
// Every request is checked against, in order:
//
//  1. a burst window shared by all tiers,
//  2. the per-minute, per-hour and per-day windows of the caller's tier
//     (anonymous, authenticated or admin),
//  3. the window configured for the invoked tool, if any.
//
// The caller's identity is its user id when authenticated, otherwise its IP
// address, otherwise the shared "anonymous" bucket. Tool windows are keyed
// "tool:<name>:<identity>".
//
// Counters live behind the Counter interface. MemoryCounter serves a single
// process; ValkeyCounter uses atomic INCR with a TTL so several processes
// share one limit. A LoadMonitor samples CPU and memory pressure in the
// background and scales tool limits down while the host is under load.
package ratelimit
