// Package ratelimit enforces per-credential request and token quotas over
// rolling windows.
//
// Each provider credential owns one Limiter with two independent quota
// dimensions: requests per window and tokens per window. Request cost is
// charged when a call is attempted; token cost is charged only after a
// response has been parsed and its size is known, since a failed call
// produced no tokens. Entries older than the window are purged lazily on
// access rather than by a background sweeper.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the rolling accounting period for per-minute quotas.
const DefaultWindow = time.Minute

// entry records one consumption event inside the rolling window.
type entry struct {
	at   time.Time
	cost int64
}

// Quota tracks consumption of one dimension (requests or tokens) over a
// rolling window. The sum of in-window costs granted through TryAcquire
// never exceeds the configured capacity. Not safe for concurrent use on
// its own; Limiter provides the locking.
type Quota struct {
	capacity int64
	window   time.Duration
	entries  []entry
	used     int64
}

// NewQuota creates a quota with the given capacity summed over the window.
func NewQuota(capacity int64, window time.Duration) *Quota {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Quota{capacity: capacity, window: window}
}

// purge drops entries that have aged out of the window.
func (q *Quota) purge(now time.Time) {
	cutoff := now.Add(-q.window)
	i := 0
	for i < len(q.entries) && !q.entries[i].at.After(cutoff) {
		q.used -= q.entries[i].cost
		i++
	}
	if i > 0 {
		q.entries = append(q.entries[:0], q.entries[i:]...)
	}
}

// tryAcquire grants the cost if it fits within the remaining window
// capacity and records it. A grant is never returned early; the cost stays
// charged until its entry ages out.
func (q *Quota) tryAcquire(cost int64, now time.Time) bool {
	q.purge(now)
	if q.used+cost > q.capacity {
		return false
	}
	q.record(cost, now)
	return true
}

// record charges the cost against the window unconditionally. Used for
// after-the-fact accounting (actual token usage) where the consumption
// already happened upstream and must not be lost.
func (q *Quota) record(cost int64, now time.Time) {
	if cost <= 0 {
		return
	}
	q.entries = append(q.entries, entry{at: now, cost: cost})
	q.used += cost
}

// available returns the remaining in-window capacity.
func (q *Quota) available(now time.Time) int64 {
	q.purge(now)
	return q.capacity - q.used
}

// timeUntilNextSlot returns the minimum wait until capacity frees up: the
// time until the oldest in-window entry expires. Zero when capacity is
// already available.
func (q *Quota) timeUntilNextSlot(now time.Time) time.Duration {
	q.purge(now)
	if q.used < q.capacity {
		return 0
	}
	if len(q.entries) == 0 {
		return 0
	}
	wait := q.entries[0].at.Add(q.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Limiter enforces the two quota dimensions for one provider credential.
// All methods are safe for concurrent use; callers across many in-flight
// work items share a single Limiter per credential.
type Limiter struct {
	mu       sync.Mutex
	requests *Quota
	tokens   *Quota

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewLimiter creates a limiter with per-minute request and token quotas.
func NewLimiter(requestsPerMinute, tokensPerMinute int64) *Limiter {
	return NewLimiterWithWindow(requestsPerMinute, tokensPerMinute, DefaultWindow)
}

// NewLimiterWithWindow creates a limiter with an explicit window duration.
func NewLimiterWithWindow(requestsPerWindow, tokensPerWindow int64, window time.Duration) *Limiter {
	return &Limiter{
		requests: NewQuota(requestsPerWindow, window),
		tokens:   NewQuota(tokensPerWindow, window),
		now:      time.Now,
	}
}

// AcquireRequestSlot attempts to charge one request against the rolling
// window. Charged at call time: a failed call still consumed its attempt.
func (l *Limiter) AcquireRequestSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests.tryAcquire(1, l.now())
}

// RecordTokenUsage charges actual token consumption after a response has
// been parsed. Recording is unconditional: the provider already counted
// these tokens, so dropping them would under-report the window.
func (l *Limiter) RecordTokenUsage(tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens.record(tokens, l.now())
}

// HasRequestCapacity reports whether a request slot is currently free
// without consuming one. Used by the pool during provider selection.
func (l *Limiter) HasRequestCapacity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests.available(l.now()) > 0
}

// TokenHeadroom returns the remaining in-window token capacity. A provider
// with no headroom is skipped during selection even though recording
// itself never blocks.
func (l *Limiter) TokenHeadroom() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.available(l.now())
}

// TimeUntilAvailable returns the wait until both dimensions have capacity
// again. Zero when the limiter can serve a request now.
func (l *Limiter) TimeUntilAvailable() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wait := l.requests.timeUntilNextSlot(now)
	if l.tokens.available(now) <= 0 {
		if tw := l.tokens.timeUntilNextSlot(now); tw > wait {
			wait = tw
		}
	}
	return wait
}

// Snapshot reports current window consumption for progress logging.
func (l *Limiter) Snapshot() (requestsUsed, requestsCap, tokensUsed, tokensCap int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.requests.purge(now)
	l.tokens.purge(now)
	return l.requests.used, l.requests.capacity, l.tokens.used, l.tokens.capacity
}
