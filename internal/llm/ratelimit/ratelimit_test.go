package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides a controllable time source for window tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(requests, tokens int64, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiterWithWindow(requests, tokens, window)
	l.now = clock.now
	return l, clock
}

func TestLimiter_RequestQuotaNeverExceeded(t *testing.T) {
	l, _ := newTestLimiter(5, 1000, time.Minute)

	granted := 0
	for i := 0; i < 20; i++ {
		if l.AcquireRequestSlot() {
			granted++
		}
	}

	assert.Equal(t, 5, granted, "grants must stop at window capacity")

	used, capacity, _, _ := l.Snapshot()
	assert.Equal(t, int64(5), used)
	assert.Equal(t, int64(5), capacity)
}

func TestLimiter_WindowExpiryFreesCapacity(t *testing.T) {
	l, clock := newTestLimiter(2, 1000, time.Minute)

	require.True(t, l.AcquireRequestSlot())
	clock.advance(30 * time.Second)
	require.True(t, l.AcquireRequestSlot())
	require.False(t, l.AcquireRequestSlot(), "window is full")

	// The first entry ages out at +60s; only one slot frees up.
	clock.advance(31 * time.Second)
	assert.True(t, l.AcquireRequestSlot())
	assert.False(t, l.AcquireRequestSlot())
}

func TestLimiter_TokenChargeIsUnconditional(t *testing.T) {
	l, _ := newTestLimiter(10, 100, time.Minute)

	// A large response may overshoot the window; the charge still lands
	// because the provider already counted those tokens.
	l.RecordTokenUsage(250)

	assert.Equal(t, int64(-150), l.TokenHeadroom())
	assert.False(t, l.TokenHeadroom() > 0, "no headroom until the charge ages out")
}

func TestLimiter_TokenHeadroomRecovers(t *testing.T) {
	l, clock := newTestLimiter(10, 100, time.Minute)

	l.RecordTokenUsage(100)
	require.LessOrEqual(t, l.TokenHeadroom(), int64(0))

	clock.advance(time.Minute + time.Second)
	assert.Equal(t, int64(100), l.TokenHeadroom())
}

func TestLimiter_TimeUntilAvailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(l *Limiter, clock *fakeClock)
		want  time.Duration
	}{
		{
			name:  "idle limiter has no wait",
			setup: func(l *Limiter, clock *fakeClock) {},
			want:  0,
		},
		{
			name: "request window exhausted",
			setup: func(l *Limiter, clock *fakeClock) {
				l.AcquireRequestSlot()
				l.AcquireRequestSlot()
				clock.advance(10 * time.Second)
			},
			want: 50 * time.Second,
		},
		{
			name: "token window exhausted dominates",
			setup: func(l *Limiter, clock *fakeClock) {
				l.AcquireRequestSlot()
				clock.advance(20 * time.Second)
				l.RecordTokenUsage(100)
			},
			want: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clock := newTestLimiter(2, 100, time.Minute)
			tt.setup(l, clock)
			assert.Equal(t, tt.want, l.TimeUntilAvailable())
		})
	}
}

func TestLimiter_ConcurrentAcquire(t *testing.T) {
	l, _ := newTestLimiter(50, 1_000_000, time.Minute)

	results := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		go func() { results <- l.AcquireRequestSlot() }()
	}

	granted := 0
	for i := 0; i < 200; i++ {
		if <-results {
			granted++
		}
	}
	assert.Equal(t, 50, granted)
}

func TestQuota_PurgeKeepsPartialWindow(t *testing.T) {
	q := NewQuota(10, time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q.record(3, base)
	q.record(4, base.Add(30*time.Second))

	// At +61s only the first entry has aged out.
	assert.Equal(t, int64(10-4), q.available(base.Add(61*time.Second)))
}
