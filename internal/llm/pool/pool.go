// Package pool manages the ordered set of provider credentials and decides
// which one serves the next inference call.
//
// Providers are grouped into priority tiers (paid above free). Selection
// exhausts higher tiers before trying lower ones and rotates round-robin
// within a tier so load spreads across sibling credentials. A provider that
// signalled a rate limit is placed on cooldown and skipped until the
// cooldown expires; repeated hard failures extend the cooldown without ever
// removing the provider, since it may recover.
//
// The pool is constructed once at startup and owned by the orchestrator; no
// process-wide singletons. Cooldown state is guarded per provider and the
// rotation cursor per tier, so concurrent executor calls contend only on
// the tier they are scanning.
package pool

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codermillat/setforge/internal/llm/ratelimit"
)

const (
	// DefaultCooldown is applied after a rate-limit signal that carried no
	// retry-after hint.
	DefaultCooldown = 30 * time.Second

	// fatalCooldownBase seeds the escalating cooldown for repeated hard
	// failures on one provider.
	fatalCooldownBase = 15 * time.Second

	// maxFatalCooldown caps the escalation so a recovered provider is
	// retried within a bounded horizon.
	maxFatalCooldown = 10 * time.Minute
)

// Provider is one configured credential for the inference service, with its
// own quotas, priority tier, and cooldown state.
type Provider struct {
	// ID uniquely identifies the credential in logs and metrics.
	ID string

	// Tier is the human-readable tier name ("paid", "free").
	Tier string

	// Priority ranks tiers; higher is tried first.
	Priority int

	// Endpoint and APIKey locate and authenticate the provider API.
	Endpoint string
	APIKey   string

	// Format names the wire format adapter ("openai", "anthropic").
	Format string

	// Model is the model identifier requested on this credential.
	Model string

	// Limiter enforces this credential's request and token quotas.
	Limiter *ratelimit.Limiter

	// mu guards the cooldown state below. One lock per provider keeps
	// concurrent executors from serializing on a pool-wide lock.
	mu            sync.Mutex
	cooldownUntil time.Time
	fatalStreak   int
}

// CoolingDown reports whether the provider is deliberately skipped.
func (p *Provider) CoolingDown(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldownUntil.After(now)
}

// CooldownRemaining returns the remaining cooldown at the given instant.
func (p *Provider) CooldownRemaining(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cooldownUntil.After(now) {
		return 0
	}
	return p.cooldownUntil.Sub(now)
}

func (p *Provider) setCooldown(until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.cooldownUntil) {
		p.cooldownUntil = until
	}
}

// tier holds the rotation cursor for providers of equal priority.
type tier struct {
	priority  int
	mu        sync.Mutex
	cursor    int
	providers []*Provider
}

// Pool selects the next usable provider credential and tracks cooldowns.
type Pool struct {
	tiers  []*tier
	all    []*Provider
	logger *slog.Logger

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// New builds a pool from the configured providers, grouping them into
// priority tiers ordered descending.
func New(providers []*Provider, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	byPriority := make(map[int][]*Provider)
	for _, p := range providers {
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
	}

	priorities := make([]int, 0, len(byPriority))
	for prio := range byPriority {
		priorities = append(priorities, prio)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	tiers := make([]*tier, 0, len(priorities))
	for _, prio := range priorities {
		tiers = append(tiers, &tier{priority: prio, providers: byPriority[prio]})
	}

	return &Pool{
		tiers:  tiers,
		all:    providers,
		logger: logger.With("component", "pool"),
		now:    time.Now,
	}
}

// Select returns the next eligible provider with a request slot already
// acquired, or false when every provider is cooling down or out of
// capacity. Higher tiers are always exhausted before lower tiers; within a
// tier the cursor advances past the returned provider so siblings share
// load round-robin.
//
// The request slot is consumed here, at call time, so two concurrent
// selections can never both be granted a single remaining slot.
func (p *Pool) Select() (*Provider, bool) {
	now := p.now()

	for _, t := range p.tiers {
		t.mu.Lock()
		n := len(t.providers)
		for i := 0; i < n; i++ {
			idx := (t.cursor + i) % n
			candidate := t.providers[idx]

			if candidate.CoolingDown(now) {
				continue
			}
			if candidate.Limiter.TokenHeadroom() <= 0 {
				continue
			}
			if !candidate.Limiter.AcquireRequestSlot() {
				continue
			}

			t.cursor = (idx + 1) % n
			t.mu.Unlock()
			return candidate, true
		}
		t.mu.Unlock()
	}

	return nil, false
}

// ReportRateLimited places the provider on cooldown following a rate-limit
// signal, honoring the provider's retry-after hint when present.
func (p *Pool) ReportRateLimited(prov *Provider, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultCooldown
	}
	until := p.now().Add(retryAfter)
	prov.setCooldown(until)

	prov.mu.Lock()
	prov.fatalStreak = 0
	prov.mu.Unlock()

	p.logger.Info("provider on cooldown after rate limit",
		"provider", prov.ID,
		"tier", prov.Tier,
		"cooldown", retryAfter)
}

// ReportFatal extends the provider's cooldown after a hard failure. The
// cooldown escalates with consecutive failures but the provider is never
// permanently removed.
func (p *Pool) ReportFatal(prov *Provider) {
	prov.mu.Lock()
	prov.fatalStreak++
	streak := prov.fatalStreak
	prov.mu.Unlock()

	cooldown := fatalCooldownBase
	for i := 1; i < streak; i++ {
		cooldown *= 2
		if cooldown >= maxFatalCooldown {
			cooldown = maxFatalCooldown
			break
		}
	}
	prov.setCooldown(p.now().Add(cooldown))

	p.logger.Warn("provider on cooldown after repeated failures",
		"provider", prov.ID,
		"streak", streak,
		"cooldown", cooldown)
}

// ReportSuccess clears the provider's fatal streak.
func (p *Pool) ReportSuccess(prov *Provider) {
	prov.mu.Lock()
	prov.fatalStreak = 0
	prov.mu.Unlock()
}

// NextAvailable returns the minimum wait until some provider could be
// selected again, considering both cooldowns and rate-limit windows.
// Callers back off by this duration when Select returns none.
func (p *Pool) NextAvailable() time.Duration {
	now := p.now()

	var best time.Duration = -1
	for _, prov := range p.all {
		wait := prov.CooldownRemaining(now)
		if lw := prov.Limiter.TimeUntilAvailable(); lw > wait {
			wait = lw
		}
		if best < 0 || wait < best {
			best = wait
		}
	}
	if best < 0 {
		best = DefaultCooldown
	}
	return best
}

// Providers returns the configured providers for inspection and metrics.
func (p *Pool) Providers() []*Provider { return p.all }
