// Package executor issues one logical inference call with retries, provider
// rotation, and outcome classification.
//
// Each attempt acquires a provider from the pool (which consumes that
// credential's request slot), performs the network call under a per-call
// timeout, and classifies the result. Transient failures back off
// exponentially with full jitter; rate-limit signals put the provider on
// cooldown and rotate to a fresh credential without sleeping; configuration
// errors fail immediately. Every suspension point observes context
// cancellation so an operator interrupt stops new attempts promptly.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/llm/parse"
	"github.com/codermillat/setforge/internal/llm/pool"
	"github.com/codermillat/setforge/internal/llm/ratelimit"
	"github.com/codermillat/setforge/internal/llm/transport"
)

// OutcomeKind tags the result of one Execute invocation. Explicit result
// types make every call site's error policy visible without relying on
// stack unwinding.
type OutcomeKind string

const (
	// OutcomeSuccess carries a parsed payload.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeRetryable indicates a transient failure after exhausted
	// attempts; the item-level retry may try the whole call again.
	OutcomeRetryable OutcomeKind = "retryable_failure"

	// OutcomeRateLimited indicates every attempt ended in a rate-limit
	// signal; RetryAfter carries the best available hint.
	OutcomeRateLimited OutcomeKind = "rate_limited"

	// OutcomeFatal indicates a permanent failure for this request:
	// a configuration error, or a malformed payload that survived all
	// attempts. RawText preserves the last reply for diagnostics.
	OutcomeFatal OutcomeKind = "fatal_failure"
)

// AttemptUsage records the tokens one attempt actually consumed. Attempts
// whose payload later failed parsing or validation still burned tokens, so
// the caller's cost accounting needs them even when the call did not
// produce the final Response.
type AttemptUsage struct {
	ProviderID string
	Usage      transport.Usage
}

// Outcome is the tagged result of one logical inference call. Spend carries
// one entry per attempt that returned usage numbers, including the final
// successful one.
type Outcome struct {
	Kind       OutcomeKind
	Response   *transport.Response
	Payload    *parse.Payload
	Spend      []AttemptUsage
	Err        error
	RawText    string
	Attempts   int
	RetryAfter time.Duration
}

// Config controls attempt limits, backoff, and timeouts for the executor.
type Config struct {
	// MaxAttempts bounds request-level attempts across all providers.
	MaxAttempts int

	// InitialInterval seeds the exponential backoff schedule.
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// UseJitter enables full-jitter randomization to avoid synchronized
	// retry storms across concurrently running items.
	UseJitter bool

	// CallTimeout bounds one network call.
	CallTimeout time.Duration

	// MaxProviderWait is the ceiling on total time spent waiting for any
	// provider to regain capacity before surfacing RetryableFailure.
	MaxProviderWait time.Duration
}

// DefaultConfig returns production-ready executor settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		UseJitter:       true,
		CallTimeout:     90 * time.Second,
		MaxProviderWait: 2 * time.Minute,
	}
}

// Executor drives one logical inference call through the provider pool.
type Executor struct {
	pool    *pool.Pool
	guard   *ratelimit.SharedGuard
	handler transport.Handler
	cfg     Config
	logger  *slog.Logger

	// sleep is the backoff sleeper, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor over the given pool and transport handler. The
// shared guard may be nil when cross-process coordination is disabled.
func New(p *pool.Pool, guard *ratelimit.SharedGuard, handler transport.Handler, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:    p,
		guard:   guard,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "executor"),
		sleep:   sleepCtx,
	}
}

// Execute performs one logical inference call and classifies the outcome.
// The optional validator checks extracted payloads against a JSON Schema;
// violations are treated like malformed replies and retried.
func (e *Executor) Execute(ctx context.Context, req *transport.Request, validator *parse.SchemaValidator) Outcome {
	var lastErr error
	var lastRaw string
	var spend []AttemptUsage
	attempts := 0

	// The request's own model, if any, wins over per-credential defaults.
	requestedModel := req.Model

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeRetryable, Err: ctx.Err(), Spend: spend, Attempts: attempts}
		}

		prov, err := e.acquireProvider(ctx)
		if err != nil {
			return Outcome{
				Kind:     OutcomeRetryable,
				Err:      err,
				Spend:    spend,
				Attempts: attempts,
			}
		}

		// Cross-process admission for this credential. A denial behaves
		// like a provider-side rate limit: cooldown and rotate.
		if e.guard != nil {
			if guardErr := e.guard.Allow(ctx, prov.ID); guardErr != nil {
				e.pool.ReportRateLimited(prov, llmerrors.GetRetryAfter(guardErr))
				lastErr = guardErr
				continue
			}
		}

		attempts++
		req.ProviderID = prov.ID
		req.Model = requestedModel
		if req.Model == "" {
			req.Model = prov.Model
		}
		if req.Timeout == 0 {
			req.Timeout = e.cfg.CallTimeout
		}

		resp, err := e.handler.Handle(ctx, req)
		if err == nil {
			// Token cost is charged only now that the response size is
			// known; a failed call produced no tokens to charge. The same
			// numbers go on the outcome so the caller's budget sees every
			// attempt's spend, parseable or not.
			prov.Limiter.RecordTokenUsage(resp.Usage.TotalTokens)
			spend = append(spend, AttemptUsage{ProviderID: prov.ID, Usage: resp.Usage})
			e.pool.ReportSuccess(prov)

			payload, perr := parse.Extract(resp.Content)
			if perr == nil && validator != nil {
				perr = validator.Validate(payload)
			}
			if perr == nil {
				return Outcome{
					Kind:     OutcomeSuccess,
					Response: resp,
					Payload:  payload,
					Spend:    spend,
					Attempts: attempts,
				}
			}

			// Malformed payload: the model may do better on retry.
			lastErr = perr
			lastRaw = resp.Content
			e.logger.Debug("unparseable payload, retrying",
				"provider", prov.ID,
				"attempt", attempt,
				"error", perr)
			if err := e.backoff(ctx, attempt, nil); err != nil {
				return Outcome{Kind: OutcomeRetryable, Err: err, Spend: spend, Attempts: attempts, RawText: lastRaw}
			}
			continue
		}

		lastErr = err

		switch {
		case llmerrors.IsRateLimitError(err):
			// Cooldown and rotate immediately; the next iteration tries a
			// fresh provider, so no backoff sleep is needed.
			e.pool.ReportRateLimited(prov, llmerrors.GetRetryAfter(err))

		case llmerrors.IsRetryableError(err) || isTransportError(err):
			if err := e.backoff(ctx, attempt, err); err != nil {
				return Outcome{Kind: OutcomeRetryable, Err: err, Spend: spend, Attempts: attempts}
			}

		default:
			// Configuration or auth error: retrying cannot help.
			e.pool.ReportFatal(prov)
			return Outcome{
				Kind:     OutcomeFatal,
				Err:      err,
				Spend:    spend,
				Attempts: attempts,
			}
		}
	}

	return e.exhausted(lastErr, lastRaw, spend, attempts)
}

// exhausted classifies the terminal outcome after all attempts are spent.
func (e *Executor) exhausted(lastErr error, lastRaw string, spend []AttemptUsage, attempts int) Outcome {
	var parseErr *llmerrors.ParseError
	if errors.As(lastErr, &parseErr) {
		// The raw text travels with the outcome so the dead-letter record
		// can explain what the model actually said.
		return Outcome{
			Kind:     OutcomeFatal,
			Err:      lastErr,
			RawText:  lastRaw,
			Spend:    spend,
			Attempts: attempts,
		}
	}

	if llmerrors.IsRateLimitError(lastErr) {
		return Outcome{
			Kind:       OutcomeRateLimited,
			Err:        lastErr,
			Spend:      spend,
			Attempts:   attempts,
			RetryAfter: llmerrors.GetRetryAfter(lastErr),
		}
	}

	if lastErr == nil {
		lastErr = llmerrors.ErrMaxAttemptsExceeded
	}
	return Outcome{Kind: OutcomeRetryable, Err: lastErr, Spend: spend, Attempts: attempts}
}

// acquireProvider selects an eligible provider, sleeping until the earliest
// capacity frees when every provider is cooling down or exhausted. The wait
// is bounded by MaxProviderWait, after which the caller surfaces a
// retryable failure so the item-level policy can decide to give up.
func (e *Executor) acquireProvider(ctx context.Context) (*pool.Provider, error) {
	var waited time.Duration

	for {
		if prov, ok := e.pool.Select(); ok {
			return prov, nil
		}

		wait := e.pool.NextAvailable()
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if waited+wait > e.cfg.MaxProviderWait {
			e.logger.Warn("all providers exhausted beyond wait ceiling",
				"waited", waited,
				"next_available", wait)
			return nil, llmerrors.ErrNoProviderAvailable
		}

		e.logger.Debug("all providers busy, waiting for capacity", "wait", wait)
		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
		waited += wait
	}
}

// backoff sleeps for the attempt's delay, preferring provider retry-after
// guidance over the exponential schedule.
func (e *Executor) backoff(ctx context.Context, attempt int, err error) error {
	delay := llmerrors.GetRetryAfter(err)
	if delay == 0 {
		delay = e.exponentialBackoff(attempt)
	}
	return e.sleep(ctx, delay)
}

// exponentialBackoff computes delay = base x multiplier^(attempt-1), capped
// at MaxInterval, with optional full jitter. Full jitter draws uniformly
// from [0, delay] so concurrent items spread their retries.
func (e *Executor) exponentialBackoff(attempt int) time.Duration {
	delay := e.cfg.InitialInterval
	if delay <= 0 {
		delay = time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		multiplier := e.cfg.Multiplier
		if multiplier < 1.0 {
			multiplier = 1.0
		}
		delay = time.Duration(float64(delay) * multiplier)
		if delay > e.cfg.MaxInterval {
			delay = e.cfg.MaxInterval
			break
		}
	}

	if e.cfg.UseJitter {
		jitterMs := rand.Int64N(delay.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}
	return delay
}

// isTransportError reports whether the error came from the HTTP layer
// rather than a classified provider response. Transport failures (timeouts,
// connection resets, DNS) are transient by definition.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// sleepCtx waits for the duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
