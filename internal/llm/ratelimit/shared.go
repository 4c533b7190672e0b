package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
)

// Redis client tuning for the shared guard.
const (
	redisReadTimeout  = 5 * time.Second
	redisWriteTimeout = 5 * time.Second
	redisPoolSize     = 10

	// fallbackRequestsPerSecond bounds throughput when Redis is unreachable
	// and the guard must not fail open.
	fallbackRequestsPerSecond = 5
)

// SharedGuardConfig configures the optional Redis-backed request guard that
// lets several processes share one credential's quota.
type SharedGuardConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ConnectTimeout    time.Duration
}

// SharedGuard coordinates request admission across processes through a
// Redis fixed-window counter. When Redis becomes unreachable the guard
// degrades to a conservative local limiter instead of failing open, and
// keeps serving from it for the rest of the run.
type SharedGuard struct {
	client   *redis.Client
	cfg      SharedGuardConfig
	degraded atomic.Bool
	fallback *rate.Limiter
	logger   *slog.Logger
}

// windowScript implements an atomic fixed-window counter: initialize with
// TTL on first hit, increment while under the limit, otherwise return the
// window's remaining TTL as the retry hint.
var windowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		local ttl = redis.call('PTTL', key)
		if ttl == -1 then
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	end

	return {0, redis.call('PTTL', key)}
`)

// NewSharedGuard connects to Redis and returns the guard, or a disabled
// guard when the configuration turns the feature off. A failed initial ping
// starts the guard in degraded mode rather than failing construction.
func NewSharedGuard(cfg SharedGuardConfig, client *redis.Client) (*SharedGuard, error) {
	g := &SharedGuard{
		cfg:      cfg,
		fallback: rate.NewLimiter(rate.Limit(fallbackRequestsPerSecond), fallbackRequestsPerSecond),
		logger:   slog.Default().With("component", "shared_guard"),
	}
	if !cfg.Enabled {
		return g, nil
	}
	if cfg.RequestsPerMinute < 0 {
		return nil, fmt.Errorf("invalid shared guard config: RequestsPerMinute cannot be negative (got %d)", cfg.RequestsPerMinute)
	}

	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  redisReadTimeout,
			WriteTimeout: redisWriteTimeout,
			PoolSize:     redisPoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			g.logger.Warn("Redis connection failed, shared guard degraded to local limiting", "error", err)
			g.degraded.Store(true)
		}
	}
	g.client = client

	return g, nil
}

// Allow checks the shared window for the given credential id. It returns
// nil when the request may proceed, or a RateLimitError with retry timing.
func (g *SharedGuard) Allow(ctx context.Context, providerID string) error {
	if !g.cfg.Enabled || g.cfg.RequestsPerMinute == 0 {
		return nil
	}

	if g.degraded.Load() {
		return g.allowFallback(providerID)
	}

	key := fmt.Sprintf("setforge:rl:%s", providerID)
	windowMs := DefaultWindow.Milliseconds()

	result, err := windowScript.Run(ctx, g.client, []string{key},
		windowMs, int64(g.cfg.RequestsPerMinute)).Result()
	if err != nil {
		if isRedisError(err) {
			g.logger.Warn("Redis error, shared guard switching to degraded mode", "error", err)
			g.degraded.Store(true)
			return g.allowFallback(providerID)
		}
		return fmt.Errorf("shared guard check failed: %w", err)
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		g.logger.Warn("invalid Redis response format, shared guard switching to degraded mode", "response", result)
		g.degraded.Store(true)
		return nil
	}

	allowed, ok := res[0].(int64)
	if !ok {
		g.degraded.Store(true)
		return nil
	}

	if allowed == 0 {
		retryAfterMs, ok := res[1].(int64)
		if !ok || retryAfterMs <= 0 {
			retryAfterMs = time.Second.Milliseconds()
		}
		retryAfter := int(retryAfterMs / time.Second.Milliseconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &llmerrors.RateLimitError{
			Provider:   providerID,
			Limit:      g.cfg.RequestsPerMinute,
			RetryAfter: retryAfter,
			LocalLimit: true,
		}
	}

	return nil
}

// allowFallback enforces the conservative local limit while degraded.
func (g *SharedGuard) allowFallback(providerID string) error {
	if g.fallback.Allow() {
		return nil
	}

	reservation := g.fallback.Reserve()
	delay := reservation.Delay()
	reservation.Cancel() // do not consume capacity for a denied request

	retryAfter := int(delay.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &llmerrors.RateLimitError{
		Provider:   providerID,
		Limit:      fallbackRequestsPerSecond,
		RetryAfter: retryAfter,
		LocalLimit: true,
	}
}

// Degraded reports whether the guard has fallen back to local limiting.
func (g *SharedGuard) Degraded() bool { return g.degraded.Load() }

// Close releases the Redis connection.
func (g *SharedGuard) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// isRedisError distinguishes Redis infrastructure failures from application
// errors when deciding whether to enter degraded mode.
func isRedisError(err error) bool {
	if err == nil {
		return false
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
