// Package metrics exposes Prometheus instrumentation for the generation
// run: item lifecycle counters, inference call latency, rate-limit hits,
// and token/cost accounting.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector registers and serves all run metrics.
type Collector struct {
	itemsCompleted   prometheus.Counter
	itemsDeadLetter  prometheus.Counter
	itemsRetried     prometheus.Counter
	callAttempts     *prometheus.CounterVec
	rateLimitHits    *prometheus.CounterVec
	tokensConsumed   prometheus.Counter
	costUSD          prometheus.Counter
	callLatency      prometheus.Histogram
	itemsInFlight    prometheus.Gauge
	itemsPending     prometheus.Gauge
	providerCooldown *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewCollector creates and registers the run metrics on a private registry
// so tests can construct collectors without double-registration panics.
func NewCollector() *Collector {
	c := &Collector{
		itemsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "setforge_items_completed_total",
			Help: "Total work items completed successfully",
		}),
		itemsDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "setforge_items_dead_lettered_total",
			Help: "Total work items routed to the dead-letter log",
		}),
		itemsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "setforge_items_retried_total",
			Help: "Total item-level retry attempts",
		}),
		callAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "setforge_call_attempts_total",
			Help: "Total inference call attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "setforge_rate_limit_hits_total",
			Help: "Total rate-limit signals by provider",
		}, []string{"provider"}),
		tokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "setforge_tokens_consumed_total",
			Help: "Total tokens charged against provider quotas",
		}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "setforge_cost_usd_total",
			Help: "Cumulative run cost in USD",
		}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "setforge_call_latency_seconds",
			Help:    "Inference call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "setforge_items_in_flight",
			Help: "Work items currently being processed",
		}),
		itemsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "setforge_items_pending",
			Help: "Work items not yet admitted",
		}),
		providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "setforge_provider_cooldown_seconds",
			Help: "Remaining cooldown per provider",
		}, []string{"provider"}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.itemsCompleted, c.itemsDeadLetter, c.itemsRetried,
		c.callAttempts, c.rateLimitHits,
		c.tokensConsumed, c.costUSD, c.callLatency,
		c.itemsInFlight, c.itemsPending, c.providerCooldown,
	)
	return c
}

// ItemCompleted increments the completion counter.
func (c *Collector) ItemCompleted() { c.itemsCompleted.Inc() }

// ItemDeadLettered increments the dead-letter counter.
func (c *Collector) ItemDeadLettered() { c.itemsDeadLetter.Inc() }

// ItemRetried increments the item-level retry counter.
func (c *Collector) ItemRetried() { c.itemsRetried.Inc() }

// CallAttempt records one inference attempt with its outcome label.
func (c *Collector) CallAttempt(provider, outcome string) {
	c.callAttempts.WithLabelValues(provider, outcome).Inc()
}

// RateLimitHit records a rate-limit signal for the provider.
func (c *Collector) RateLimitHit(provider string) {
	c.rateLimitHits.WithLabelValues(provider).Inc()
}

// TokensConsumed adds token usage to the run total.
func (c *Collector) TokensConsumed(n int64) { c.tokensConsumed.Add(float64(n)) }

// CostAdded adds USD spend to the run total.
func (c *Collector) CostAdded(usd float64) { c.costUSD.Add(usd) }

// ObserveCallLatency records one call's latency.
func (c *Collector) ObserveCallLatency(d time.Duration) {
	c.callLatency.Observe(d.Seconds())
}

// SetInFlight updates the in-flight gauge.
func (c *Collector) SetInFlight(n int) { c.itemsInFlight.Set(float64(n)) }

// SetPending updates the pending gauge.
func (c *Collector) SetPending(n int) { c.itemsPending.Set(float64(n)) }

// SetProviderCooldown updates a provider's remaining cooldown gauge.
func (c *Collector) SetProviderCooldown(provider string, d time.Duration) {
	c.providerCooldown.WithLabelValues(provider).Set(d.Seconds())
}

// Handler returns the scrape endpoint for the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics listener on addr. Returns immediately; the
// server runs until Shutdown.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	c.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return nil
}

// Shutdown stops the metrics listener if one was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
