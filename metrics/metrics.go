// Package metrics holds the supervisor's Prometheus collectors.
//
// Collectors live on a private registry so several supervisors (and tests)
// can coexist in one process. Every Record method is safe on a nil
// *Collector, which lets components run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "supervisor"

// Collector records invocation, store, pool and chain metrics.
type Collector struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	fetchesTotal *prometheus.CounterVec
	fetchBytes   prometheus.Counter
	cacheBytes   prometheus.Gauge
	evictions    prometheus.Counter

	sandboxAcquires *prometheus.CounterVec
	sandboxWait     prometheus.Histogram
	sandboxesLive   prometheus.Gauge
	sandboxesIdle   prometheus.Gauge

	forwardsTotal *prometheus.CounterVec
	forwardRetry  prometheus.Counter

	deployments *prometheus.GaugeVec

	httpRequestsTotal *prometheus.CounterVec
}

// New creates a collector on a fresh registry, including Go runtime and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		invocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Endpoint invocations by outcome (ok or failure kind)",
			},
			[]string{"deployment", "outcome"},
		),
		invocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Local part of an endpoint invocation, excluding downstream hops",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"deployment"},
		),

		fetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_fetches_total",
				Help:      "Module store lookups by result",
			},
			[]string{"result"}, // hit, fetched, integrity, unavailable
		),
		fetchBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_fetch_bytes_total",
			Help:      "Bytes downloaded into the module store",
		}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_cache_bytes",
			Help:      "Bytes held in the module store cache",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_evictions_total",
			Help:      "Artifacts evicted from the module store",
		}),

		sandboxAcquires: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_acquires_total",
				Help:      "Sandbox acquisitions by how they were satisfied",
			},
			[]string{"result"}, // reused, created, evicted, exhausted
		),
		sandboxWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_acquire_wait_seconds",
			Help:      "Time spent waiting for a sandbox slot",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		sandboxesLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_live",
			Help:      "Live sandbox instances, busy or idle",
		}),
		sandboxesIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_idle",
			Help:      "Warm sandbox instances waiting for a call",
		}),

		forwardsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_forwards_total",
				Help:      "Outbound chained calls by outcome",
			},
			[]string{"outcome"},
		),
		forwardRetry: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_forward_retries_total",
			Help:      "Retried outbound attempts after transport faults",
		}),

		deployments: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments",
				Help:      "Deployments by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Registry exposes the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordInvocation counts one local invocation. outcome is "ok" or a failure kind.
func (c *Collector) RecordInvocation(deployment, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocationsTotal.WithLabelValues(deployment, outcome).Inc()
	c.invocationDuration.WithLabelValues(deployment).Observe(d.Seconds())
}

// RecordFetch counts a store lookup. n is the number of bytes downloaded.
func (c *Collector) RecordFetch(result string, n int64) {
	if c == nil {
		return
	}
	c.fetchesTotal.WithLabelValues(result).Inc()
	if n > 0 {
		c.fetchBytes.Add(float64(n))
	}
}

// SetCacheBytes reports the store's current disk usage.
func (c *Collector) SetCacheBytes(n int64) {
	if c == nil {
		return
	}
	c.cacheBytes.Set(float64(n))
}

// RecordEviction counts an evicted artifact.
func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

// RecordAcquire counts a sandbox acquisition and how long it waited.
func (c *Collector) RecordAcquire(result string, wait time.Duration) {
	if c == nil {
		return
	}
	c.sandboxAcquires.WithLabelValues(result).Inc()
	c.sandboxWait.Observe(wait.Seconds())
}

// SetSandboxes reports the pool's live and idle instance counts.
func (c *Collector) SetSandboxes(live, idle int) {
	if c == nil {
		return
	}
	c.sandboxesLive.Set(float64(live))
	c.sandboxesIdle.Set(float64(idle))
}

// RecordForward counts an outbound chained call.
func (c *Collector) RecordForward(outcome string) {
	if c == nil {
		return
	}
	c.forwardsTotal.WithLabelValues(outcome).Inc()
}

// RecordForwardRetry counts one retried attempt.
func (c *Collector) RecordForwardRetry() {
	if c == nil {
		return
	}
	c.forwardRetry.Inc()
}

// SetDeployments reports deployment counts per status.
func (c *Collector) SetDeployments(byStatus map[string]int) {
	if c == nil {
		return
	}
	c.deployments.Reset()
	for status, n := range byStatus {
		c.deployments.WithLabelValues(status).Set(float64(n))
	}
}

// RecordHTTPRequest counts one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, route string, status int) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
