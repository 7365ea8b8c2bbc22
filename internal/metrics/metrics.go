package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stealth-dispatcher/internal/types"
)

// Collector owns its own registry so several can coexist in one process.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Dispatch metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	requestsTotal   *prometheus.CounterVec

	// Proxy pool
	proxyStates      *prometheus.GaugeVec
	proxyTransitions *prometheus.CounterVec
	probesTotal      *prometheus.CounterVec
	probeDuration    prometheus.Histogram
	proxiesLoaded    *prometheus.CounterVec

	// Credentials
	credentialChanges *prometheus.CounterVec
	credentialSets    prometheus.Gauge

	// Scheduler
	windowCount     prometheus.Gauge
	sessionRequests prometheus.Gauge
	sessionsRotated prometheus.Gauge
	slotWait        prometheus.Histogram

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of request attempts by outcome and failure kind",
			},
			[]string{"outcome", "failure_kind"},
		),
		attemptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Request attempt latency in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of logical requests by terminal result",
			},
			[]string{"result"},
		),
		proxyStates: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_endpoints",
				Help:      "Current number of proxy endpoints per health state",
			},
			[]string{"state"},
		),
		proxyTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_transitions_total",
				Help:      "Total number of proxy health state transitions",
			},
			[]string{"from", "to"},
		),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of proxy health probes",
			},
			[]string{"result"},
		),
		probeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Proxy probe duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		proxiesLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_loaded_total",
				Help:      "Total number of proxy entries loaded per source",
			},
			[]string{"source"},
		),
		credentialChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_changes_total",
				Help:      "Total number of credential status changes",
			},
			[]string{"to"},
		),
		credentialSets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_sets_usable",
				Help:      "Current number of credential sets that are not expired",
			},
		),
		windowCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_window_requests",
				Help:      "Requests admitted in the current rolling hour",
			},
		),
		sessionRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_session_requests",
				Help:      "Requests admitted in the current session",
			},
		),
		sessionsRotated: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_sessions_rotated",
				Help:      "Number of session rotations since start",
			},
		),
		slotWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "slot_wait_seconds",
				Help:      "Time spent waiting for a scheduler slot",
				Buckets:   []float64{.1, 1, 3, 5, 10, 15, 30, 60, 300, 900, 3600},
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// Handler serves this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordAttempt(rec types.AttemptRecord) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(rec.Outcome, string(rec.FailureKind)).Inc()
	if rec.Outcome != "canceled" {
		c.attemptDuration.Observe(rec.Latency.Seconds())
	}
}

func (c *Collector) RecordRequest(result string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordTransition(from, to types.EndpointState) {
	if c == nil {
		return
	}
	c.proxyTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) SetProxyStates(counts map[types.EndpointState]int) {
	if c == nil {
		return
	}
	for state, n := range counts {
		c.proxyStates.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) RecordProbe(alive bool, seconds float64) {
	if c == nil {
		return
	}
	if alive {
		c.probesTotal.WithLabelValues("success").Inc()
		c.probeDuration.Observe(seconds)
	} else {
		c.probesTotal.WithLabelValues("failure").Inc()
	}
}

func (c *Collector) RecordProxiesLoaded(source string, count int) {
	if c == nil {
		return
	}
	c.proxiesLoaded.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordCredentialChange(to string) {
	if c == nil {
		return
	}
	c.credentialChanges.WithLabelValues(to).Inc()
}

func (c *Collector) SetUsableCredentialSets(n int) {
	if c == nil {
		return
	}
	c.credentialSets.Set(float64(n))
}

func (c *Collector) SetSchedulerStats(stats types.SchedulerStats) {
	if c == nil {
		return
	}
	c.windowCount.Set(float64(stats.WindowCount))
	c.sessionRequests.Set(float64(stats.SessionRequests))
	c.sessionsRotated.Set(float64(stats.SessionsRotated))
}

func (c *Collector) RecordSlotWait(seconds float64) {
	if c == nil {
		return
	}
	c.slotWait.Observe(seconds)
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
