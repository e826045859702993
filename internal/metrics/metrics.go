package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "donation_api"

// Metrics holds the service's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	flows          *prometheus.CounterVec
	flowDuration   *prometheus.HistogramVec
	attemptsFailed *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	notifications  *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with process and Go runtime collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),

		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donation",
			Name:      "flows_total",
			Help:      "Donation flows by outcome (success or error code).",
		}, []string{"outcome"}),
		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "donation",
			Name:      "flow_duration_seconds",
			Help:      "Duration of donation flows including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		attemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donation",
			Name:      "attempts_failed_total",
			Help:      "Failed donation attempts by error code.",
		}, []string{"code"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finalization",
			Name:      "reconciled_total",
			Help:      "Pending finalizations retried by the reconciler.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "sent_total",
			Help:      "Donation notifications by channel and result.",
		}, []string{"channel", "result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.flows,
		m.flowDuration,
		m.attemptsFailed,
		m.reconciled,
		m.notifications,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registered metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FlowCompleted records one finished donation flow
func (m *Metrics) FlowCompleted(outcome string, duration time.Duration) {
	m.flows.WithLabelValues(outcome).Inc()
	m.flowDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AttemptFailed records one failed attempt inside a flow
func (m *Metrics) AttemptFailed(code string) {
	m.attemptsFailed.WithLabelValues(code).Inc()
}

// FinalizationReconciled records a reconciler retry, result is "finalized" or "failed"
func (m *Metrics) FinalizationReconciled(result string) {
	m.reconciled.WithLabelValues(result).Inc()
}

// NotificationSent records a webhook or e-mail delivery
func (m *Metrics) NotificationSent(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

// GinMiddleware records HTTP metrics per route template
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
