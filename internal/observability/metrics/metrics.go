package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "channelctl"

// Recorder owns a private Prometheus registry with the controller's
// collectors. A nil *Recorder is valid and records nothing, so components can
// be built without instrumentation.
type Recorder struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	identities       prometheus.Counter
	resetUnits       *prometheus.CounterVec
	statisticsLoaded prometheus.Gauge
	publishFailures  prometheus.Counter
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
}

var defaultRecorder = New()

// New constructs a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Controller operations by name and result.",
		}, []string{"operation", "result"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Controller operation latency including storage round-trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		identities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identities_allocated_total",
			Help:      "Local channel ids allocated by this process.",
		}),
		resetUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_units_total",
			Help:      "Independently committed statistics reset units by batch kind and result.",
		}, []string{"kind", "result"}),
		statisticsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "statistics_loaded_timestamp_seconds",
			Help:      "Unix time of the last successful statistics reload.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statistics_publish_failures_total",
			Help:      "Statistics snapshots that could not be mirrored after a reload.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.registry.MustRegister(
		r.operations,
		r.operationLatency,
		r.identities,
		r.resetUnits,
		r.statisticsLoaded,
		r.publishFailures,
		r.requests,
		r.requestLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide Recorder used when callers do not supply
// their own.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, e.g. for tests or for embedding
// programs that add their own collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveOperation records the outcome and latency of a controller
// operation.
func (r *Recorder) ObserveOperation(operation string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	op := normalizeName(operation)
	r.operations.WithLabelValues(op, result(err)).Inc()
	r.operationLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// IdentityAllocated counts a newly persisted channel identity.
func (r *Recorder) IdentityAllocated() {
	if r == nil {
		return
	}
	r.identities.Inc()
}

// ResetUnit counts one reset unit of the given batch kind ("selected" or
// "all").
func (r *Recorder) ResetUnit(kind string, err error) {
	if r == nil {
		return
	}
	r.resetUnits.WithLabelValues(normalizeName(kind), result(err)).Inc()
}

// StatisticsLoaded stamps the time of a successful snapshot swap.
func (r *Recorder) StatisticsLoaded(at time.Time) {
	if r == nil {
		return
	}
	r.statisticsLoaded.Set(float64(at.UnixNano()) / float64(time.Second))
}

// StatisticsPublishFailed counts a snapshot that could not be mirrored.
func (r *Recorder) StatisticsPublishFailed() {
	if r == nil {
		return
	}
	r.publishFailures.Inc()
}

// ObserveRequest records an admin API request against its route pattern.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	m := strings.ToUpper(method)
	r.requests.WithLabelValues(m, route, strconv.Itoa(status)).Inc()
	r.requestLatency.WithLabelValues(m, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
