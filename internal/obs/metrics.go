package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Permission event log metrics.
var (
	permEventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perm_events_appended_total",
			Help: "Events appended to the local log, by projection outcome.",
		},
		[]string{"result"},
	)

	permEventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perm_events_rejected_total",
			Help: "Events rejected at ingestion, by reason.",
		},
		[]string{"reason"},
	)

	permEntityRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perm_entity_rebuilds_total",
		Help: "Projection rows recomputed from history after out-of-order delivery.",
	})

	permStreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perm_stream_subscribers",
		Help: "Active permission change stream subscribers.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the node reports ready, 0 otherwise.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		permEventsAppended, permEventsRejected, permEntityRebuilds,
		permStreamSubscribers, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountEventAppended records an append outcome (applied, duplicate, stale).
func CountEventAppended(result string) {
	permEventsAppended.WithLabelValues(result).Inc()
}

// CountEventRejected records a rejected inbound event.
func CountEventRejected(reason string) {
	permEventsRejected.WithLabelValues(reason).Inc()
}

// CountEntityRebuild records a projection rebuild.
func CountEntityRebuild() {
	permEntityRebuilds.Inc()
}

// AddStreamSubscribers moves the subscriber gauge by delta.
func AddStreamSubscribers(delta float64) {
	permStreamSubscribers.Add(delta)
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/workspaces/{ws}/permissions[/{email}[/action]]
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "workspaces" {
		parts[3] = ":ws"
		if len(parts) >= 6 && parts[4] == "permissions" {
			parts[5] = ":email"
		}
		return strings.Join(parts, "/")
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
