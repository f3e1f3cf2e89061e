// Package observability exposes Prometheus metrics for the HTTP API and
// the background workers.
package observability

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/notify"
)

const namespace = "enginedash"

// Metrics holds the collectors of one server. Each instance owns its
// registry so tests can create several.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge

	SamplesIngested prometheus.Counter
	MetricQueries   *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
	LoginFailures   prometheus.Counter
	RateLimited     prometheus.Counter

	AgentsOffline    prometheus.Counter
	SessionsTimedOut prometheus.Counter
	agentsByStatus   *prometheus.GaugeVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_samples_ingested_total",
			Help:      "Agent metric samples written to the metastore.",
		}),
		MetricQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_queries_total",
			Help:      "Bucketed metric queries by interval.",
		}, []string{"interval"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "metric_query_duration_seconds",
			Help:      "Time to fetch and bucket one metric query.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_failures_total",
			Help:      "Rejected login attempts.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		AgentsOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "agents_offline_total",
			Help:      "Agents marked OFFLINE after inactivity.",
		}),
		SessionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "sessions_timed_out_total",
			Help:      "Active sessions ended with TIMEOUT by the health monitor.",
		}),
		agentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents by status, refreshed by the health monitor.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.inFlight,
		m.SamplesIngested, m.MetricQueries, m.QueryDuration,
		m.LoginFailures, m.RateLimited,
		m.AgentsOffline, m.SessionsTimedOut, m.agentsByStatus,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveQuery records one metric query.
func (m *Metrics) ObserveQuery(interval string, d time.Duration) {
	m.MetricQueries.WithLabelValues(interval).Inc()
	m.QueryDuration.Observe(d.Seconds())
}

// RegisterHub exports WebSocket hub counters.
func (m *Metrics) RegisterHub(h interface{ Stats() notify.Stats }) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected WebSocket clients.",
		}, func() float64 { return float64(h.Stats().Clients) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "events_published_total",
			Help:      "Events published to the hub.",
		}, func() float64 { return float64(h.Stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a client buffer stayed full.",
		}, func() float64 { return float64(h.Stats().Dropped) }),
	)
}

// SetAgentStatusCounts replaces the per-status agent gauges. Statuses not
// present in counts drop to zero.
func (m *Metrics) SetAgentStatusCounts(counts map[string]int64) {
	m.agentsByStatus.Reset()
	for _, status := range constants.ValidAgentStatuses {
		m.agentsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// ArchiveSource is implemented by *archive.Archiver.
type ArchiveSource interface {
	Stats() archive.Stats
	DiskUsage() (archive.DiskUsage, error)
}

// RegisterArchive exports archive worker counters and disk usage.
func (m *Metrics) RegisterArchive(a ArchiveSource) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "runs_total",
			Help:      "Completed archive runs.",
		}, func() float64 { return float64(a.Stats().Runs) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "samples_archived_total",
			Help:      "Samples moved from the metastore to Parquet files.",
		}, func() float64 { return float64(a.Stats().SamplesArchived) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "errors_total",
			Help:      "Failed archive or cleanup runs.",
		}, func() float64 { return float64(a.Stats().Errors) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "files",
			Help:      "Archive files on disk.",
		}, func() float64 {
			du, err := a.DiskUsage()
			if err != nil {
				return 0
			}
			return float64(du.FileCount)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "bytes",
			Help:      "Total size of archive files.",
		}, func() float64 {
			du, err := a.DiskUsage()
			if err != nil {
				return 0
			}
			return float64(du.TotalSize)
		}),
	)
}

// =============================================================================
// HTTP instrumentation
// =============================================================================

type routeKey struct{}

// RecordRoute must wrap the ServeMux. It copies the matched pattern back to
// Middleware, which runs before the mux and cannot see it otherwise.
func RecordRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if p, ok := r.Context().Value(routeKey{}).(*string); ok && r.Pattern != "" {
			*p = r.Pattern
		}
	})
}

// Middleware records request count, latency and in-flight requests. The
// route label is the ServeMux pattern so path parameters do not explode
// the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		route := "unmatched"
		r = r.WithContext(context.WithValue(r.Context(), routeKey{}, &route))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
