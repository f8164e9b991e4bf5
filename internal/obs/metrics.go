package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_events_total",
			Help: "Session lifecycle events by outcome.",
		},
		[]string{"event"},
	)

	auditEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_total",
		Help: "Audit entries durably appended.",
	})

	auditDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_degraded_total",
		Help: "Committed units of work whose audit batch could not be written.",
	})

	readiness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readiness",
		Help: "1 when the service reports ready, 0 otherwise.",
	})

	initOnce sync.Once
)

// Init registers the service collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authEventsTotal, auditEntriesTotal, auditDegradedTotal, readiness,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthEvent counts a session lifecycle outcome such as "login_success" or "refresh_reuse".
func AuthEvent(event string) {
	authEventsTotal.WithLabelValues(event).Inc()
}

// AuditAppended counts entries written by the audit interceptor.
func AuditAppended(n int) {
	if n > 0 {
		auditEntriesTotal.Add(float64(n))
	}
}

// AuditDegraded counts a failed post-commit audit write.
func AuditDegraded() {
	auditDegradedTotal.Inc()
}

// SetReady toggles the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readiness.Set(1)
		return
	}
	readiness.Set(0)
}

// Instrument records RPS, latency and in-flight requests labelled by canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "accounts":
		return "/v1/accounts/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" &&
		(parts[3] == "accounts" || parts[3] == "disable" || parts[3] == "roles"):
		return "/v1/users/:id/" + parts[3]
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "roles":
		return "/v1/users/:id/roles/:role"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
