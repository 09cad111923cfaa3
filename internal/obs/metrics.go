package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
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

	// AuthLogins counts login attempts by outcome code.
	AuthLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// AuthRefreshes counts refresh redemptions by outcome code.
	AuthRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token redemptions by outcome.",
		},
		[]string{"outcome"},
	)

	// AuthReuseDetected counts replays of rotated refresh secrets.
	AuthReuseDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_reuse_detected_total",
		Help: "Rotated refresh secrets presented again outside the grace window.",
	})

	// GuardRejections counts requests denied by the authentication guard.
	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_guard_rejections_total",
			Help: "Requests rejected by the authentication guard by error code.",
		},
		[]string{"code"},
	)

	// SessionsSwept counts sessions marked expired by the sweeper.
	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_swept_total",
		Help: "Refresh sessions marked expired by the periodic sweeper.",
	})

	// AuditPublishFailures counts audit events the broker did not accept.
	AuditPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_publish_failures_total",
		Help: "Audit events dropped because the broker write failed or the breaker was open.",
	})

	// BreakerState reports circuit breaker state (0=closed, 1=half-open, 2=open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthLogins, AuthRefreshes, AuthReuseDetected, GuardRejections, SessionsSwept,
			AuditPublishFailures, BreakerState,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests. Mounted as router
// middleware so the matched route pattern is used as the path label.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so unmatched paths keep label cardinality low.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		if looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// looksLikeID matches ULIDs and UUIDs.
func looksLikeID(seg string) bool {
	switch len(seg) {
	case 26:
		for _, c := range seg {
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
		return true
	case 36:
		return strings.Count(seg, "-") == 4
	default:
		return false
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
