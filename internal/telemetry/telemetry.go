// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe results recorded by ObserveProbe.
const (
	ProbeOK      = "ok"
	ProbeFailed  = "failed"
	ProbeSkipped = "skipped"
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepeek_probes_total",
			Help: "Provider liveness probes, labeled by provider and result.",
		},
		[]string{"provider", "result"},
	)

	probeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitepeek_probe_duration_seconds",
			Help:    "Provider liveness probe latency, labeled by provider.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"provider"},
	)

	proxyFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepeek_proxy_fetches_total",
			Help: "Image proxy upstream fetches, labeled by provider and status code.",
		},
		[]string{"provider", "status"},
	)

	proxyBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepeek_proxy_bytes_total",
			Help: "Image bytes relayed by the proxy, labeled by provider.",
		},
		[]string{"provider"},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepeek_notifications_published_total",
			Help: "Render notifications published, labeled by result.",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "route"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitepeek_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// SanitizeSite extracts the lower-cased hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveProbe records one liveness probe decision.
func ObserveProbe(provider, result string, duration time.Duration) {
	probesTotal.WithLabelValues(provider, result).Inc()
	if result != ProbeSkipped {
		probeDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// ObserveProxyFetch records an upstream image fetch made by the proxy.
// provider must come from a bounded set so user-supplied URLs cannot mint
// new series.
func ObserveProxyFetch(provider string, status int, bytesFetched int) {
	proxyFetchesTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		proxyBytesTotal.WithLabelValues(provider).Add(float64(bytesFetched))
	}
}

// ObservePublish records the outcome of a render notification publish.
func ObservePublish(err error) {
	if err != nil {
		publishTotal.WithLabelValues("error").Inc()
		return
	}
	publishTotal.WithLabelValues("success").Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
