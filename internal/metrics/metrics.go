package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests received.",
		},
		[]string{"method", "path", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)

	LicensesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licenses_issued_total",
			Help: "Licenses created from paid checkout sessions.",
		},
		[]string{"plan"},
	)

	LicensesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "licenses_expired_total",
		Help: "Subscription licenses marked expired after cancellation.",
	})

	IssuanceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_issuance_failures_total",
		Help: "Paid checkouts whose license could not be persisted.",
	})

	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Webhook deliveries rejected for a missing or invalid signature.",
	})

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Verified webhook events by type.",
		},
		[]string{"type"},
	)
)

const unmatchedPath = "unmatched"

// Middleware records request counts and latency labelled by route pattern,
// so /api/get-license?session_id=... does not create a series per session.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		// Raw paths of unrouted requests would give every scanner its own series.
		path := unmatchedPath
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		code := strconv.Itoa(status)
		httpRequestsTotal.WithLabelValues(r.Method, path, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIssuanceFailure counts a license that was paid for but not stored and
// reports it to Sentry with enough context to issue it by hand.
func RecordIssuanceFailure(ctx context.Context, err error, extra map[string]interface{}) {
	IssuanceFailures.Inc()

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("component", "license_issuance")
		for k, v := range extra {
			scope.SetExtra(k, v)
		}
		hub.CaptureException(err)
	})
}
