package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "licensing"

// Dispense outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeNoTokens = "no_tokens"
	OutcomeNotFound = "not_found"
	OutcomeExpired  = "expired"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

var (
	Dispenses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispense_total",
		Help:      "Token dispense attempts by outcome.",
	}, []string{"outcome"})

	DispenseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispense_write_conflicts_total",
		Help:      "Conditional token inserts that lost a race and were retried.",
	})

	Lookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookup_total",
		Help:      "License and token lookups served.",
	})

	LicensesUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "licenses_upserted_total",
		Help:      "Licenses created or updated by admins.",
	})

	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_failures_total",
		Help:      "Best-effort notifications that failed to send.",
	}, []string{"kind"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by path.",
	}, []string{"path"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
