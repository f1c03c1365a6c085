package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ledgerowl"

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CredentialRefreshTotal counts provider refresh attempts by outcome
// (success, revoked, transient, decrypt_failed).
var CredentialRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refresh_total",
		Help:      "Credential refresh attempts by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

// CredentialRefreshDeduplicated counts callers that joined an in-flight refresh.
var CredentialRefreshDeduplicated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refresh_deduplicated_total",
		Help:      "Refresh requests served by an already in-flight refresh.",
	},
	[]string{"provider"},
)

// ScheduledRefreshes is the number of armed background refresh timers.
var ScheduledRefreshes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduled_refreshes",
		Help:      "Number of pending proactive credential refreshes.",
	},
)

// OAuthRequestDuration tracks token endpoint latency per grant type.
var OAuthRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "oauth_request_duration_seconds",
		Help:      "OAuth token endpoint request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"provider", "grant"},
)

// WebhookVerificationsTotal counts webhook verification results.
var WebhookVerificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_verifications_total",
		Help:      "Webhook verifications by provider and result.",
	},
	[]string{"provider", "result"},
)

// WebhookReplayCacheDegraded counts deliveries accepted without a replay check.
var WebhookReplayCacheDegraded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_replay_cache_degraded_total",
		Help:      "Webhook deliveries allowed because the replay cache was unavailable.",
	},
	[]string{"provider"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and every LedgerOwl metric.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		CredentialRefreshTotal,
		CredentialRefreshDeduplicated,
		ScheduledRefreshes,
		OAuthRequestDuration,
		WebhookVerificationsTotal,
		WebhookReplayCacheDegraded,
	)
	return reg
}
