// Package metrics defines Prometheus metrics for stapsher observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All stapsher Prometheus metrics.
var (
	// WebhookReceivedTotal counts webhooks received, labeled by event type.
	WebhookReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_webhook_received_total",
		Help: "Webhooks received.",
	}, []string{"event_type"})

	// WebhookDispatchTotal counts dispatch outcomes (handled, ignored, or an error code).
	WebhookDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_webhook_dispatch_total",
		Help: "Webhook dispatch outcomes.",
	}, []string{"event_type", "outcome"})

	// AssertionsMintedTotal counts App JWTs signed.
	AssertionsMintedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stapsher_app_assertions_minted_total",
		Help: "GitHub App assertions signed.",
	})

	// TokenCacheTotal counts installation token lookups by result (hit, miss).
	TokenCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_token_cache_total",
		Help: "Installation token cache lookups.",
	}, []string{"result"})

	// TokenExchangesTotal counts installation token exchanges by outcome.
	TokenExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_token_exchanges_total",
		Help: "Installation token exchanges.",
	}, []string{"outcome"})

	// TokenCacheSize tracks the number of cached installation tokens.
	TokenCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stapsher_token_cache_size",
		Help: "Installation tokens currently cached.",
	})

	// TokensPrunedTotal counts cached tokens evicted by the janitor.
	TokensPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stapsher_tokens_pruned_total",
		Help: "Expired installation tokens evicted from the cache.",
	})

	// BranchCleanupTotal counts bot branch deletions by outcome.
	BranchCleanupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_branch_cleanup_total",
		Help: "Bot branch deletions.",
	}, []string{"outcome"})

	// CleanupQueueDepth tracks pending branch cleanup jobs.
	CleanupQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stapsher_cleanup_queue_depth",
		Help: "Branch cleanup jobs waiting for a worker.",
	})

	// ContentOperationsTotal counts repository content operations.
	ContentOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_content_operations_total",
		Help: "Repository content operations.",
	}, []string{"operation", "outcome"})

	// ContentOperationSeconds records the duration of content operations.
	ContentOperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stapsher_content_operation_seconds",
		Help:    "Duration of repository content operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// ErrorsTotal counts classified errors, labeled by code.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_errors_total",
		Help: "Errors encountered, by classified code.",
	}, []string{"code"})

	// GitHubRateRemaining tracks the GitHub API rate limit remaining.
	GitHubRateRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stapsher_github_rate_remaining",
		Help: "GitHub API rate limit remaining.",
	})

	// GitHubRateLimitWaitsTotal counts rate limit waits by reason.
	GitHubRateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stapsher_github_rate_limit_waits_total",
		Help: "Total rate limit waits by reason.",
	}, []string{"reason"})

	// GitHubRateLimitWaitSeconds records the duration of rate limit waits.
	GitHubRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stapsher_github_rate_limit_wait_seconds",
		Help:    "Duration of rate limit waits in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)
