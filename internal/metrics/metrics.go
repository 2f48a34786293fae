// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency of http requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// PreviewsFinalizedTotal counts compute outcomes. method is empty for the
	// nothing-to-distribute outcome and for failures.
	PreviewsFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_previews_finalized_total",
			Help: "Distribution previews finalized by status and method.",
		},
		[]string{"status", "method"},
	)

	ComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distribution_compute_duration_seconds",
			Help:    "Time spent computing a distribution preview.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	GenerativeFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_generative_fallback_total",
			Help: "Times the rule-based strategy replaced the generative one, by reason.",
		},
		[]string{"reason"},
	)

	GenerativeTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_generative_tokens_total",
			Help: "Tokens reported by the completion provider, by model and direction.",
		},
		[]string{"model", "direction"},
	)

	DroppedProposalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distribution_dropped_proposals_total",
			Help: "Generative proposals discarded for unknown or duplicate ids.",
		},
	)

	AppliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_applies_total",
			Help: "Apply attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ExpiredPreviewsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distribution_expired_previews_deleted_total",
			Help: "Previews removed by the retention sweep.",
		},
	)
)
