// Package metrics exposes Prometheus instruments for the scoring engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_transactions_scored_total",
		Help: "Total number of transactions scored, labelled by risk level.",
	}, []string{"risk_level"})

	RiskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_risk_score",
		Help:    "Distribution of ensemble risk scores.",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_validation_failures_total",
		Help: "Total number of submissions rejected by validation.",
	})

	ScoreCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_score_cache_hits_total",
		Help: "Total number of score requests served from the cache.",
	})

	ScoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_score_duration_ms",
		Help:    "End-to-end scoring latency in milliseconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500},
	})

	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_alerts_triggered_total",
		Help: "Total number of alerts triggered, labelled by alert config ID.",
	}, []string{"config_id"})

	TrainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_training_duration_seconds",
		Help:    "Wall-clock duration of ensemble training.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	ModelSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_model_samples",
		Help: "Number of transactions the active model was trained on.",
	})
)
