package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "answer",
		Name:      "cache_hits_total",
		Help:      "Answers served from the cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "answer",
		Name:      "cache_misses_total",
		Help:      "Answers that had to be computed",
	})

	coalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "answer",
		Name:      "coalesced_total",
		Help:      "Answers shared with a concurrent identical request",
	})

	// Labels: reason (embedding_unavailable, index_corrupt, timeout, retrieval_error, no_context, generation)
	degradedAnswers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "answer",
			Name:      "degraded_total",
			Help:      "Fallback answers by reason",
		},
		[]string{"reason"},
	)

	// Labels: cached (true, false)
	answerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "answer",
			Name:      "duration_seconds",
			Help:      "End-to-end answer latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"cached"},
	)
)
