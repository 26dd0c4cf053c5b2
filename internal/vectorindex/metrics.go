package vectorindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: provider (memory, chromem, qdrant)
	indexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ragd",
			Subsystem: "index",
			Name:      "vectors",
			Help:      "Number of vectors in the index",
		},
		[]string{"provider"},
	)

	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "index",
			Name:      "search_duration_seconds",
			Help:      "Duration of vector searches in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"provider"},
	)

	indexRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of full index rebuilds",
		},
		[]string{"provider"},
	)
)
