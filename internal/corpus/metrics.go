package corpus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels: result (ingested, skipped, failed, removed)
var filesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "corpus",
		Name:      "files_total",
		Help:      "Corpus files processed by the loader and watcher",
	},
	[]string{"result"},
)
