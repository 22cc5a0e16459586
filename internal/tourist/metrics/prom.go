package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	touristsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tourists_tracked",
		Help: "Number of tourists with a known position.",
	})

	denseAreasGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tourist_dense_areas",
		Help: "Whole-degree areas containing a cluster of at least five tourists within 100 m.",
	})

	unsecureAreasGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tourist_unsecure_areas",
		Help: "Whole-degree areas containing a tourist below the safety threshold.",
	})

	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tourist_metrics_compute_seconds",
		Help:    "Time spent deriving dashboard metrics from a snapshot.",
		Buckets: prometheus.DefBuckets,
	})
)
