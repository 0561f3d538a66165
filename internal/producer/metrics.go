package producer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markethub",
		Subsystem: "producer",
		Name:      "refresh_total",
		Help:      "Producer refresh rounds by result.",
	}, []string{"producer", "result"})

	refreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "markethub",
		Subsystem: "producer",
		Name:      "refresh_duration_seconds",
		Help:      "Time spent in one refresh round.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"producer"})

	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markethub",
		Subsystem: "producer",
		Name:      "published_total",
		Help:      "Updates handed to the dispatcher.",
	}, []string{"producer"})
)
