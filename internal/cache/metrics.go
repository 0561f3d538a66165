package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markethub",
		Subsystem: "cache",
		Name:      "ops_total",
		Help:      "Cache operations by op, tier and result.",
	}, []string{"op", "tier", "result"}) // op: get/set; tier: primary/fallback; result: hit/miss/ok/error

	degradedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "markethub",
		Subsystem: "cache",
		Name:      "degraded",
		Help:      "1 when the primary store is considered unavailable.",
	})

	fallbackEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "markethub",
		Subsystem: "cache",
		Name:      "fallback_entries",
		Help:      "Live entries in the in-process fallback store.",
	})

	probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markethub",
		Subsystem: "cache",
		Name:      "probe_total",
		Help:      "Primary probes while degraded.",
	}, []string{"result"})
)
