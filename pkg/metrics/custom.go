package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RateLimitBlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "markethub",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"scope", "reason"}, // scope: http/ws_upgrade/ws_inbound
	)

	CBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "markethub",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0=closed 1=half_open 2=open).",
		},
		[]string{"name"},
	)

	CBStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "markethub",
			Name:      "circuitbreaker_state_changes_total",
			Help:      "Total circuit breaker state transitions.",
		},
		[]string{"name", "to"},
	)
)
