package vault

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markethub",
		Name:      "vault_deposit_outcomes_total",
		Help:      "Vault deposit outcomes relayed to clients",
	}, []string{"message"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "markethub",
		Name:      "vault_deposit_queue_depth",
		Help:      "Deposits queued or waiting for a retry",
	})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "markethub",
		Name:      "vault_deposit_retries_total",
		Help:      "Deposits requeued because the transaction was not visible yet",
	})
)
