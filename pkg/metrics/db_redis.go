package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DbPoolOpen  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_open", Help: "Current open DB connections"})
	DbPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_idle"})
	DbPoolInuse = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_inuse"})

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "app_redis_cmd_duration_seconds",
		Help:    "Redis command latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
	}, []string{"cmd", "status"})
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "app_redis_errors_total",
		Help: "Redis errors",
	}, []string{"cmd", "code"})
)

// ObserveDBPool 把 sql.DBStats 同步到 gauge，producer 每轮刷新时顺手调用
func ObserveDBPool(st sql.DBStats) {
	DbPoolOpen.Set(float64(st.OpenConnections))
	DbPoolIdle.Set(float64(st.Idle))
	DbPoolInuse.Set(float64(st.InUse))
}
