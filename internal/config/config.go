package config

import (
	"log"
	"time"

	"github.com/spf13/viper"

	"markethub.com/internal/cache"
	"markethub.com/internal/hub"
	"markethub.com/internal/producer"
	"markethub.com/internal/vault"
	vipConfig "markethub.com/pkg/config"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/orm"
	"markethub.com/pkg/trace"
	"markethub.com/pkg/xredis"
)

const ServiceName = "market-hub"

// Cfg 总配置，对应 config/market-hub.yaml；MARKET_HUB_* 环境变量可覆盖
type Cfg struct {
	Name      string                `mapstructure:"name"`
	Log       logger.Config         `mapstructure:"log"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	Trace     trace.Config          `mapstructure:"trace"`
	Hub       hub.Options           `mapstructure:"hub"`
	Redis     xredis.Config         `mapstructure:"redis"`
	Cache     cache.Config          `mapstructure:"cache"`
	MySQL     orm.Config            `mapstructure:"mysql"`
	Migrate   bool                  `mapstructure:"migrate"` // 启动时 AutoMigrate vault 相关表
	Influx    producer.InfluxConfig `mapstructure:"influx"`
	Broker    BrokerConfig          `mapstructure:"broker"`
	Vault     vault.Config          `mapstructure:"vault"`
	Chain     vault.ChainConfig     `mapstructure:"chain"`
	Producers ProducersConfig       `mapstructure:"producers"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ws 升级按 ip 限流
	UpgradeRate  float64 `mapstructure:"upgrade_rate"`
	UpgradeBurst int     `mapstructure:"upgrade_burst"`
}

type BrokerConfig struct {
	Kind string `mapstructure:"kind"` // mem | nats
	URL  string `mapstructure:"url"`
}

type ProducersConfig struct {
	OHLCEvery   time.Duration `mapstructure:"ohlc_every"`
	TokenEvery  time.Duration `mapstructure:"token_every"`
	NoticeEvery time.Duration `mapstructure:"notice_every"`
}

func defaults() map[string]any {
	return map[string]any{
		"name":                   ServiceName,
		"log.service":            ServiceName,
		"log.level":              "info",
		"http.addr":              ":8080",
		"http.shutdown_timeout":  "5s",
		"http.upgrade_rate":      5,
		"http.upgrade_burst":     20,
		"trace.enabled":          false,
		"trace.exporter":         "otlp",
		"trace.endpoint":         "localhost:4317",
		"hub.max_conns":          10000,
		"hub.max_subscriptions":  5,
		"hub.outbox_size":        256,
		"hub.ping_period":        "30s",
		"hub.pong_wait":          "60s",
		"redis.addr":             "127.0.0.1:6379",
		"redis.db":               0,
		"cache.default_interval": "5m",
		"cache.probe_interval":   "5s",
		"cache.backoff":          "10s",
		"cache.op_timeout":       "300ms",
		"cache.key_prefix":       "markethub:",
		"mysql.dsn":              "",
		"mysql.max_idle":         10,
		"mysql.max_open":         50,
		"mysql.max_lifetime":     3600,
		"migrate":                false,
		"influx.url":             "http://127.0.0.1:8086",
		"influx.org":             "markethub",
		"influx.bucket":          "market",
		"influx.token":           "",
		"broker.kind":            "mem",
		"broker.url":             "nats://127.0.0.1:4222",
		"vault.queue_size":       1024,
		"vault.workers":          1,
		"vault.max_age":          "180s",
		"vault.retry_delay":      "15s",
		"chain.base_url":         "https://cardano-mainnet.blockfrost.io/api/v0",
		"chain.network":          "mainnet",
		"chain.project_id":       "",
		"producers.ohlc_every":   "15s",
		"producers.token_every":  "60s",
		"producers.notice_every": "30s",
	}
}

// Load file 为空时按约定读 config/market-hub.yaml，找不到文件就只用默认值 + 环境变量。
// 返回的 Cfg 之后不会再被修改；onReload 每次文件变更时拿到一份新解码的 Cfg，
// 由调用方决定哪些字段可以在线生效。
func Load(file string, onReload ...func(next *Cfg)) (*Cfg, error) {
	c := &Cfg{}
	opts := []vipConfig.Option{vipConfig.WithDefaults(defaults())}
	if file != "" {
		opts = append(opts, vipConfig.WithFile(file))
	}
	if len(onReload) > 0 {
		opts = append(opts, vipConfig.OnChange(func(v *viper.Viper) {
			next := &Cfg{}
			if err := v.Unmarshal(next); err != nil {
				log.Printf("[%s] reload config error: %v", ServiceName, err)
				return
			}
			for _, fn := range onReload {
				fn(next)
			}
		}))
	}
	if _, err := vipConfig.LoadAndWatch(ServiceName, c, opts...); err != nil {
		return nil, err
	}
	return c, nil
}
