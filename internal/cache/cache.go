package cache

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/metrics"
)

const breakerName = "redis-cache"

// Origin 标记值来自哪一层
type Origin string

const (
	OriginPrimary  Origin = "primary"
	OriginFallback Origin = "fallback"
)

type Entry struct {
	Value  []byte
	Origin Origin
}

type Config struct {
	// DefaultInterval 未登记的 family 使用的对齐周期
	DefaultInterval time.Duration            `mapstructure:"default_interval"`
	Families        map[string]time.Duration `mapstructure:"families"`
	// ProbeInterval 降级期间探测 primary 的周期，同时也是兜底存储的清理周期
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// Backoff 熔断打开后至少跳过 primary 的时长（gobreaker Timeout）
	Backoff   time.Duration `mapstructure:"backoff"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"` // redis key 前缀
}

// DefaultFamilies 与上游刷新节奏一致：K 线按周期对齐，token/notice 一分钟
func DefaultFamilies() map[string]time.Duration {
	return map[string]time.Duration{
		"ohlc:5m":    5 * time.Minute,
		"ohlc:30m":   30 * time.Minute,
		"ohlc:1h":    time.Hour,
		"ohlc:4h":    4 * time.Hour,
		"ohlc:1d":    24 * time.Hour,
		// producer 读穿用的最新 bar，短周期，新 bar 晚到也最多等一分钟
		"ohlc":       time.Minute,
		"token_info": time.Minute,
		"notices":    time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 5 * time.Minute
	}
	// 配置里的 family 覆盖默认值；总是新建 map，不和调用方共享
	families := DefaultFamilies()
	maps.Copy(families, c.Families)
	c.Families = families
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 10 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 300 * time.Millisecond
	}
	return c
}

type Option func(*Cache)

func WithClock(c clockwork.Clock) Option {
	return func(ca *Cache) { ca.clock = c }
}

// Cache 对齐过期的混合缓存：primary 优先，失败后落到进程内兜底
// primary 的可用性由熔断器表达：非 closed 即降级，热路径直接跳过网络 I/O
type Cache struct {
	cfg      Config
	primary  Store
	fallback *memStore
	cb       *gobreaker.CircuitBreaker[[]byte]
	clock    clockwork.Clock
}

// New primary 可以为 nil，此时永远走兜底
func New(primary Store, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		primary: primary,
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	c.fallback = newMemStore(c.clock)
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1, // half-open 只放一个探测
		Timeout:     c.cfg.Backoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 第一次失败就降级
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			// miss 和调用方自己取消都不算 primary 故障
			return err == nil || errors.Is(err, ErrMiss) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(stateValue(to))
			metrics.CBStateChanges.WithLabelValues(name, to.String()).Inc()
			if to == gobreaker.StateClosed {
				degradedGauge.Set(0)
			} else {
				degradedGauge.Set(1)
			}
			logger.Warn(context.Background(), "cache primary state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	metrics.CBState.WithLabelValues(breakerName).Set(stateValue(gobreaker.StateClosed))
	return c
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Degraded primary 当前是否被跳过
func (c *Cache) Degraded() bool {
	return c.primary == nil || c.cb.State() != gobreaker.StateClosed
}

// Tier 当前读写优先使用的层
func (c *Cache) Tier() Origin {
	if c.Degraded() {
		return OriginFallback
	}
	return OriginPrimary
}

// Interval family 对应的对齐周期
func (c *Cache) Interval(family string) time.Duration {
	if iv, ok := c.cfg.Families[family]; ok && iv > 0 {
		return iv
	}
	return c.cfg.DefaultInterval
}

// Set 按 family 的周期计算 TTL 写入；primary 失败时写兜底并进入降级，错误不外抛
func (c *Cache) Set(ctx context.Context, family, key string, value []byte) {
	now := c.clock.Now()
	expiresAt := NextBoundary(now, c.Interval(family))
	ttl := expiresAt.Sub(now)

	if !c.Degraded() {
		_, err := c.cb.Execute(func() ([]byte, error) {
			opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
			defer cancel()
			return nil, c.primary.Set(opCtx, key, value, ttl)
		})
		if err == nil {
			opsTotal.WithLabelValues("set", string(OriginPrimary), "ok").Inc()
			return
		}
		opsTotal.WithLabelValues("set", string(OriginPrimary), "error").Inc()
		logger.Debug(ctx, "cache primary set failed", zap.String("key", key), zap.Error(err))
	}

	c.fallback.set(key, value, expiresAt)
	opsTotal.WithLabelValues("set", string(OriginFallback), "ok").Inc()
}

// Get primary 优先（未降级时），miss 或降级再查兜底；两边都没有才算 miss
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.Lookup(ctx, key)
	return e.Value, ok
}

func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	if !c.Degraded() {
		b, err := c.cb.Execute(func() ([]byte, error) {
			opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
			defer cancel()
			return c.primary.Get(opCtx, key)
		})
		switch {
		case err == nil:
			opsTotal.WithLabelValues("get", string(OriginPrimary), "hit").Inc()
			return Entry{Value: b, Origin: OriginPrimary}, true
		case errors.Is(err, ErrMiss):
			opsTotal.WithLabelValues("get", string(OriginPrimary), "miss").Inc()
		default:
			opsTotal.WithLabelValues("get", string(OriginPrimary), "error").Inc()
			logger.Debug(ctx, "cache primary get failed", zap.String("key", key), zap.Error(err))
		}
	}

	if b, ok := c.fallback.get(key); ok {
		opsTotal.WithLabelValues("get", string(OriginFallback), "hit").Inc()
		return Entry{Value: b, Origin: OriginFallback}, true
	}
	opsTotal.WithLabelValues("get", string(OriginFallback), "miss").Inc()
	return Entry{}, false
}

// SetJSON 序列化后写入
func (c *Cache) SetJSON(ctx context.Context, family, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Set(ctx, family, key, b)
	return nil
}

// GetJSON 命中且能解码才返回 true；脏数据按 miss 处理
func (c *Cache) GetJSON(ctx context.Context, key string, out any) bool {
	b, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		logger.Warn(ctx, "cache value decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Probe 降级时经熔断器 ping 一次 primary；backoff 窗口内熔断器直接拒绝，不产生网络 I/O
// 返回值表示探测后 primary 是否可用
func (c *Cache) Probe(ctx context.Context) bool {
	if c.primary == nil {
		return false
	}
	if !c.Degraded() {
		return true
	}
	_, err := c.cb.Execute(func() ([]byte, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
		return nil, c.primary.Ping(opCtx)
	})
	switch {
	case err == nil:
		probeTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		probeTotal.WithLabelValues("backoff").Inc()
	default:
		probeTotal.WithLabelValues("error").Inc()
	}
	return !c.Degraded()
}

// Run 后台循环：降级时探测 primary，同时清理兜底里过期的条目
func (c *Cache) Run(ctx context.Context) error {
	t := c.clock.NewTicker(c.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if c.Degraded() && c.Probe(ctx) {
				logger.Info(ctx, "cache primary recovered")
			}
			if n := c.fallback.sweep(); n > 0 {
				logger.Debug(ctx, "cache fallback swept", zap.Int("expired", n))
			}
			fallbackEntries.Set(float64(c.fallback.len()))
		}
	}
}
