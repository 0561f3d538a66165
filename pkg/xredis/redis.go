package xredis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"markethub.com/pkg/metrics"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NewRedis 创建客户端但不强制 Ping 成功：redis 挂了服务也要能起来（走本地兜底缓存）
func NewRedis(c *Config) *redis.Client {
	opt := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  orDefault(c.DialTimeout, 200*time.Millisecond), // 快速失败，别拖慢热路径
		ReadTimeout:  orDefault(c.ReadTimeout, time.Second),
		WriteTimeout: orDefault(c.WriteTimeout, time.Second),
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
	if opt.PoolSize <= 0 {
		opt.PoolSize = 100
	}
	rdb := redis.NewClient(opt)
	rdb.AddHook(metricsHook{})
	return rdb
}

// Ping 启动时探测一下，只返回错误不 panic
func Ping(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// metricsHook 记录每条命令的耗时和错误
type metricsHook struct{}

var _ redis.Hook = metricsHook{}

func (metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			metrics.RedisErrors.WithLabelValues("dial", "dial_error").Inc()
		}
		return conn, err
	}
}

func (metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		status := "ok"
		switch {
		case err == nil, errors.Is(err, redis.Nil):
		default:
			status = "error"
			metrics.RedisErrors.WithLabelValues(cmd.Name(), errCode(err)).Inc()
		}
		metrics.RedisCmdDuration.WithLabelValues(cmd.Name(), status).Observe(time.Since(start).Seconds())
		return err
	}
}

func (metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		status := "ok"
		if err != nil && !errors.Is(err, redis.Nil) {
			status = "error"
			metrics.RedisErrors.WithLabelValues("pipeline", errCode(err)).Inc()
		}
		metrics.RedisCmdDuration.WithLabelValues("pipeline", status).Observe(time.Since(start).Seconds())
		return err
	}
}

func errCode(err error) string {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "ctx"
	default:
		return "other"
	}
}
