package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"markethub.com/internal/cache"
	"markethub.com/internal/config"
	"markethub.com/internal/events"
	"markethub.com/internal/httpapi"
	"markethub.com/internal/hub"
	"markethub.com/internal/producer"
	"markethub.com/internal/vault"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/metrics"
	"markethub.com/pkg/orm"
	"markethub.com/pkg/ratelimit"
	"markethub.com/pkg/safe"
	"markethub.com/pkg/trace"
	"markethub.com/pkg/xredis"
)

func main() {
	cfgFile := flag.String("config", "", "config file, default config/market-hub.yaml")
	flag.Parse()

	// 1. 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 配置 + 日志 + trace
	// 热更新只放开日志级别，其余字段改了需要重启
	cfg, err := config.Load(*cfgFile, func(next *config.Cfg) {
		if err := logger.SetLevel(next.Log.Level); err != nil {
			logger.Warn(ctx, "config reload: bad log level", zap.String("level", next.Log.Level), zap.Error(err))
			return
		}
		logger.Info(ctx, "config reload: log level applied", zap.String("level", next.Log.Level))
	})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.InitWithConfig(cfg.Log)
	defer logger.Sync()

	traceShutdown, err := trace.InitTrace(cfg.Name, cfg.Trace)
	if err != nil {
		logger.Fatal(ctx, "init tracer", zap.Error(err))
	}

	// 3. 存储：redis 挂了也能起（缓存降级到进程内），mysql 必须可用
	rdb := xredis.NewRedis(&cfg.Redis)
	defer rdb.Close()
	if err := xredis.Ping(ctx, rdb); err != nil {
		logger.Warn(ctx, "redis unavailable at startup, cache starts degraded", zap.Error(err))
	}
	c := cache.New(cache.NewRedisStore(rdb, cfg.Cache.KeyPrefix), cfg.Cache)

	db, err := orm.NewMySQL(&cfg.MySQL)
	if err != nil {
		logger.Fatal(ctx, "init mysql", zap.Error(err))
	}
	ledger := vault.NewGormLedger(db, cfg.Vault.MaxAge)
	if cfg.Migrate {
		if err := ledger.AutoMigrate(); err != nil {
			logger.Fatal(ctx, "auto migrate", zap.Error(err))
		}
	}

	broker, err := newBroker(cfg.Broker)
	if err != nil {
		logger.Fatal(ctx, "init broker", zap.Error(err))
	}
	defer broker.Close()

	// 4. hub + vault
	proc := vault.NewProcessor(ledger, vault.NewChainVerifier(cfg.Chain), cfg.Vault)
	disp := hub.NewDispatcher(hub.NewRegistry(cfg.Hub.Shards))
	wss := hub.NewServer(disp, proc, cfg.Hub)

	// 5. producers
	bars := producer.NewInfluxBars(cfg.Influx)
	defer bars.Close()
	notices := producer.NewNoticeProducer(disp, producer.NewGormNotices(db))
	runner := producer.NewRunner().
		Add(producer.NewOHLCProducer(disp, c, bars), cfg.Producers.OHLCEvery).
		Add(producer.NewTokenInfoProducer(disp, c, producer.NewGormTokens(db)), cfg.Producers.TokenEvery).
		Add(notices, cfg.Producers.NoticeEvery)

	// 6. http
	upgrade := ratelimit.NewStore(rate.Limit(cfg.HTTP.UpgradeRate), cfg.HTTP.UpgradeBurst, 10*time.Minute)
	upgrade.StartJanitor(ctx, time.Minute)
	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.Deps{
		Service: cfg.Name,
		WS:      wss,
		Cache:   c,
		Vault:   proc,
		Upgrade: upgrade,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return safe.Run(gctx, "cache-probe", c.Run) })
	g.Go(func() error { return safe.Run(gctx, "vault-worker", proc.Run) })
	g.Go(func() error { return safe.Run(gctx, "producers", runner.Run) })
	g.Go(func() error {
		return safe.Run(gctx, "notice-events", func(ctx context.Context) error {
			return notices.Listen(ctx, broker)
		})
	})
	g.Go(func() error { return observeDB(gctx, db) })
	g.Go(func() error {
		<-gctx.Done()
		// 先断 ws 再关 http，客户端收到 going away 后自行重连到其他实例
		wss.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
		}
		return traceShutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "market-hub exit with error", zap.Error(err))
		return
	}
	logger.Info(context.Background(), "market-hub exit")
}

func newBroker(c config.BrokerConfig) (events.Broker, error) {
	if c.Kind == "nats" {
		return events.NewNatsBroker(c.URL)
	}
	return events.NewMemBroker(), nil
}

// observeDB 定期把连接池状态同步到 metrics
func observeDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			metrics.ObserveDBPool(sqlDB.Stats())
		}
	}
}
