package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"markethub.com/internal/cache"
	"markethub.com/pkg/common"
	"markethub.com/pkg/middleware"
	"markethub.com/pkg/ratelimit"
)

// WSServer 由 hub.Server 实现
type WSServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ConnCount() int
}

// CacheState 由 cache.Cache 实现
type CacheState interface {
	Degraded() bool
	Tier() cache.Origin
}

// VaultState 由 vault.Processor 实现
type VaultState interface {
	Pending() int
}

type Deps struct {
	Service string
	WS      WSServer
	Cache   CacheState
	Vault   VaultState
	// Upgrade 为 nil 时不限流
	Upgrade *ratelimit.Store
}

type Health struct {
	Status       string `json:"status"`
	CacheTier    string `json:"cache_tier"`
	Degraded     bool   `json:"degraded"`
	Connections  int    `json:"connections"`
	VaultPending int    `json:"vault_pending"`
}

func NewEngine(d Deps) *gin.Engine {
	if d.Service == "" {
		d.Service = "market-hub"
	}
	r := gin.New()

	// 监控：/metrics 由 ginprom 挂上
	p := ginprom.NewPrometheus("markethub")
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		if fp := c.FullPath(); fp != "" {
			return fp
		}
		return "unknown"
	}
	p.Use(r)

	r.Use(
		otelgin.Middleware(d.Service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
	)

	ws := []gin.HandlerFunc{}
	if d.Upgrade != nil {
		ws = append(ws, middleware.RateLimit(d.Upgrade, "ws_upgrade"))
	}
	ws = append(ws, gin.WrapF(d.WS.ServeWS))
	r.GET("/ws", ws...)

	r.GET("/healthz", func(c *gin.Context) {
		h := Health{Status: "ok", Connections: d.WS.ConnCount()}
		if d.Cache != nil {
			h.CacheTier = string(d.Cache.Tier())
			h.Degraded = d.Cache.Degraded()
		}
		if d.Vault != nil {
			h.VaultPending = d.Vault.Pending()
		}
		// 降级不算不健康，只是新鲜度变差
		common.Success(c, h)
	})
	return r
}

// NewServer 不设 WriteTimeout：ws 连接被 hijack 后由 hub 自己管理读写 deadline
func NewServer(addr string, d Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewEngine(d),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
