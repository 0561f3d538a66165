package hub

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"markethub.com/internal/wsmetrics"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/safe"
)

type Options struct {
	MaxConns         int           `mapstructure:"max_conns"`
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	OutboxSize       int           `mapstructure:"outbox_size"`
	Shards           int           `mapstructure:"shards"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PingJitter       time.Duration `mapstructure:"ping_jitter"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	InboundRate      float64       `mapstructure:"inbound_rate"` // 每连接每秒上行消息数，0 表示不限
	InboundBurst     int           `mapstructure:"inbound_burst"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"` // 为空则不校验
}

func DefaultOptions() Options {
	return Options{
		MaxConns:         10_000,
		MaxSubscriptions: 5,
		OutboxSize:       256,
		Shards:           32,
		PongWait:         60 * time.Second,
		PingPeriod:       30 * time.Second,
		PingJitter:       100 * time.Millisecond,
		WriteWait:        5 * time.Second,
		ReadLimit:        4 << 10,
		InboundRate:      10,
		InboundBurst:     20,
	}
}

// withDefaults 配置里没写的字段用默认值补齐
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConns <= 0 {
		o.MaxConns = d.MaxConns
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = d.MaxSubscriptions
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = d.OutboxSize
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	return o
}

const maxFlush = 256 // 单次最多写多少帧

// Server 负责升级 ws 连接，为每个连接跑 readPump/writePump
type Server struct {
	disp     *Dispatcher
	vault    VaultSubmitter
	opts     Options
	upgrader websocket.Upgrader

	conns    atomic.Int64
	closing  atomic.Bool
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(disp *Dispatcher, vs VaultSubmitter, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		disp:     disp,
		vault:    vs,
		opts:     opts,
		sessions: make(map[string]*Session, 1024),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.opts.AllowedOrigins, origin)
}

// ConnCount 当前连接数
func (s *Server) ConnCount() int { return int(s.conns.Load()) }

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		wsmetrics.ConnRejectTotal.WithLabelValues("shutdown").Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Add(1) > int64(s.opts.MaxConns) {
		s.conns.Add(-1)
		wsmetrics.ConnRejectTotal.WithLabelValues("max_conns").Inc()
		logger.Warn(r.Context(), "ws upgrade rejected, too many connections", zap.Int("max_conns", s.opts.MaxConns))
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conns.Add(-1)
		wsmetrics.ConnRejectTotal.WithLabelValues("upgrade").Inc()
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}

	// request 的 ctx 在 handler 返回后会被取消，这里只保留 trace_id 等值
	sess := newSession(context.WithoutCancel(r.Context()), uuid.NewString(), s.disp.Registry(), s.vault, sessionConfig{
		maxSubs:      s.opts.MaxSubscriptions,
		outboxSize:   s.opts.OutboxSize,
		inboundRate:  s.opts.InboundRate,
		inboundBurst: s.opts.InboundBurst,
	})
	sess.ws = wsConn
	sess.onClose = s.onSessionClose

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.open()
	wsmetrics.OnOpen()
	logger.Info(sess.ctx, "ws session opened", zap.String("remote", r.RemoteAddr))

	safe.Go(func() { s.writePump(sess) })
	safe.Go(func() { s.readPump(sess) })

	// Shutdown 可能在注册之前已经扫过一遍
	if s.closing.Load() {
		sess.closeWith(websocket.CloseGoingAway, CloseReasonShutdown)
	}
}

func (s *Server) onSessionClose(sess *Session, code int, reason string) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.conns.Add(-1)
	if code == 0 {
		code = websocket.CloseAbnormalClosure
	}
	wsmetrics.OnClose(code, reason)
}

// Shutdown 关闭所有连接，之后的升级请求直接 503
func (s *Server) Shutdown() {
	s.closing.Store(true)

	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.closeWith(websocket.CloseGoingAway, CloseReasonShutdown)
	}
	logger.Info(context.Background(), "ws server shutdown", zap.Int("closed", len(all)))
}

func (s *Server) readPump(sess *Session) {
	c := sess.ws
	reason := CloseReasonReadError
	defer func() { sess.Close(reason) }()

	c.SetReadLimit(s.opts.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.SetPongHandler(func(string) error {
		wsmetrics.PongRecvTotal.Inc()
		return c.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, b, err := c.ReadMessage()
		if err != nil {
			var ne net.Error
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				wsmetrics.PongTimeoutTotal.Inc()
				reason = CloseReasonPongTimeout
			case errors.As(err, &ce):
				reason = CloseReasonClient
			}
			if sess.State() == StateOpen {
				logger.Debug(sess.ctx, "ws read stopped", zap.String("reason", reason), zap.Error(err))
			}
			return
		}
		sess.handle(b)
	}
}

func (s *Server) writePump(sess *Session) {
	c := sess.ws
	// 错开所有连接的 ping 时间点
	if s.opts.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.opts.PingJitter))))
		select {
		case <-t.C:
		case <-sess.ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.out.notify:
			batch := sess.out.drain(maxFlush)
			if len(batch) == 0 {
				continue
			}
			start := time.Now()
			bytes := 0
			var err error
			for _, frame := range batch {
				_ = c.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
				if err = c.WriteMessage(websocket.TextMessage, frame); err != nil {
					break
				}
				bytes += len(frame)
			}
			wsmetrics.ObserveWrite(len(batch), bytes, time.Since(start), err)
			if err != nil {
				logger.Debug(sess.ctx, "ws write failed", zap.Error(err))
				sess.Close(CloseReasonWriteError)
				return
			}
			// drain 有上限，剩下的再唤醒一次
			if sess.out.len() > 0 {
				select {
				case sess.out.notify <- struct{}{}:
				default:
				}
			}

		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				wsmetrics.PingErrorsTotal.Inc()
				sess.Close(CloseReasonWriteError)
				return
			}
			wsmetrics.PingSentTotal.Inc()

		case <-sess.ctx.Done():
			return
		}
	}
}
