package hub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"markethub.com/internal/channel"
	"markethub.com/internal/vault"
	"markethub.com/internal/wsmetrics"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/metrics"
	"markethub.com/pkg/xerr"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	CloseReasonClient      = "client_close"
	CloseReasonReadError   = "read_error"
	CloseReasonPongTimeout = "pong_timeout"
	CloseReasonWriteError  = "write_error"
	CloseReasonSendFailed  = "send_failed"
	CloseReasonShutdown    = "shutdown"
)

// VaultSubmitter 是 vault_deposit 的异步处理方，notify 可能在任意 goroutine 里被调用
type VaultSubmitter interface {
	SubmitDeposit(ctx context.Context, req vault.Request, notify vault.Notify)
}

type sessionConfig struct {
	maxSubs      int
	outboxSize   int
	inboundRate  float64
	inboundBurst int
}

// Session 是单个 ws 连接的协议状态机：connecting -> open -> closing -> closed。
// 只有 open 状态处理上行消息；关闭恰好执行一次。
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	reg     *Registry
	vault   VaultSubmitter
	ws      *websocket.Conn // 单测里可以为 nil
	out     *outbox
	limiter *rate.Limiter
	maxSubs int

	state atomic.Int32

	subMu   sync.Mutex
	subs    map[channel.Descriptor]struct{}
	dropped bool

	closeOnce sync.Once
	onClose   func(s *Session, code int, reason string)
}

func newSession(ctx context.Context, id string, reg *Registry, vs VaultSubmitter, cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(logger.WithConn(ctx, id))
	if cfg.maxSubs <= 0 {
		cfg.maxSubs = 5
	}
	s := &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		reg:     reg,
		vault:   vs,
		out:     newOutbox(cfg.outboxSize),
		maxSubs: cfg.maxSubs,
		subs:    make(map[channel.Descriptor]struct{}, cfg.maxSubs),
	}
	if cfg.inboundRate > 0 {
		burst := cfg.inboundBurst
		if burst <= 0 {
			burst = int(cfg.inboundRate) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.inboundRate), burst)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Context 连接关闭时取消，携带 conn_id/trace_id
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) open() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// offer 非阻塞入队；连接已进入关闭流程时返回 false
func (s *Session) offer(frame []byte) bool {
	if s.State() >= StateClosing {
		return false
	}
	return s.out.push(frame)
}

func (s *Session) send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error(s.ctx, "encode frame failed", zap.Error(err))
		return false
	}
	return s.offer(b)
}

// handle 处理一条上行消息，所有结果都通过 outbox 回给这个连接
func (s *Session) handle(raw []byte) {
	if s.State() != StateOpen {
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.RateLimitBlockTotal.WithLabelValues("ws_inbound", "conn").Inc()
		wsmetrics.InboundTotal.WithLabelValues("any", "rate_limited").Inc()
		s.send(ErrorFrame{Error: errRateLimited})
		return
	}

	msg, err := decodeClientMsg(raw)
	if err != nil {
		wsmetrics.InboundTotal.WithLabelValues("invalid", "error").Inc()
		s.send(ErrorFrame{Error: err.Error()})
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		s.subscribe(msg.Channel)
	case ActionUnsubscribe:
		s.unsubscribe(msg.Channel)
	case ActionVaultDeposit:
		s.vaultDeposit(msg)
	default:
		wsmetrics.InboundTotal.WithLabelValues("unknown", "error").Inc()
		s.send(ErrorFrame{Error: errUnknownAction})
	}
}

func (s *Session) subscribe(raw string) {
	d, err := channel.Parse(raw)
	if err != nil {
		logger.Debug(s.ctx, "ws subscribe invalid channel", zap.String("channel", raw), zap.Error(err))
		wsmetrics.OnSubOp("sub", "rejected")
		s.send(ErrorFrame{Error: errInvalidChannel, Channel: raw})
		return
	}

	// 只有 readPump 会改订阅集合，先查再订不会越过上限
	if !s.reg.IsSubscribed(s, d) && s.reg.Count(s) >= s.maxSubs {
		wsmetrics.OnSubOp("sub", "rejected")
		s.send(ErrorFrame{Error: errMaxSubs, Channel: d.String()})
		return
	}

	st := s.reg.subscribe(s, d, func(st Status) {
		s.send(StatusFrame{Status: st, Channel: d.String(), Type: d.Type()})
	})
	wsmetrics.OnSubOp("sub", string(st))
	logger.Debug(s.ctx, "ws subscribe", zap.String("channel", d.Key()), zap.String("status", string(st)))
}

func (s *Session) unsubscribe(raw string) {
	d, err := channel.Parse(raw)
	if err != nil {
		wsmetrics.OnSubOp("unsub", "rejected")
		s.send(ErrorFrame{Error: errInvalidChannel, Channel: raw})
		return
	}
	st := s.reg.Unsubscribe(s, d)
	wsmetrics.OnSubOp("unsub", string(st))
	s.send(StatusFrame{Status: st, Channel: d.String(), Type: d.Type()})
}

func (s *Session) vaultDeposit(msg ClientMsg) {
	req := vault.Request{
		TxID:    msg.TxID,
		User:    strings.TrimSpace(msg.User),
		VaultID: strings.TrimSpace(msg.VaultID),
	}
	if err := req.Validate(); err != nil {
		wsmetrics.InboundTotal.WithLabelValues(ActionVaultDeposit, "invalid").Inc()
		s.send(VaultFrame{Message: string(vault.MsgInvalid), Reason: xerr.MsgOf(err)})
		return
	}
	if s.vault == nil {
		s.send(VaultFrame{Message: string(vault.MsgError), Reason: "vault service unavailable"})
		return
	}
	wsmetrics.InboundTotal.WithLabelValues(ActionVaultDeposit, "submitted").Inc()
	logger.Info(s.ctx, "vault deposit submitted", zap.String("tx_id", req.TxID), zap.String("vault_id", req.VaultID))
	s.vault.SubmitDeposit(s.ctx, req, s.vaultNotify)
}

// vaultNotify 连接关闭后到达的结果直接丢弃
func (s *Session) vaultNotify(o vault.Outcome) {
	if s.State() != StateOpen {
		logger.Debug(s.ctx, "vault outcome discarded, session closed", zap.String("message", string(o.Message)))
		return
	}
	s.send(VaultFrame{Message: string(o.Message), Reason: o.Reason, DepositAmount: o.DepositAmount})
}

// Close 进入 closing：摘掉所有订阅、丢弃未发送的帧、关闭底层连接，最后 closed。
func (s *Session) Close(reason string) {
	s.closeWith(0, reason)
}

// closeWith code 非 0 时先尝试给客户端发 close 帧
func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.reg.DropConnection(s)
		s.out.close()
		s.cancel()
		if s.ws != nil {
			if code != 0 {
				_ = s.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			}
			_ = s.ws.Close()
		}
		s.state.Store(int32(StateClosed))

		logger.Info(s.ctx, "ws session closed", zap.String("reason", reason))
		if s.onClose != nil {
			s.onClose(s, code, reason)
		}
	})
}
