package vault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/safe"
	"markethub.com/pkg/xerr"
)

type Config struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
	MaxAge        time.Duration `mapstructure:"max_age"`        // 超过这个年龄还没上链就判 stale
	RetryDelay    time.Duration `mapstructure:"retry_delay"`    // 重试间隔
	WarnThreshold int           `mapstructure:"warn_threshold"` // 队列积压告警
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 180 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 15 * time.Second
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 20
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 20 * time.Second
	}
}

type job struct {
	req        Request
	receivedAt time.Time
	notify     Notify
	ctx        context.Context // 只用来带 trace/conn id 打日志
}

// Processor 接收 vault_deposit 请求，去重后入队，由 worker 到链上核对并更新 ledger。
// 每个请求的结果通过 notify 回调异步送回（同一请求内按 accepted -> oke/failed 的顺序）。
type Processor struct {
	ledger   Ledger
	verifier Verifier
	cfg      Config
	clock    clockwork.Clock

	queue chan *job

	mu     sync.Mutex
	queued map[key]struct{} // 排队中/处理中/等待重试
}

type Option func(*Processor)

func WithClock(c clockwork.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

func NewProcessor(l Ledger, v Verifier, cfg Config, opts ...Option) *Processor {
	cfg.withDefaults()
	p := &Processor{
		ledger:   l,
		verifier: v,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		queue:    make(chan *job, cfg.QueueSize),
		queued:   make(map[key]struct{}, 64),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SubmitDeposit 立即返回；去重和落库在后台做，结果经 notify 回传。
func (p *Processor) SubmitDeposit(ctx context.Context, req Request, notify Notify) {
	ctx = context.WithoutCancel(ctx)
	safe.Go(func() { p.submit(ctx, req, notify) })
}

func (p *Processor) submit(ctx context.Context, req Request, notify Notify) {
	if err := req.Validate(); err != nil {
		p.emit(ctx, notify, Outcome{Message: MsgInvalid, Reason: xerr.MsgOf(err)})
		return
	}

	k := req.key()
	if !p.reserve(k) {
		logger.Info(ctx, "vault deposit already queued", zap.String("tx_id", req.TxID), zap.String("vault_id", req.VaultID))
		p.emit(ctx, notify, Outcome{Message: MsgAlreadyQueued})
		return
	}

	st, err := p.ledger.EnsurePending(ctx, req)
	if err != nil {
		p.release(k)
		logger.Error(ctx, "vault deposit ensure pending failed", zap.String("tx_id", req.TxID), zap.Error(err))
		p.emit(ctx, notify, Outcome{Message: MsgError, Reason: xerr.MsgOf(err)})
		return
	}

	switch st {
	case LedgerCompleted:
		p.release(k)
		p.emit(ctx, notify, Outcome{Message: MsgAlreadyCompleted})
		return
	case LedgerPending:
		p.release(k)
		p.emit(ctx, notify, Outcome{Message: MsgAlreadyPending})
		return
	}

	j := &job{req: req, receivedAt: p.clock.Now(), notify: notify, ctx: ctx}
	// accepted 必须先于 worker 的结果发出去
	p.emit(ctx, notify, Outcome{Message: MsgAccepted})
	if !p.enqueue(j) {
		p.finish(j, Outcome{Message: MsgError, Reason: "deposit queue is full"}, "queue full")
	}
}

// Run 启动 worker，阻塞到 ctx 结束
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.queue:
					_ = safe.Run(ctx, "vault-deposit", func(ctx context.Context) error {
						p.process(ctx, j)
						return nil
					})
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Pending 排队中/处理中/等待重试的请求数
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

func (p *Processor) process(ctx context.Context, j *job) {
	req := j.req

	dep, err := p.ledger.Deployment(ctx, req.VaultID)
	if err != nil && ctx.Err() != nil {
		p.abandon(j)
		return
	}
	if err != nil {
		logger.Warn(j.ctx, "vault deployment lookup failed", zap.String("vault_id", req.VaultID), zap.Error(err))
		p.fail(ctx, j, reasonOf(err))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	info, err := p.verifier.Verify(vctx, req, dep)
	cancel()

	switch {
	case ctx.Err() != nil:
		p.abandon(j)

	case err == nil:
		if err := p.ledger.MarkCompleted(ctx, req, info); err != nil {
			logger.Error(j.ctx, "vault deposit mark completed failed", zap.String("tx_id", req.TxID), zap.Error(err))
			p.finish(j, Outcome{Message: MsgError, Reason: xerr.MsgOf(err)}, "")
			return
		}
		amount, _ := info.Amount.Float64()
		logger.Info(j.ctx, "vault deposit processed",
			zap.String("tx_id", req.TxID),
			zap.String("vault_id", req.VaultID),
			zap.String("amount", info.Amount.String()),
		)
		p.finish(j, Outcome{Message: MsgOK, DepositAmount: amount}, "")

	case errors.Is(err, ErrRetryable):
		age := p.clock.Since(j.receivedAt)
		if age <= p.cfg.MaxAge {
			retriesTotal.Inc()
			logger.Info(j.ctx, "vault deposit will retry",
				zap.String("tx_id", req.TxID),
				zap.Duration("age", age),
				zap.Error(err),
			)
			// key 保持占用，重试期间重复提交返回 already_queued
			p.clock.AfterFunc(p.cfg.RetryDelay, func() {
				if !p.enqueue(j) {
					p.finish(j, Outcome{Message: MsgError, Reason: "deposit queue is full"}, "queue full")
				}
			})
			return
		}
		p.fail(ctx, j, "stale")

	default:
		logger.Warn(j.ctx, "vault deposit rejected", zap.String("tx_id", req.TxID), zap.Error(err))
		p.fail(ctx, j, reasonOf(err))
	}
}

// abandon worker 退出时调用：不发结果也不改 ledger，vault_log 保持 pending，
// 过了 MaxAge 之后客户端重新提交会被重新入队
func (p *Processor) abandon(j *job) {
	logger.Info(j.ctx, "vault deposit abandoned on shutdown", zap.String("tx_id", j.req.TxID))
	p.release(j.req.key())
}

func (p *Processor) fail(ctx context.Context, j *job, reason string) {
	if err := p.ledger.MarkFailed(ctx, j.req, reason); err != nil {
		logger.Error(j.ctx, "vault deposit mark failed failed", zap.String("tx_id", j.req.TxID), zap.Error(err))
	}
	p.finish(j, Outcome{Message: MsgFailed, Reason: reason}, "")
}

// finish 释放 key 并送出最终结果；ledgerReason 非空时顺便把 ledger 标成失败
func (p *Processor) finish(j *job, o Outcome, ledgerReason string) {
	if ledgerReason != "" {
		if err := p.ledger.MarkFailed(context.WithoutCancel(j.ctx), j.req, ledgerReason); err != nil {
			logger.Error(j.ctx, "vault deposit mark failed failed", zap.String("tx_id", j.req.TxID), zap.Error(err))
		}
	}
	p.release(j.req.key())
	p.emit(j.ctx, j.notify, o)
}

func (p *Processor) enqueue(j *job) bool {
	select {
	case p.queue <- j:
	default:
		return false
	}
	if n := len(p.queue); n >= p.cfg.WarnThreshold {
		logger.Warn(j.ctx, "vault deposit queue backlog", zap.Int("size", n))
	}
	return true
}

func (p *Processor) reserve(k key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[k]; ok {
		return false
	}
	p.queued[k] = struct{}{}
	queueDepth.Set(float64(len(p.queued)))
	return true
}

func (p *Processor) release(k key) {
	p.mu.Lock()
	delete(p.queued, k)
	queueDepth.Set(float64(len(p.queued)))
	p.mu.Unlock()
}

func (p *Processor) emit(ctx context.Context, notify Notify, o Outcome) {
	outcomesTotal.WithLabelValues(string(o.Message)).Inc()
	if notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "vault notify panic", zap.Any("panic", r))
		}
	}()
	notify(o)
}

// reasonOf 业务错误用 CodeError 的 Msg，其它错误直接用原文
func reasonOf(err error) string {
	var ce *xerr.CodeError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return err.Error()
}
