package producer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"markethub.com/internal/channel"
	"markethub.com/pkg/logger"
	"markethub.com/pkg/safe"
)

// Publisher 由 hub.Dispatcher 实现
type Publisher interface {
	Active(kind channel.Kind) []channel.Descriptor
	Publish(desc channel.Descriptor, payload any)
}

// Cache 由 cache.Cache 实现，值按 JSON 存
type Cache interface {
	GetJSON(ctx context.Context, key string, out any) bool
	SetJSON(ctx context.Context, family, key string, v any) error
}

// Producer 每轮刷新一次自己负责的频道
type Producer interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Waker 可选：有外部事件时提前唤醒一轮刷新
type Waker interface {
	Wake() <-chan struct{}
}

type task struct {
	p     Producer
	every time.Duration
}

type Runner struct {
	tasks []task

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewRunner() *Runner {
	return &Runner{
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Add every 是正常节奏；出错时按指数退避重试
func (r *Runner) Add(p Producer, every time.Duration) *Runner {
	if every <= 0 {
		every = 30 * time.Second
	}
	r.tasks = append(r.tasks, task{p: p, every: every})
	return r
}

// Run 阻塞到 ctx 结束
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range r.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runOne(ctx, t)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) runOne(ctx context.Context, t task) {
	var wake <-chan struct{}
	if w, ok := t.p.(Waker); ok {
		wake = w.Wake()
	}

	name := t.p.Name()
	backoff := r.BaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := safe.Run(ctx, name, t.p.Refresh)
		refreshDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		wait := t.every
		switch {
		case err == nil:
			refreshTotal.WithLabelValues(name, "ok").Inc()
			backoff = r.BaseBackoff
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return
		default:
			refreshTotal.WithLabelValues(name, "error").Inc()
			logger.Warn(ctx, "producer refresh failed", zap.String("producer", name), zap.Error(err))

			// 指数退避 + jitter
			wait = backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
			if wait > r.MaxBackoff {
				wait = r.MaxBackoff
			}
			backoff *= 2
			if backoff > r.MaxBackoff {
				backoff = r.MaxBackoff
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}
