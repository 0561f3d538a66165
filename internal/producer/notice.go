package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"markethub.com/internal/channel"
	"markethub.com/internal/events"
	"markethub.com/pkg/logger"
)

type Notice struct {
	ID        uint64         `json:"id"`
	Type      string         `json:"type"`
	Icon      string         `json:"icon,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	MetaData  map[string]any `json:"meta_data,omitempty"`
}

// NoticePage notices 频道推送的 data
type NoticePage struct {
	Notices []Notice `json:"notices"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
}

type NoticeSource interface {
	Notices(ctx context.Context, q channel.NoticeQuery) ([]Notice, error)
}

// NoticeProducer 定时 + 收到 notices:created 事件时刷新，页内容变化才推
type NoticeProducer struct {
	pub  Publisher
	src  NoticeSource
	wake chan struct{}

	last map[channel.Descriptor]string
}

func NewNoticeProducer(pub Publisher, src NoticeSource) *NoticeProducer {
	return &NoticeProducer{
		pub:  pub,
		src:  src,
		wake: make(chan struct{}, 1),
		last: make(map[channel.Descriptor]string),
	}
}

func (p *NoticeProducer) Name() string { return "notices" }

func (p *NoticeProducer) Wake() <-chan struct{} { return p.wake }

func (p *NoticeProducer) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Listen 订阅新公告事件，阻塞到 ctx 结束
func (p *NoticeProducer) Listen(ctx context.Context, b events.Broker) error {
	ch, err := b.Subscribe(ctx, []string{events.TopicNoticeCreated})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicNoticeCreated, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev events.NoticeCreated
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				// 解不出类型就当作所有频道都可能受影响
				logger.Warn(ctx, "notices: bad event payload", zap.Error(err))
				p.kick()
				continue
			}
			if p.interested(ev) {
				p.kick()
			}
		}
	}
}

// interested 有订阅者的 notices 频道里，不过滤类型的或类型相同的才需要提前刷新
func (p *NoticeProducer) interested(ev events.NoticeCreated) bool {
	if ev.Type == "" {
		return true
	}
	for _, d := range p.pub.Active(channel.KindNotices) {
		if d.Notices.Type == "" || d.Notices.Type == ev.Type {
			return true
		}
	}
	return false
}

func (p *NoticeProducer) Refresh(ctx context.Context) error {
	active := p.pub.Active(channel.KindNotices)
	seen := make(map[channel.Descriptor]struct{}, len(active))
	var errs []error

	for _, d := range active {
		seen[d] = struct{}{}
		list, err := p.src.Notices(ctx, d.Notices)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.String(), err))
			continue
		}
		sig := pageSignature(list)
		if prev, ok := p.last[d]; ok && prev == sig {
			continue
		}
		p.last[d] = sig
		if list == nil {
			list = []Notice{}
		}
		p.pub.Publish(d, NoticePage{Notices: list, Total: len(list), Limit: d.Notices.Limit})
		publishedTotal.WithLabelValues(p.Name()).Inc()
	}

	for d := range p.last {
		if _, ok := seen[d]; !ok {
			delete(p.last, d)
		}
	}
	return errors.Join(errs...)
}

// pageSignature 按 id + 更新时间判断一页是否变化
func pageSignature(list []Notice) string {
	b := make([]byte, 0, len(list)*24)
	for _, n := range list {
		b = fmt.Appendf(b, "%d@%d;", n.ID, n.UpdatedAt.UnixNano())
	}
	return string(b)
}
