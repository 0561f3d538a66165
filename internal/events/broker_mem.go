package events

import (
	"context"
	"slices"
	"sync"
)

// MemBroker 单进程内的 broker，fanout at-most-once，慢订阅者直接丢
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	bufLen int
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message), bufLen: 1024}
}

func (b *MemBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.bufLen)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			b.subs[t] = slices.DeleteFunc(b.subs[t], func(c chan Message) bool { return c == ch })
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		// 先摘掉再关，Publish 持读锁期间不会往已关闭的 channel 写
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

func (b *MemBroker) Close() error { return nil }
