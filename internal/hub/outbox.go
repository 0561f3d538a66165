package hub

import (
	"sync"

	"markethub.com/internal/wsmetrics"
)

// outbox 是每个连接的有界发送队列：满了丢最旧的（行情只要新鲜），
// 只有 writePump 一个消费者。
type outbox struct {
	mu     sync.Mutex
	buf    [][]byte // 环形缓冲
	head   int
	n      int
	closed bool

	notify chan struct{} // 缓冲 1：合并唤醒
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 256
	}
	return &outbox{
		buf:    make([][]byte, size),
		notify: make(chan struct{}, 1),
	}
}

// push 永不阻塞；关闭后返回 false
func (o *outbox) push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		wsmetrics.DroppedTotal.WithLabelValues("closed").Inc()
		return false
	}
	if o.n == len(o.buf) {
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
		o.n--
		wsmetrics.DroppedTotal.WithLabelValues("outbox_full").Inc()
	}
	o.buf[(o.head+o.n)%len(o.buf)] = frame
	o.n++
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// drain 按入队顺序取出最多 max 条
func (o *outbox) drain(max int) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == 0 {
		return nil
	}
	k := min(o.n, max)
	out := make([][]byte, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, o.buf[o.head])
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
	}
	o.n -= k
	return out
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// close 丢弃未发送的帧，之后的 push 都失败
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.n > 0 {
		wsmetrics.DroppedTotal.WithLabelValues("closed").Add(float64(o.n))
	}
	clear(o.buf)
	o.head, o.n = 0, 0
}
