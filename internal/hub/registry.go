package hub

import (
	"hash/fnv"
	"sync"

	"markethub.com/internal/channel"
	"markethub.com/internal/wsmetrics"
)

// Registry 维护 连接 <-> 频道 的多对多关系。
// 频道按 key 哈希到分片，每个分片一把读写锁；每个 Session 自己持有已订阅集合。
// 锁顺序固定为 session.subMu -> shard.mu -> outbox.mu，没有全局锁。
type Registry struct {
	shards []regShard
}

type regShard struct {
	mu   sync.RWMutex
	subs map[channel.Descriptor]map[*Session]struct{}
	last map[channel.Descriptor][]byte // 最近一帧，新订阅者立即回放
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = 32
	}
	r := &Registry{shards: make([]regShard, shards)}
	for i := range r.shards {
		r.shards[i].subs = make(map[channel.Descriptor]map[*Session]struct{}, 64)
		r.shards[i].last = make(map[channel.Descriptor][]byte, 64)
	}
	return r
}

func (r *Registry) shard(d channel.Descriptor) *regShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(d.Key()))
	return &r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Subscribe 幂等：已存在返回 already_subscribed，不做任何修改
func (r *Registry) Subscribe(s *Session, d channel.Descriptor) Status {
	return r.subscribe(s, d, nil)
}

// subscribe 在分片锁内先调用 ack，再回放快照，保证客户端先看到订阅确认再看到数据
func (r *Registry) subscribe(s *Session, d channel.Descriptor, ack func(Status)) Status {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.dropped {
		return StatusUnsubscribed
	}
	if _, ok := s.subs[d]; ok {
		if ack != nil {
			ack(StatusAlreadySubscribed)
		}
		return StatusAlreadySubscribed
	}
	s.subs[d] = struct{}{}

	sh := r.shard(d)
	sh.mu.Lock()
	set := sh.subs[d]
	if set == nil {
		set = make(map[*Session]struct{}, 16)
		sh.subs[d] = set
	}
	set[s] = struct{}{}
	if ack != nil {
		ack(StatusSubscribed)
	}
	if snap := sh.last[d]; snap != nil {
		s.out.push(snap)
	}
	sh.mu.Unlock()

	wsmetrics.Subscriptions.WithLabelValues(d.Type()).Inc()
	return StatusSubscribed
}

// Unsubscribe 不存在也返回 unsubscribed
func (r *Registry) Unsubscribe(s *Session, d channel.Descriptor) Status {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if _, ok := s.subs[d]; !ok {
		return StatusUnsubscribed
	}
	delete(s.subs, d)
	r.remove(s, d)
	return StatusUnsubscribed
}

// DropConnection 清掉连接的所有订阅；可重复调用
func (r *Registry) DropConnection(s *Session) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.dropped = true
	for d := range s.subs {
		r.remove(s, d)
	}
	clear(s.subs)
}

func (r *Registry) remove(s *Session, d channel.Descriptor) {
	sh := r.shard(d)
	sh.mu.Lock()
	if set := sh.subs[d]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(sh.subs, d)
			delete(sh.last, d)
		}
	}
	sh.mu.Unlock()
	wsmetrics.Subscriptions.WithLabelValues(d.Type()).Dec()
}

// SubscribersOf 返回订阅者快照，调用方拿到后不再持锁
func (r *Registry) SubscribersOf(d channel.Descriptor) []*Session {
	sh := r.shard(d)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return copySet(sh.subs[d])
}

func (r *Registry) HasSubscribers(d channel.Descriptor) bool {
	sh := r.shard(d)
	sh.mu.RLock()
	n := len(sh.subs[d])
	sh.mu.RUnlock()
	return n > 0
}

// fanout 记录最近一帧并返回订阅者快照；没人订阅时什么也不记
func (r *Registry) fanout(d channel.Descriptor, frame []byte) []*Session {
	sh := r.shard(d)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.subs[d]
	if len(set) == 0 {
		return nil
	}
	sh.last[d] = frame
	return copySet(set)
}

// Channels 当前有订阅者的某类频道，producer 用来决定要拉哪些数据
func (r *Registry) Channels(kind channel.Kind) []channel.Descriptor {
	var out []channel.Descriptor
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for d := range sh.subs {
			if d.Kind == kind {
				out = append(out, d)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count 连接当前的订阅数
func (r *Registry) Count(s *Session) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (r *Registry) IsSubscribed(s *Session, d channel.Descriptor) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	_, ok := s.subs[d]
	return ok
}

func copySet(set map[*Session]struct{}) []*Session {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
