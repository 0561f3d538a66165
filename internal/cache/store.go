package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ErrMiss 表示 key 不存在或已过期，不算故障
var ErrMiss = errors.New("cache: miss")

// Store 主存储（redis）的最小接口，测试里可以替换成会失败的实现
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(c *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: c, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // 零值表示不过期
}

// memStore 进程内兜底存储，绝对过期时间，后写覆盖先写
type memStore struct {
	mu    sync.Mutex
	m     map[string]memEntry
	clock clockwork.Clock
}

func newMemStore(clock clockwork.Clock) *memStore {
	return &memStore{m: make(map[string]memEntry), clock: clock}
}

func (s *memStore) get(key string) ([]byte, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.m, key)
		return nil, false
	}
	return e.value, true
}

// set expiresAt 由调用方按周期边界算好，零值表示不过期
func (s *memStore) set(key string, value []byte, expiresAt time.Time) {
	e := memEntry{value: value, expiresAt: expiresAt}
	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
}

// sweep 清理过期条目，返回删除数量
func (s *memStore) sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.m {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.m, k)
			n++
		}
	}
	return n
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
