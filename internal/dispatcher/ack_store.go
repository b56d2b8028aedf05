package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryAckStore 进程内确认记录，带 TTL 和容量上限
type MemoryAckStore struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time // key -> 过期时间
	order   []string             // 插入顺序，用于容量淘汰
}

// NewMemoryAckStore 创建内存确认记录
func NewMemoryAckStore(ttl time.Duration, maxSize int) *MemoryAckStore {
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &MemoryAckStore{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func ackKey(sink, eventID string) string {
	return sink + ":" + eventID
}

// Acked 是否已确认
func (s *MemoryAckStore) Acked(_ context.Context, sink, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.entries[ackKey(sink, eventID)]
	if !ok {
		return false, nil
	}
	if s.ttl > 0 && s.now().After(expires) {
		delete(s.entries, ackKey(sink, eventID))
		return false, nil
	}
	return true, nil
}

// MarkAcked 记录确认
func (s *MemoryAckStore) MarkAcked(_ context.Context, sink, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ackKey(sink, eventID)
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = s.now().Add(s.ttl)

	for len(s.entries) > s.maxSize && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	// order 中可能残留已过期删除的键，按需压缩
	if len(s.order) > 2*s.maxSize {
		compacted := s.order[:0]
		for _, k := range s.order {
			if _, ok := s.entries[k]; ok {
				compacted = append(compacted, k)
			}
		}
		s.order = compacted
	}
	return nil
}

// RedisAckStore 基于 Redis SETNX + TTL 的确认记录（多实例共享）
type RedisAckStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisAckStore 创建 Redis 确认记录
func NewRedisAckStore(client *redis.Client, prefix string, ttl time.Duration) *RedisAckStore {
	if prefix == "" {
		prefix = "telemetry:ack:"
	}
	return &RedisAckStore{client: client, prefix: prefix, ttl: ttl}
}

// Acked 是否已确认
func (s *RedisAckStore) Acked(ctx context.Context, sink, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+ackKey(sink, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkAcked 记录确认
func (s *RedisAckStore) MarkAcked(ctx context.Context, sink, eventID string) error {
	return s.client.SetNX(ctx, s.prefix+ackKey(sink, eventID), time.Now().Unix(), s.ttl).Err()
}
