package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rediscommon "wisefido-telemetry/internal/common/redis"

	"github.com/go-redis/redis/v8"
)

// RedisStreamConfig Redis Streams 来源配置
type RedisStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration // XREADGROUP 阻塞时长
}

// RedisStreamSource 基于消费者组的 Redis Streams 来源
// 条目负载取自 "data" 字段；没有该字段时把整组字段编码为 JSON。
type RedisStreamSource struct {
	client *redis.Client
	cfg    RedisStreamConfig

	mu      sync.Mutex
	open    bool
	pending bool // 重连后先重放未确认的条目
}

// NewRedisStreamSource 创建 Redis Streams 来源
func NewRedisStreamSource(client *redis.Client, cfg RedisStreamConfig) *RedisStreamSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return &RedisStreamSource{client: client, cfg: cfg}
}

// Name 来源名称
func (s *RedisStreamSource) Name() string {
	return "redis:" + s.cfg.Stream
}

// Open 创建消费者组（已存在则沿用组内进度），cursor 仅在首次建组时作为起点
func (s *RedisStreamSource) Open(ctx context.Context, cursor string) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	if err := rediscommon.CreateConsumerGroup(ctx, s.client, s.cfg.Stream, s.cfg.Group, cursor); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", s.cfg.Stream, err)
	}

	s.mu.Lock()
	s.open = true
	s.pending = true
	s.mu.Unlock()
	return nil
}

// Next 读取下一批条目
func (s *RedisStreamSource) Next(ctx context.Context) ([]RawEntry, error) {
	s.mu.Lock()
	open, pending := s.open, s.pending
	s.mu.Unlock()
	if !open {
		return nil, ErrSourceClosed
	}

	var (
		messages []rediscommon.StreamMessage
		err      error
	)
	if pending {
		messages, err = rediscommon.ReadPending(ctx, s.client, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, s.cfg.BatchSize)
		if err == nil && len(messages) == 0 {
			s.mu.Lock()
			s.pending = false
			s.mu.Unlock()
		}
	}
	if !pending || (err == nil && len(messages) == 0) {
		messages, err = rediscommon.ReadGroup(ctx, s.client, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, s.cfg.BatchSize, s.cfg.Block)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", s.cfg.Stream, err)
	}

	entries := make([]RawEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, RawEntry{Cursor: msg.ID, Payload: streamPayload(msg.Values)})
	}
	return entries, nil
}

// Ack 确认条目
func (s *RedisStreamSource) Ack(ctx context.Context, cursors ...string) error {
	return rediscommon.Ack(ctx, s.client, s.cfg.Stream, s.cfg.Group, cursors...)
}

// Close 标记关闭；Redis 客户端由服务统一关闭
func (s *RedisStreamSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func streamPayload(values map[string]interface{}) []byte {
	if data, ok := values["data"].(string); ok {
		return []byte(data)
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return b
}
