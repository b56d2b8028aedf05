package notifier

import (
	"context"
	"fmt"

	"wisefido-telemetry/internal/common/redis"
	"wisefido-telemetry/internal/models"

	goredis "github.com/go-redis/redis/v8"
)

// RedisStream 把报警写入 Redis Stream（下游服务以消费者组读取）
type RedisStream struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// NewRedisStream 创建 Redis Stream 渠道；maxLen > 0 时近似裁剪
func NewRedisStream(client *goredis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Name 渠道名称
func (s *RedisStream) Name() string { return "redis-stream" }

// Notify XADD 报警事件（data 字段为 JSON）
func (s *RedisStream) Notify(ctx context.Context, e models.AlertEvent) error {
	if _, err := redis.PublishJSONToStream(ctx, s.client, s.stream, e, s.maxLen); err != nil {
		return fmt.Errorf("failed to publish alert to stream %s: %w", s.stream, err)
	}
	return nil
}
