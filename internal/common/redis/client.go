package redis

import (
	"context"
	"fmt"

	"wisefido-telemetry/internal/common/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient 创建Redis客户端；连接池和读超时取自配置，零值沿用 go-redis 默认
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
		opts.WriteTimeout = cfg.ReadTimeout
	}
	return redis.NewClient(opts)
}

// Ping 测试连接，失败时带上地址
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", client.Options().Addr, err)
	}
	return nil
}
