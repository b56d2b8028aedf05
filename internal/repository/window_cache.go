package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// LatestWindowStore 按 key 保存一个带起始时间的窗口（用于在单元测试中替换 Redis）
type LatestWindowStore interface {
	// PutIfNewer 仅当 start 不早于已保存的起始时间时写入，返回是否写入
	PutIfNewer(ctx context.Context, key string, start int64, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// putIfNewerScript 比较与写入在 Redis 内原子完成，多个实例并发写同一设备也不会回退
// KEYS[1] = hash key；ARGV = start(ms)、window JSON、ttl(ms)
var putIfNewerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'start')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'start', ARGV[1], 'window', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisWindowStore 基于 Redis hash + Lua 的 LatestWindowStore
type RedisWindowStore struct {
	client *redis.Client
}

// NewRedisWindowStore 创建 Redis 窗口存储
func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

// PutIfNewer 原子比较并写入
func (s *RedisWindowStore) PutIfNewer(ctx context.Context, key string, start int64, value []byte, ttl time.Duration) (bool, error) {
	n, err := putIfNewerScript.Run(ctx, s.client, []string{key}, start, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get 读取窗口 JSON；不存在时返回 ErrCacheMiss
func (s *RedisWindowStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.HGet(ctx, key, "window").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

// WindowCache 每个设备最近一个已关闭窗口的缓存
// key: telemetry:window:{device_id}:latest
type WindowCache struct {
	store  LatestWindowStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewWindowCache 创建窗口缓存
func NewWindowCache(store LatestWindowStore, ttl time.Duration, logger *zap.Logger) *WindowCache {
	return &WindowCache{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

func latestWindowKey(deviceID string) string {
	return fmt.Sprintf("telemetry:window:%s:latest", deviceID)
}

// Name 投递目标名称
func (c *WindowCache) Name() string { return "redis-window-cache" }

// WriteWindow 更新设备最新窗口；比缓存中更旧的窗口不会覆盖，同一窗口重复写入结果不变
func (c *WindowCache) WriteWindow(ctx context.Context, w models.Window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal window: %w", err)
	}
	key := latestWindowKey(w.DeviceID)
	written, err := c.store.PutIfNewer(ctx, key, w.Start.UnixMilli(), data, c.ttl)
	if err != nil {
		return fmt.Errorf("failed to update window cache: %w", err)
	}
	if !written {
		c.logger.Debug("Skipped older window for cache",
			zap.String("device_id", w.DeviceID),
			zap.Time("window_start", w.Start),
		)
	}
	return nil
}

// Latest 读取设备最新窗口；不存在时返回 ErrCacheMiss
func (c *WindowCache) Latest(ctx context.Context, deviceID string) (*models.Window, error) {
	val, err := c.store.Get(ctx, latestWindowKey(deviceID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	var w models.Window
	if err := json.Unmarshal(val, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached window: %w", err)
	}
	return &w, nil
}

// LatestWindowReader 读取设备最新窗口：先查缓存，未命中或缓存故障时回源 PostgreSQL
type LatestWindowReader struct {
	cache  *WindowCache
	repo   *WindowAggregateRepository
	logger *zap.Logger
}

// NewLatestWindowReader cache 可为 nil（未配置 Redis）
func NewLatestWindowReader(cache *WindowCache, repo *WindowAggregateRepository, logger *zap.Logger) *LatestWindowReader {
	return &LatestWindowReader{cache: cache, repo: repo, logger: logger}
}

// LatestWindow 设备不存在窗口时返回 (nil, nil)
func (r *LatestWindowReader) LatestWindow(ctx context.Context, deviceID string) (*models.Window, error) {
	if r.cache != nil {
		w, err := r.cache.Latest(ctx, deviceID)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			r.logger.Warn("Window cache read failed, falling back to database",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}
	return r.repo.LatestWindow(ctx, deviceID)
}
