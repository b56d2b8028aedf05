package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "telemetry:data:stream", "g1", "0"))
	// 组已存在时不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "telemetry:data:stream", "g1", "0"))
}

func TestPublishAndReadGroup(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "s", "g", "0"))

	_, err := PublishJSONToStream(ctx, client, "s", map[string]interface{}{"deviceId": "DEV001"}, 100)
	require.NoError(t, err)
	_, err = PublishToStream(ctx, client, "s", map[string]interface{}{"n": 42, "ok": true, "f": 1.5}, 0)
	require.NoError(t, err)

	messages, err := ReadGroup(ctx, client, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "DEV001", decoded["deviceId"])
	assert.Equal(t, "42", messages[1].Values["n"])
	assert.Equal(t, "true", messages[1].Values["ok"])
	assert.Equal(t, "1.5", messages[1].Values["f"])

	require.NoError(t, Ack(ctx, client, "s", "g", messages[0].ID, messages[1].ID))

	// 没有新消息时返回空列表
	messages, err = ReadGroup(ctx, client, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestReadPending_ReturnsUnackedEntries(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "s", "g", "0"))
	_, err := PublishToStream(ctx, client, "s", map[string]interface{}{"data": "a"}, 0)
	require.NoError(t, err)
	_, err = PublishToStream(ctx, client, "s", map[string]interface{}{"data": "b"}, 0)
	require.NoError(t, err)

	delivered, err := ReadGroup(ctx, client, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 2)
	require.NoError(t, Ack(ctx, client, "s", "g", delivered[0].ID))

	pending, err := ReadPending(ctx, client, "s", "g", "c1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, delivered[1].ID, pending[0].ID)
}
