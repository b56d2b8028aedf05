package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishToStream 发布消息到 Redis Streams
// maxLen > 0 时使用近似裁剪（MAXLEN ~），保证流长度有界
func PublishToStream(ctx context.Context, client *redis.Client, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		strValue, err := toStreamValue(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode field %s: %w", k, err)
		}
		streamValues[k] = strValue
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams（data + timestamp 信封）
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}, maxLen int64) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	}, maxLen)
}

func toStreamValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// ReadGroup 以消费者组方式读取新消息（XREADGROUP >）
// block <= 0 表示不阻塞
func ReadGroup(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	return readGroupFrom(ctx, client, stream, group, consumer, ">", count, block)
}

// ReadPending 读取本消费者已投递但未确认的消息（断线重连后重放）
func ReadPending(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64) ([]StreamMessage, error) {
	return readGroupFrom(ctx, client, stream, group, consumer, "0", count, 0)
}

func readGroupFrom(ctx context.Context, client *redis.Client, stream, group, consumer, id string, count int64, block time.Duration) ([]StreamMessage, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}

	return messages, nil
}

// CreateConsumerGroup 创建消费者组（流不存在时一并创建，组已存在时忽略）
// start 为组的起始位置："$" 仅新消息，"0" 从头，或具体的消息 ID
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream, group, start string) error {
	if start == "" {
		start = "$"
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Ack 确认消息已处理
func Ack(ctx context.Context, client *redis.Client, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return client.XAck(ctx, stream, group, ids...).Err()
}
