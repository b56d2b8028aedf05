package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-telemetry/internal/common/config"
	"wisefido-telemetry/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter kafka.Writer 的最小接口（便于测试替换）
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter 创建同步 Writer；按 key 哈希分区，同一设备的报警保持有序
func NewKafkaWriter(cfg config.KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// Kafka 把报警写入 Kafka 主题（消息 key 为设备 ID）
type Kafka struct {
	writer MessageWriter
}

// NewKafka 创建 Kafka 渠道
func NewKafka(writer MessageWriter) *Kafka {
	return &Kafka{writer: writer}
}

// Name 渠道名称
func (k *Kafka) Name() string { return "kafka" }

// Notify 写入一条报警消息
func (k *Kafka) Notify(ctx context.Context, e models.AlertEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.DeviceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.EventID)},
			{Key: "rule_id", Value: []byte(e.RuleID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert to kafka: %w", err)
	}
	return nil
}

// Close 关闭 Writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
