package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqttcommon "wisefido-telemetry/internal/common/mqtt"
	"wisefido-telemetry/internal/queue"
)

// ErrBrokerDisconnected MQTT 连接断开
var ErrBrokerDisconnected = errors.New("mqtt broker disconnected")

// Subscriber MQTT 订阅能力（由 common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
}

// MQTTSourceConfig MQTT 来源配置
type MQTTSourceConfig struct {
	Topic      string
	QoS        byte
	BufferSize int
	BatchSize  int
	Poll       time.Duration
}

// MQTTSource MQTT 订阅来源
// MQTT 没有重放能力，cursor 为本地递增序号，Open 忽略传入的 cursor。
type MQTTSource struct {
	sub Subscriber
	cfg MQTTSourceConfig
	buf *queue.Bounded[RawEntry]
	seq atomic.Uint64

	mu   sync.Mutex
	open bool
}

// NewMQTTSource 创建 MQTT 来源；onDrop 在缓冲区溢出丢弃时回调
func NewMQTTSource(sub Subscriber, cfg MQTTSourceConfig, onDrop func(name string)) *MQTTSource {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	const bufName = "ingress-mqtt"
	var dropped func(RawEntry)
	if onDrop != nil {
		dropped = func(RawEntry) { onDrop(bufName) }
	}
	return &MQTTSource{
		sub: sub,
		cfg: cfg,
		buf: queue.NewBounded[RawEntry](bufName, cfg.BufferSize, 100*time.Millisecond, dropped),
	}
}

// Name 来源名称
func (s *MQTTSource) Name() string {
	return "mqtt:" + s.cfg.Topic
}

// Open 订阅主题
func (s *MQTTSource) Open(_ context.Context, _ string) error {
	if !s.sub.IsConnected() {
		return ErrBrokerDisconnected
	}
	if err := s.sub.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Topic, err)
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *MQTTSource) handle(_ string, payload []byte) error {
	cursor := strconv.FormatUint(s.seq.Add(1), 10)
	body := make([]byte, len(payload))
	copy(body, payload)
	return s.buf.Put(context.Background(), RawEntry{Cursor: cursor, Payload: body})
}

// Next 等待第一条消息（最多 Poll），随后非阻塞地取出至多 BatchSize 条
func (s *MQTTSource) Next(ctx context.Context) ([]RawEntry, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return nil, ErrSourceClosed
	}
	if !s.sub.IsConnected() {
		return nil, ErrBrokerDisconnected
	}

	timer := time.NewTimer(s.cfg.Poll)
	defer timer.Stop()

	var entries []RawEntry
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case e := <-s.buf.C():
		entries = append(entries, e)
	}
	for len(entries) < s.cfg.BatchSize {
		select {
		case e := <-s.buf.C():
			entries = append(entries, e)
		default:
			return entries, nil
		}
	}
	return entries, nil
}

// Ack MQTT 的 QoS 确认由客户端完成
func (s *MQTTSource) Ack(context.Context, ...string) error {
	return nil
}

// Close 取消订阅；已缓冲的消息保留到下次 Open
func (s *MQTTSource) Close() error {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if !wasOpen || !s.sub.IsConnected() {
		return nil
	}
	return s.sub.Unsubscribe(s.cfg.Topic)
}
