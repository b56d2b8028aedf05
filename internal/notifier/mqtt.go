package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-telemetry/internal/models"
)

// Publisher MQTT 发布接口（由 common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error
}

// MQTT 把报警发布到 {topic}/{device_id}
type MQTT struct {
	pub   Publisher
	topic string
	qos   byte
}

// NewMQTT 创建 MQTT 渠道
func NewMQTT(pub Publisher, topic string, qos byte) *MQTT {
	return &MQTT{
		pub:   pub,
		topic: strings.TrimSuffix(topic, "/"),
		qos:   qos,
	}
}

// Name 渠道名称
func (m *MQTT) Name() string { return "mqtt" }

// Notify 发布报警；等待确认的时间受 ctx 截止时间约束
func (m *MQTT) Notify(ctx context.Context, e models.AlertEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return ctx.Err()
		}
	}
	return m.pub.Publish(m.topic+"/"+e.DeviceID, m.qos, false, payload, timeout)
}
