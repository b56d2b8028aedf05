package models

import (
	"encoding/json"
	"time"
)

// AlertEvent 报警事件（规则从未触发进入触发状态时产生）
type AlertEvent struct {
	EventID      string     `json:"event_id"`
	RuleID       string     `json:"rule_id"`
	DeviceID     string     `json:"device_id"`
	Location     string     `json:"location,omitempty"`
	Field        string     `json:"field"`
	Comparator   Comparator `json:"comparator"`
	Threshold    float64    `json:"threshold"`
	TriggerValue float64    `json:"trigger_value"`
	Severity     string     `json:"severity,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	Channels     []string   `json:"channels"`
}

// 死信类型
const (
	DeadLetterKindAlert   = "alert"
	DeadLetterKindWindow  = "window"
	DeadLetterKindAnomaly = "anomaly"
)

// DeadLetter 投递重试耗尽后的死信
type DeadLetter struct {
	ID       string          `json:"id"`
	Sink     string          `json:"sink"`
	Kind     string          `json:"kind"`
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}
