package models

import (
	"time"
)

// 可参与阈值判断的数值字段
const (
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
)

// TelemetryRecord 规范化后的遥测记录（不可变值，按值传递）
type TelemetryRecord struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Location    string    `json:"location,omitempty"`

	// Cursor 来源中的位置（用于断线续传），不参与业务判断
	Cursor string `json:"-"`
}

// Value 按字段名取数值
func (r TelemetryRecord) Value(field string) (float64, bool) {
	switch field {
	case FieldTemperature:
		return r.Temperature, true
	case FieldHumidity:
		return r.Humidity, true
	default:
		return 0, false
	}
}

// IsKnownField 字段是否可用于规则判断
func IsKnownField(field string) bool {
	return field == FieldTemperature || field == FieldHumidity
}

// AnnotatedRecord 经过异常分类的记录
type AnnotatedRecord struct {
	Record         TelemetryRecord `json:"record"`
	IsAnomaly      bool            `json:"is_anomaly"`
	MatchedRuleIDs []string        `json:"matched_rule_ids,omitempty"`

	// RuleSet 分类时使用的规则快照，规则引擎使用同一快照评估
	RuleSet *RuleSet `json:"-"`
}

// Matched 指定规则是否命中
func (a AnnotatedRecord) Matched(ruleID string) bool {
	for _, id := range a.MatchedRuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// RuleSetVersion 分类时规则快照的版本（无快照时为 0）
func (a AnnotatedRecord) RuleSetVersion() int64 {
	if a.RuleSet == nil {
		return 0
	}
	return a.RuleSet.Version
}
