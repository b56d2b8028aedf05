package models

import (
	"time"
)

// Comparator 阈值比较符
type Comparator string

const (
	ComparatorGreater        Comparator = ">"
	ComparatorGreaterOrEqual Comparator = ">="
	ComparatorLess           Comparator = "<"
	ComparatorLessOrEqual    Comparator = "<="
	ComparatorEqual          Comparator = "=="
	ComparatorNotEqual       Comparator = "!="
)

// Valid 比较符是否受支持
func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGreater, ComparatorGreaterOrEqual, ComparatorLess,
		ComparatorLessOrEqual, ComparatorEqual, ComparatorNotEqual:
		return true
	default:
		return false
	}
}

// Compare 计算 value <comparator> threshold
func (c Comparator) Compare(value, threshold float64) bool {
	switch c {
	case ComparatorGreater:
		return value > threshold
	case ComparatorGreaterOrEqual:
		return value >= threshold
	case ComparatorLess:
		return value < threshold
	case ComparatorLessOrEqual:
		return value <= threshold
	case ComparatorEqual:
		return value == threshold
	case ComparatorNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Predicate 规则谓词：field comparator threshold
type Predicate struct {
	Field      string     `json:"field" yaml:"field"`
	Comparator Comparator `json:"comparator" yaml:"comparator"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
}

// Evaluate 对记录求值（未知字段视为不命中）
func (p Predicate) Evaluate(r TelemetryRecord) (float64, bool) {
	v, ok := r.Value(p.Field)
	if !ok {
		return 0, false
	}
	return v, p.Comparator.Compare(v, p.Threshold)
}

// Action 规则动作：通知渠道引用
type Action struct {
	Channels []string `json:"channels" yaml:"channels"`
}

// AlertRule 报警规则（配置实体，评估期间不可变）
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Predicate Predicate     `json:"predicate"`
	Action    Action        `json:"action"`
	Cooldown  time.Duration `json:"cooldown"`
	Severity  string        `json:"severity,omitempty"`
	Enabled   bool          `json:"enabled"`
}

// RuleSet 规则集快照（发布后不可修改）
type RuleSet struct {
	Version  int64       `json:"version"`
	Rules    []AlertRule `json:"rules"`
	LoadedAt time.Time   `json:"loaded_at"`
}

// Rule 按 ID 查找规则
func (s *RuleSet) Rule(id string) (AlertRule, bool) {
	if s == nil {
		return AlertRule{}, false
	}
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return AlertRule{}, false
}
