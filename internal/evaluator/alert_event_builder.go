package evaluator

import (
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/google/uuid"
)

// alertEventNamespace UUIDv5 命名空间
var alertEventNamespace = uuid.MustParse("5b0f3c1e-8d7a-4f7e-9a51-3c2b6e0d4a17")

// AlertEventID 由 (rule, device, timestamp) 派生的确定性事件 ID，重复投递时保持不变
func AlertEventID(ruleID, deviceID string, ts time.Time) string {
	name := ruleID + "|" + deviceID + "|" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertEventNamespace, []byte(name)).String()
}

// BuildAlertEvent 构建报警事件
func BuildAlertEvent(rule models.AlertRule, rec models.TelemetryRecord, triggerValue float64) models.AlertEvent {
	return models.AlertEvent{
		EventID:      AlertEventID(rule.ID, rec.DeviceID, rec.Timestamp),
		RuleID:       rule.ID,
		DeviceID:     rec.DeviceID,
		Location:     rec.Location,
		Field:        rule.Predicate.Field,
		Comparator:   rule.Predicate.Comparator,
		Threshold:    rule.Predicate.Threshold,
		TriggerValue: triggerValue,
		Severity:     rule.Severity,
		Timestamp:    rec.Timestamp,
		Channels:     append([]string(nil), rule.Action.Channels...),
	}
}
