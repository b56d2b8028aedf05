package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// AlertEventRepository 报警事件日志（通知渠道 "alert-log"，始终启用）
type AlertEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertEventRepository 创建报警事件仓库
func NewAlertEventRepository(db *sql.DB, logger *zap.Logger) *AlertEventRepository {
	return &AlertEventRepository{
		db:     db,
		logger: logger,
	}
}

// Name 渠道名称
func (r *AlertEventRepository) Name() string { return "alert-log" }

// Notify 记录报警事件；event_id 冲突时忽略（重复投递）
func (r *AlertEventRepository) Notify(ctx context.Context, e models.AlertEvent) error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}

	query := `
		INSERT INTO telemetry_alert_events (
			event_id, rule_id, device_id, field, comparator,
			threshold, trigger_value, severity, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		e.EventID, e.RuleID, e.DeviceID, e.Field, string(e.Comparator),
		e.Threshold, e.TriggerValue, e.Severity, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("Alert event already logged", zap.String("event_id", e.EventID))
	}
	return nil
}
