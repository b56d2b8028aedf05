package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// AnomalyRecordRepository 异常记录仓库（telemetry_anomalies）
type AnomalyRecordRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAnomalyRecordRepository 创建异常记录仓库
func NewAnomalyRecordRepository(db *sql.DB, logger *zap.Logger) *AnomalyRecordRepository {
	return &AnomalyRecordRepository{
		db:     db,
		logger: logger,
	}
}

// Name 投递目标名称
func (r *AnomalyRecordRepository) Name() string { return "postgres-anomalies" }

// WriteAnomaly 写入异常记录；同一 (device_id, ts) 重复写入被忽略
func (r *AnomalyRecordRepository) WriteAnomaly(ctx context.Context, ann models.AnnotatedRecord) error {
	rec := ann.Record
	if rec.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO telemetry_anomalies (
			device_id, ts, location, temperature, humidity, rule_ids, rule_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, ts) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.DeviceID, rec.Timestamp.UTC(), rec.Location,
		rec.Temperature, rec.Humidity,
		strings.Join(ann.MatchedRuleIDs, ","), ann.RuleSetVersion(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

// AnomalyFilters 异常记录查询条件
type AnomalyFilters struct {
	DeviceID *string    // 设备ID
	From     *time.Time // ts >= From
	To       *time.Time // ts < To
	Limit    int        // 默认 100，最大 1000
}

// AnomalyRow 查询结果行
type AnomalyRow struct {
	Record         models.TelemetryRecord `json:"record"`
	MatchedRuleIDs []string               `json:"matched_rule_ids"`
	RuleVersion    int64                  `json:"rule_version"`
}

// Query 按设备/时间范围查询异常记录（新到旧）
func (r *AnomalyRecordRepository) Query(ctx context.Context, filters AnomalyFilters) ([]AnomalyRow, error) {
	var (
		where []string
		args  []any
	)
	if filters.DeviceID != nil && *filters.DeviceID != "" {
		args = append(args, *filters.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if filters.From != nil {
		args = append(args, filters.From.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if filters.To != nil {
		args = append(args, filters.To.UTC())
		where = append(where, fmt.Sprintf("ts < $%d", len(args)))
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	query := `
		SELECT device_id, ts, location, temperature, humidity, rule_ids, rule_version
		FROM telemetry_anomalies
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []AnomalyRow
	for rows.Next() {
		var (
			row     AnomalyRow
			ruleIDs string
		)
		if err := rows.Scan(
			&row.Record.DeviceID, &row.Record.Timestamp, &row.Record.Location,
			&row.Record.Temperature, &row.Record.Humidity, &ruleIDs, &row.RuleVersion,
		); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		row.Record.Timestamp = row.Record.Timestamp.UTC()
		row.MatchedRuleIDs = splitList(ruleIDs)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate anomalies: %w", err)
	}
	return out, nil
}

// splitList 逗号分隔的文本列
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
