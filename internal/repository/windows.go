package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// WindowAggregateRepository 窗口聚合结果仓库（telemetry_windows）
// 以 (device_id, window_start) 为主键 upsert，重复投递是幂等的
type WindowAggregateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWindowAggregateRepository 创建窗口聚合仓库
func NewWindowAggregateRepository(db *sql.DB, logger *zap.Logger) *WindowAggregateRepository {
	return &WindowAggregateRepository{
		db:     db,
		logger: logger,
	}
}

// Name 投递目标名称
func (r *WindowAggregateRepository) Name() string { return "postgres-windows" }

// WriteWindow 写入一个已关闭的窗口
func (r *WindowAggregateRepository) WriteWindow(ctx context.Context, w models.Window) error {
	if w.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO telemetry_windows (
			device_id, window_start, window_end, location, record_count,
			temperature_sum, temperature_min, temperature_max, temperature_mean,
			humidity_sum, humidity_min, humidity_max, humidity_mean, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (device_id, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			location = EXCLUDED.location,
			record_count = EXCLUDED.record_count,
			temperature_sum = EXCLUDED.temperature_sum,
			temperature_min = EXCLUDED.temperature_min,
			temperature_max = EXCLUDED.temperature_max,
			temperature_mean = EXCLUDED.temperature_mean,
			humidity_sum = EXCLUDED.humidity_sum,
			humidity_min = EXCLUDED.humidity_min,
			humidity_max = EXCLUDED.humidity_max,
			humidity_mean = EXCLUDED.humidity_mean,
			updated_at = now()
	`

	_, err := r.db.ExecContext(ctx, query,
		w.DeviceID, w.Start.UTC(), w.End.UTC(), w.Location, w.Count,
		w.Temperature.Sum, w.Temperature.Min, w.Temperature.Max, w.Temperature.Mean,
		w.Humidity.Sum, w.Humidity.Min, w.Humidity.Max, w.Humidity.Mean,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert window: %w", err)
	}

	r.logger.Debug("Window stored",
		zap.String("device_id", w.DeviceID),
		zap.Time("window_start", w.Start),
		zap.Int64("count", w.Count),
	)
	return nil
}

// LatestWindow 查询设备最近一个窗口；不存在时返回 (nil, nil)
func (r *WindowAggregateRepository) LatestWindow(ctx context.Context, deviceID string) (*models.Window, error) {
	query := `
		SELECT
			device_id, window_start, window_end, location, record_count,
			temperature_sum, temperature_min, temperature_max, temperature_mean,
			humidity_sum, humidity_min, humidity_max, humidity_mean
		FROM telemetry_windows
		WHERE device_id = $1
		ORDER BY window_start DESC
		LIMIT 1
	`

	var w models.Window
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&w.DeviceID, &w.Start, &w.End, &w.Location, &w.Count,
		&w.Temperature.Sum, &w.Temperature.Min, &w.Temperature.Max, &w.Temperature.Mean,
		&w.Humidity.Sum, &w.Humidity.Min, &w.Humidity.Max, &w.Humidity.Mean,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest window: %w", err)
	}
	w.Start = w.Start.UTC()
	w.End = w.End.UTC()
	return &w, nil
}
