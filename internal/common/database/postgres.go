package database

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-telemetry/internal/common/config"

	_ "github.com/lib/pq"
)

// NewPostgresDB 创建PostgreSQL数据库连接
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// schemaStatements 遥测服务所需的表（幂等）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS telemetry_windows (
		device_id          TEXT             NOT NULL,
		window_start       TIMESTAMPTZ      NOT NULL,
		window_end         TIMESTAMPTZ      NOT NULL,
		location           TEXT             NOT NULL DEFAULT '',
		record_count       BIGINT           NOT NULL,
		temperature_sum    DOUBLE PRECISION NOT NULL,
		temperature_min    DOUBLE PRECISION NOT NULL,
		temperature_max    DOUBLE PRECISION NOT NULL,
		temperature_mean   DOUBLE PRECISION NOT NULL,
		humidity_sum       DOUBLE PRECISION NOT NULL,
		humidity_min       DOUBLE PRECISION NOT NULL,
		humidity_max       DOUBLE PRECISION NOT NULL,
		humidity_mean      DOUBLE PRECISION NOT NULL,
		updated_at         TIMESTAMPTZ      NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry_anomalies (
		device_id     TEXT             NOT NULL,
		ts            TIMESTAMPTZ      NOT NULL,
		location      TEXT             NOT NULL DEFAULT '',
		temperature   DOUBLE PRECISION NOT NULL,
		humidity      DOUBLE PRECISION NOT NULL,
		rule_ids      TEXT             NOT NULL,
		rule_version  BIGINT           NOT NULL,
		created_at    TIMESTAMPTZ      NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry_alert_events (
		event_id       TEXT             PRIMARY KEY,
		rule_id        TEXT             NOT NULL,
		device_id      TEXT             NOT NULL,
		field          TEXT             NOT NULL,
		comparator     TEXT             NOT NULL,
		threshold      DOUBLE PRECISION NOT NULL,
		trigger_value  DOUBLE PRECISION NOT NULL,
		severity       TEXT             NOT NULL DEFAULT '',
		triggered_at   TIMESTAMPTZ      NOT NULL,
		created_at     TIMESTAMPTZ      NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry_alert_rules (
		rule_id      TEXT             PRIMARY KEY,
		name         TEXT             NOT NULL DEFAULT '',
		field        TEXT             NOT NULL,
		comparator   TEXT             NOT NULL,
		threshold    DOUBLE PRECISION NOT NULL,
		cooldown_sec INTEGER          NOT NULL DEFAULT 0,
		channels     TEXT             NOT NULL,
		severity     TEXT             NOT NULL DEFAULT 'WARNING',
		enabled      BOOLEAN          NOT NULL DEFAULT TRUE,
		sort_order   INTEGER          NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry_dead_letters (
		id          TEXT        PRIMARY KEY,
		sink        TEXT        NOT NULL,
		kind        TEXT        NOT NULL,
		item_key    TEXT        NOT NULL,
		payload     JSONB       NOT NULL,
		error       TEXT        NOT NULL,
		attempts    INTEGER     NOT NULL,
		failed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_dead_letters_failed_at ON telemetry_dead_letters (failed_at DESC)`,
}

// EnsureSchema 创建遥测服务所需的表
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
