package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadLetterRepository 死信仓库（telemetry_dead_letters）
type DeadLetterRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeadLetterRepository 创建死信仓库
func NewDeadLetterRepository(db *sql.DB, logger *zap.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{
		db:     db,
		logger: logger,
	}
}

// SaveDeadLetter 保存死信
func (r *DeadLetterRepository) SaveDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	payload := []byte(dl.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	query := `
		INSERT INTO telemetry_dead_letters (id, sink, kind, item_key, payload, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		dl.ID, dl.Sink, dl.Kind, dl.Key, payload, dl.Error, dl.Attempts, dl.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters 最近的死信（新到旧）；limit <= 0 时默认 100
func (r *DeadLetterRepository) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, sink, kind, item_key, payload, error, attempts, failed_at
		FROM telemetry_dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var (
			dl      models.DeadLetter
			payload []byte
		)
		if err := rows.Scan(&dl.ID, &dl.Sink, &dl.Kind, &dl.Key, &payload, &dl.Error, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Payload = payload
		dl.FailedAt = dl.FailedAt.UTC()
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return out, nil
}

// CountDeadLetters 死信总数
func (r *DeadLetterRepository) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
