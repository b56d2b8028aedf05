package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// AlertRuleRepository 报警规则仓库（telemetry_alert_rules）
type AlertRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRuleRepository 创建报警规则仓库
func NewAlertRuleRepository(db *sql.DB, logger *zap.Logger) *AlertRuleRepository {
	return &AlertRuleRepository{
		db:     db,
		logger: logger,
	}
}

// ListRules 读取全部规则（含禁用规则，按 sort_order, rule_id 排序）
// 校验由规则存储统一负责，这里只做映射
func (r *AlertRuleRepository) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	query := `
		SELECT rule_id, name, field, comparator, threshold, cooldown_sec, channels, severity, enabled
		FROM telemetry_alert_rules
		ORDER BY sort_order, rule_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var (
			rule        models.AlertRule
			comparator  string
			cooldownSec int64
			channels    string
		)
		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Predicate.Field, &comparator, &rule.Predicate.Threshold,
			&cooldownSec, &channels, &rule.Severity, &rule.Enabled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rule.Predicate.Comparator = models.Comparator(comparator)
		rule.Cooldown = time.Duration(cooldownSec) * time.Second
		rule.Action.Channels = parseChannels(channels)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rules: %w", err)
	}

	r.logger.Debug("Alert rules loaded from database", zap.Int("count", len(rules)))
	return rules, nil
}

// parseChannels channels 列支持 JSON 数组或逗号分隔
func parseChannels(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
	}
	return splitList(s)
}
