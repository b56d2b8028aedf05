package evaluator

import (
	"context"
	"fmt"
	"os"
	"time"

	"wisefido-telemetry/internal/models"

	"gopkg.in/yaml.v3"
)

// RuleLoader 规则来源
type RuleLoader interface {
	Load(ctx context.Context) ([]models.AlertRule, error)
}

// ruleFile YAML 规则文件结构
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Field      string   `yaml:"field"`
	Comparator string   `yaml:"comparator"`
	Threshold  *float64 `yaml:"threshold"`
	Cooldown   string   `yaml:"cooldown"`
	Channels   []string `yaml:"channels"`
	Severity   string   `yaml:"severity"`
	Enabled    *bool    `yaml:"enabled"`
}

// FileRuleLoader 从 YAML 文件加载规则
type FileRuleLoader struct {
	path string
}

// NewFileRuleLoader 创建文件规则加载器
func NewFileRuleLoader(path string) *FileRuleLoader {
	return &FileRuleLoader{path: path}
}

// Load 读取并解析规则文件
func (l *FileRuleLoader) Load(_ context.Context) ([]models.AlertRule, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRulesYAML(data)
}

// ParseRulesYAML 解析 YAML 规则定义；cooldown 使用 Go duration 格式（如 "60s"）
func ParseRulesYAML(data []byte) ([]models.AlertRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules yaml: %w", err)
	}

	rules := make([]models.AlertRule, 0, len(f.Rules))
	for i, e := range f.Rules {
		// 缺省阈值不能当作 0
		if e.Threshold == nil {
			return nil, fmt.Errorf("%w: rule #%d (%s): missing threshold", ErrInvalidRule, i, e.ID)
		}
		var cooldown time.Duration
		if e.Cooldown != "" {
			d, err := time.ParseDuration(e.Cooldown)
			if err != nil {
				return nil, fmt.Errorf("%w: rule #%d (%s): cooldown: %v", ErrInvalidRule, i, e.ID, err)
			}
			cooldown = d
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		rules = append(rules, models.AlertRule{
			ID:   e.ID,
			Name: e.Name,
			Predicate: models.Predicate{
				Field:      e.Field,
				Comparator: models.Comparator(e.Comparator),
				Threshold:  *e.Threshold,
			},
			Action:   models.Action{Channels: e.Channels},
			Cooldown: cooldown,
			Severity: e.Severity,
			Enabled:  enabled,
		})
	}
	return rules, nil
}

// RuleLister 规则仓库（PostgreSQL alert_rules 表）
type RuleLister interface {
	ListRules(ctx context.Context) ([]models.AlertRule, error)
}

// PostgresRuleLoader 从数据库加载规则
type PostgresRuleLoader struct {
	repo RuleLister
}

// NewPostgresRuleLoader 创建数据库规则加载器
func NewPostgresRuleLoader(repo RuleLister) *PostgresRuleLoader {
	return &PostgresRuleLoader{repo: repo}
}

// Load 读取全部规则
func (l *PostgresRuleLoader) Load(ctx context.Context) ([]models.AlertRule, error) {
	rules, err := l.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from database: %w", err)
	}
	return rules, nil
}
