package evaluator

import (
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
)

// Classifier 异常分类器：对记录逐条计算所有启用规则的谓词
type Classifier struct {
	store   *RuleStore
	metrics *metrics.Metrics
}

// NewClassifier 创建分类器
func NewClassifier(store *RuleStore, m *metrics.Metrics) *Classifier {
	return &Classifier{store: store, metrics: m}
}

// Classify 标注记录；同一条记录只读取一次规则快照
func (c *Classifier) Classify(rec models.TelemetryRecord) models.AnnotatedRecord {
	return ClassifyWith(c.store.Current(), rec, c.metrics)
}

// ClassifyWith 使用指定快照分类（纯函数，m 可为 nil）
func ClassifyWith(set *models.RuleSet, rec models.TelemetryRecord, m *metrics.Metrics) models.AnnotatedRecord {
	ann := models.AnnotatedRecord{Record: rec, RuleSet: set}
	if set == nil {
		return ann
	}
	for _, rule := range set.Rules {
		if !rule.Enabled {
			continue
		}
		if _, ok := rule.Predicate.Evaluate(rec); ok {
			ann.MatchedRuleIDs = append(ann.MatchedRuleIDs, rule.ID)
		}
	}
	ann.IsAnomaly = len(ann.MatchedRuleIDs) > 0
	if ann.IsAnomaly && m != nil {
		m.RecordsAnomalous.Inc()
	}
	return ann
}
