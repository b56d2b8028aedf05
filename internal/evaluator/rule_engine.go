package evaluator

import (
	"sync"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// PairState (rule, device) 状态
type PairState string

const (
	StateQuiet PairState = "QUIET"
	StateFired PairState = "FIRED"
)

type pairKey struct {
	ruleID   string
	deviceID string
}

type pairState struct {
	state     PairState
	lastFired time.Time // 最近一次触发的事件时间
	hasFired  bool
}

// RuleEngine 边沿触发的规则状态机
// 每个分区一个实例；冷却时间按记录的事件时间计算。
type RuleEngine struct {
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	states  map[pairKey]*pairState
	version int64 // 最近一次用于评估的规则集版本
}

// NewRuleEngine 创建规则引擎
func NewRuleEngine(m *metrics.Metrics, logger *zap.Logger) *RuleEngine {
	return &RuleEngine{
		metrics: m,
		logger:  logger,
		states:  make(map[pairKey]*pairState),
	}
}

// Evaluate 根据已分类记录推进状态机，返回新产生的报警事件
func (e *RuleEngine) Evaluate(ann models.AnnotatedRecord) []models.AlertEvent {
	set := ann.RuleSet
	if set == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if set.Version > e.version {
		e.collect(set)
		e.version = set.Version
	}

	var events []models.AlertEvent
	rec := ann.Record
	for _, rule := range set.Rules {
		if !rule.Enabled {
			continue
		}
		key := pairKey{ruleID: rule.ID, deviceID: rec.DeviceID}
		st, ok := e.states[key]
		matched := ann.Matched(rule.ID)

		if !matched {
			if !ok {
				continue
			}
			st.state = StateQuiet
			// 冷却已过的 QUIET 与从未出现的组合行为一致，直接释放
			if rec.Timestamp.Sub(st.lastFired) >= rule.Cooldown {
				delete(e.states, key)
			}
			continue
		}

		if !ok {
			st = &pairState{state: StateQuiet}
			e.states[key] = st
		}

		if !e.shouldFire(st, rule, rec.Timestamp) {
			e.metrics.AlertsSuppressed.WithLabelValues(rule.ID).Inc()
			continue
		}

		value, _ := rec.Value(rule.Predicate.Field)
		event := BuildAlertEvent(rule, rec, value)
		st.state = StateFired
		st.lastFired = rec.Timestamp
		st.hasFired = true
		events = append(events, event)

		e.metrics.AlertsEmitted.WithLabelValues(rule.ID).Inc()
		e.logger.Info("Alert fired",
			zap.String("event_id", event.EventID),
			zap.String("rule_id", rule.ID),
			zap.String("device_id", rec.DeviceID),
			zap.Float64("trigger_value", value),
		)
	}
	return events
}

// shouldFire QUIET 时需满足冷却；FIRED 时仅在冷却 > 0 且已过冷却期时再次提醒
func (e *RuleEngine) shouldFire(st *pairState, rule models.AlertRule, ts time.Time) bool {
	if !st.hasFired {
		return true
	}
	elapsed := ts.Sub(st.lastFired)
	if st.state == StateQuiet {
		return elapsed >= rule.Cooldown
	}
	return rule.Cooldown > 0 && elapsed >= rule.Cooldown
}

// collect 删除不在新规则集中（或已禁用）的规则状态
func (e *RuleEngine) collect(set *models.RuleSet) {
	active := make(map[string]bool, len(set.Rules))
	for _, r := range set.Rules {
		if r.Enabled {
			active[r.ID] = true
		}
	}
	removed := 0
	for key := range e.states {
		if !active[key.ruleID] {
			delete(e.states, key)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug("Collected stale rule states",
			zap.Int64("version", set.Version),
			zap.Int("removed", removed),
		)
	}
}

// State 查询 (rule, device) 的当前状态，未知组合为 QUIET
func (e *RuleEngine) State(ruleID, deviceID string) PairState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[pairKey{ruleID: ruleID, deviceID: deviceID}]; ok {
		return st.state
	}
	return StateQuiet
}

// Pairs 当前持有状态的组合数量
func (e *RuleEngine) Pairs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}
