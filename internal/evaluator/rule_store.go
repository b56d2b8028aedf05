package evaluator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-telemetry/internal/models"
)

// ErrInvalidRule 规则校验失败
var ErrInvalidRule = errors.New("invalid alert rule")

// ChannelRegistry 判断通知渠道是否已注册
type ChannelRegistry func(name string) bool

// RuleStore 当前生效的规则集
// 读者通过 Current() 拿到完整快照，Replace 要么整体替换要么不变。
type RuleStore struct {
	current  atomic.Pointer[models.RuleSet]
	mu       sync.Mutex // 串行化 Replace
	channels ChannelRegistry
	now      func() time.Time
}

// NewRuleStore 创建规则库（初始为空规则集，版本 0）
func NewRuleStore(channels ChannelRegistry) *RuleStore {
	s := &RuleStore{channels: channels, now: time.Now}
	s.current.Store(&models.RuleSet{LoadedAt: s.now()})
	return s
}

// Current 当前规则集快照
func (s *RuleStore) Current() *models.RuleSet {
	return s.current.Load()
}

// Replace 校验并原子替换规则集；校验失败时保留原规则集
func (s *RuleStore) Replace(rules []models.AlertRule) (*models.RuleSet, error) {
	if err := ValidateRules(rules, s.channels); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &models.RuleSet{
		Version:  s.current.Load().Version + 1,
		Rules:    cloneRules(rules),
		LoadedAt: s.now(),
	}
	s.current.Store(next)
	return next, nil
}

// ValidateRules 校验整组规则，返回所有错误（errors.Join）
func ValidateRules(rules []models.AlertRule, channels ChannelRegistry) error {
	var errs []error
	seen := make(map[string]bool, len(rules))

	for i, r := range rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%w: rule #%d has empty id", ErrInvalidRule, i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, id))
		}
		seen[id] = true

		if !models.IsKnownField(r.Predicate.Field) {
			errs = append(errs, fmt.Errorf("%w: rule %q: unknown field %q", ErrInvalidRule, id, r.Predicate.Field))
		}
		if !r.Predicate.Comparator.Valid() {
			errs = append(errs, fmt.Errorf("%w: rule %q: unknown comparator %q", ErrInvalidRule, id, r.Predicate.Comparator))
		}
		if math.IsNaN(r.Predicate.Threshold) || math.IsInf(r.Predicate.Threshold, 0) {
			errs = append(errs, fmt.Errorf("%w: rule %q: threshold must be finite", ErrInvalidRule, id))
		}
		if r.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("%w: rule %q: negative cooldown", ErrInvalidRule, id))
		}
		if len(r.Action.Channels) == 0 {
			errs = append(errs, fmt.Errorf("%w: rule %q: no channels", ErrInvalidRule, id))
		}
		for _, ch := range r.Action.Channels {
			if channels != nil && !channels(ch) {
				errs = append(errs, fmt.Errorf("%w: rule %q: unknown channel %q", ErrInvalidRule, id, ch))
			}
		}
	}
	return errors.Join(errs...)
}

func cloneRules(rules []models.AlertRule) []models.AlertRule {
	out := make([]models.AlertRule, len(rules))
	for i, r := range rules {
		r.ID = strings.TrimSpace(r.ID)
		r.Action.Channels = append([]string(nil), r.Action.Channels...)
		out[i] = r
	}
	return out
}
