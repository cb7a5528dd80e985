package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

// Evaluate checks every MONITORING rule against the latest sample and snapshot.
// A rule whose condition holds moves to TRIGGERED and produces exactly one Firing;
// rules in any other state are skipped, so evaluating the same input twice fires once.
// All rules are validated first; on error no rule is modified.
func Evaluate(rules []*AlertRule, latest ringbuffer.Sample, snap indicators.Snapshot) ([]Firing, error) {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}

	var firings []Firing
	for _, rule := range rules {
		if rule.State != StateMonitoring {
			continue
		}

		observed, hit := condition(rule, latest, snap)
		if !hit {
			continue
		}

		rule.State = StateTriggered
		firings = append(firings, Firing{
			ID:         uuid.New().String(),
			RuleID:     rule.ID,
			Symbol:     rule.Symbol,
			Kind:       rule.Kind,
			Comparator: rule.Comparator,
			Threshold:  rule.Threshold,
			Observed:   observed,
			Price:      latest.Close,
			Timestamp:  latest.Timestamp,
		})
	}

	return firings, nil
}

// condition returns the observed value and whether the rule holds on this tick
func condition(rule *AlertRule, latest ringbuffer.Sample, snap indicators.Snapshot) (float64, bool) {
	switch rule.Kind {
	case KindPrice:
		return latest.Close, compare(latest.Close, rule.Comparator, *rule.Threshold)
	case KindRSI:
		return snap.RSI, compare(snap.RSI, rule.Comparator, *rule.Threshold)
	case KindTrendFlip:
		dir := float64(snap.TrendDirection)
		// direction is meaningless until the bands have history
		if !snap.TrendReady {
			return dir, false
		}
		switch rule.Comparator {
		case FlipBullish:
			return dir, snap.TrendDirection == 1
		case FlipBearish:
			return dir, snap.TrendDirection == -1
		}
	}
	return 0, false
}

func compare(value float64, cmp Comparator, threshold float64) bool {
	switch cmp {
	case GreaterThan:
		return value > threshold
	case LessThan:
		return value < threshold
	}
	return false
}

// RuleSet owns the alert rules of one symbol and is the only writer of their state.
// It is not safe for concurrent use; the owning pipeline serializes access.
type RuleSet struct {
	symbol string
	rules  []*AlertRule
	now    func() time.Time
}

// NewRuleSet creates an empty rule set for symbol
func NewRuleSet(symbol string) *RuleSet {
	return &RuleSet{
		symbol: symbol,
		now:    time.Now,
	}
}

func newRule(symbol string, kind Kind, cmp Comparator, threshold *float64) *AlertRule {
	rule := &AlertRule{
		Symbol:     symbol,
		Kind:       kind,
		Comparator: cmp,
		State:      StateMonitoring,
	}
	if kind != KindTrendFlip && threshold != nil {
		t := *threshold
		rule.Threshold = &t
	}
	return rule
}

// ValidateDefinition checks a kind/comparator/threshold combination without creating a rule
func ValidateDefinition(kind Kind, cmp Comparator, threshold *float64) error {
	return newRule("", kind, cmp, threshold).Validate()
}

// Create validates and stores a new MONITORING rule. Malformed rules are never stored.
func (s *RuleSet) Create(kind Kind, cmp Comparator, threshold *float64) (AlertRule, error) {
	rule := newRule(s.symbol, kind, cmp, threshold)
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	rule.ID = uuid.New().String()
	rule.CreatedAt = s.now().UTC()

	s.rules = append(s.rules, rule)
	return *rule, nil
}

// Delete removes a rule by id
func (s *RuleSet) Delete(id string) error {
	for i, rule := range s.rules {
		if rule.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Get returns a copy of one rule
func (s *RuleSet) Get(id string) (AlertRule, error) {
	rule, err := s.find(id)
	if err != nil {
		return AlertRule{}, err
	}
	return *rule, nil
}

// List returns copies of all rules in creation order
func (s *RuleSet) List() []AlertRule {
	out := make([]AlertRule, len(s.rules))
	for i, rule := range s.rules {
		out[i] = *rule
	}
	return out
}

// Len returns the number of rules
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Active returns the number of rules still MONITORING
func (s *RuleSet) Active() int {
	n := 0
	for _, rule := range s.rules {
		if rule.State == StateMonitoring {
			n++
		}
	}
	return n
}

// Reset puts a TRIGGERED or DISABLED rule back into MONITORING
func (s *RuleSet) Reset(id string) (AlertRule, error) {
	return s.transition(id, StateMonitoring)
}

// Disable stops a rule from being evaluated until it is reset
func (s *RuleSet) Disable(id string) (AlertRule, error) {
	return s.transition(id, StateDisabled)
}

func (s *RuleSet) transition(id string, to State) (AlertRule, error) {
	rule, err := s.find(id)
	if err != nil {
		return AlertRule{}, err
	}
	rule.State = to
	return *rule, nil
}

// Validate checks every stored rule
func (s *RuleSet) Validate() error {
	for _, rule := range s.rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// Evaluate runs the rules against the latest tick
func (s *RuleSet) Evaluate(latest ringbuffer.Sample, snap indicators.Snapshot) ([]Firing, error) {
	return Evaluate(s.rules, latest, snap)
}

func (s *RuleSet) find(id string) (*AlertRule, error) {
	for _, rule := range s.rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}
