package alerts

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidRuleDefinition is returned for malformed rules
	ErrInvalidRuleDefinition = errors.New("invalid rule definition")
	// ErrRuleNotFound is returned when no rule has the given id
	ErrRuleNotFound = errors.New("rule not found")
)

// Kind is the value an alert rule watches
type Kind string

const (
	KindPrice     Kind = "PRICE"
	KindRSI       Kind = "RSI"
	KindTrendFlip Kind = "TREND_FLIP"
)

// Comparator is the condition applied to the watched value
type Comparator string

const (
	GreaterThan Comparator = "GREATER_THAN"
	LessThan    Comparator = "LESS_THAN"
	FlipBullish Comparator = "FLIP_BULLISH"
	FlipBearish Comparator = "FLIP_BEARISH"
)

// State is the lifecycle position of a rule
type State string

const (
	StateMonitoring State = "MONITORING"
	StateTriggered  State = "TRIGGERED"
	StateDisabled   State = "DISABLED"
)

// AlertRule is a user-defined threshold alert for one symbol
type AlertRule struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Kind       Kind       `json:"kind"`
	Comparator Comparator `json:"comparator"`
	Threshold  *float64   `json:"threshold,omitempty"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Firing is emitted once when a rule transitions to TRIGGERED
type Firing struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	Symbol     string     `json:"symbol"`
	Kind       Kind       `json:"kind"`
	Comparator Comparator `json:"comparator"`
	Threshold  *float64   `json:"threshold,omitempty"`
	Observed   float64    `json:"observed"`
	Price      float64    `json:"price"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Description renders a short human-readable condition, e.g. "PRICE GREATER_THAN 110"
func (f Firing) Description() string {
	if f.Threshold == nil {
		return fmt.Sprintf("%s %s", f.Kind, f.Comparator)
	}
	return fmt.Sprintf("%s %s %g", f.Kind, f.Comparator, *f.Threshold)
}

// Validate checks the kind/comparator/threshold combination
func (r *AlertRule) Validate() error {
	switch r.Kind {
	case KindPrice, KindRSI:
		if r.Comparator != GreaterThan && r.Comparator != LessThan {
			return fmt.Errorf("%w: %s rule needs GREATER_THAN or LESS_THAN, got %q", ErrInvalidRuleDefinition, r.Kind, r.Comparator)
		}
		if r.Threshold == nil {
			return fmt.Errorf("%w: %s rule is missing a threshold", ErrInvalidRuleDefinition, r.Kind)
		}
		t := *r.Threshold
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: threshold must be finite", ErrInvalidRuleDefinition)
		}
		if r.Kind == KindRSI && (t < 0 || t > 100) {
			return fmt.Errorf("%w: RSI threshold %g outside 0-100", ErrInvalidRuleDefinition, t)
		}
	case KindTrendFlip:
		if r.Comparator != FlipBullish && r.Comparator != FlipBearish {
			return fmt.Errorf("%w: TREND_FLIP rule needs FLIP_BULLISH or FLIP_BEARISH, got %q", ErrInvalidRuleDefinition, r.Comparator)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRuleDefinition, r.Kind)
	}

	switch r.State {
	case StateMonitoring, StateTriggered, StateDisabled:
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRuleDefinition, r.State)
	}
	return nil
}
