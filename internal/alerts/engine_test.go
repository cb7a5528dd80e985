package alerts

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

func ptr(v float64) *float64 { return &v }

func tick(close float64) ringbuffer.Sample {
	return ringbuffer.Sample{
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Close:     close,
	}
}

func TestRuleSet_CreateValidation(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		cmp       Comparator
		threshold *float64
		wantErr   bool
	}{
		{"price above", KindPrice, GreaterThan, ptr(110), false},
		{"price below", KindPrice, LessThan, ptr(90), false},
		{"rsi above", KindRSI, GreaterThan, ptr(70), false},
		{"rsi bounds inclusive", KindRSI, LessThan, ptr(0), false},
		{"trend bullish", KindTrendFlip, FlipBullish, nil, false},
		{"trend bearish ignores threshold", KindTrendFlip, FlipBearish, ptr(5), false},
		{"price missing threshold", KindPrice, GreaterThan, nil, true},
		{"rsi missing threshold", KindRSI, LessThan, nil, true},
		{"price with flip comparator", KindPrice, FlipBullish, ptr(100), true},
		{"trend with numeric comparator", KindTrendFlip, GreaterThan, nil, true},
		{"rsi out of range", KindRSI, GreaterThan, ptr(120), true},
		{"nan threshold", KindPrice, GreaterThan, ptr(math.NaN()), true},
		{"infinite threshold", KindPrice, LessThan, ptr(math.Inf(1)), true},
		{"unknown kind", Kind("VOLUME"), GreaterThan, ptr(1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewRuleSet("BTCUSDT")
			rule, err := set.Create(tt.kind, tt.cmp, tt.threshold)

			if tt.wantErr {
				if err := ValidateDefinition(tt.kind, tt.cmp, tt.threshold); !errors.Is(err, ErrInvalidRuleDefinition) {
					t.Errorf("ValidateDefinition() = %v, want ErrInvalidRuleDefinition", err)
				}
				if !errors.Is(err, ErrInvalidRuleDefinition) {
					t.Fatalf("Expected ErrInvalidRuleDefinition, got %v", err)
				}
				if set.Len() != 0 {
					t.Errorf("Malformed rule was stored")
				}
				return
			}

			if err := ValidateDefinition(tt.kind, tt.cmp, tt.threshold); (err != nil) != tt.wantErr {
				t.Errorf("ValidateDefinition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if rule.ID == "" || rule.State != StateMonitoring || rule.Symbol != "BTCUSDT" {
				t.Errorf("Unexpected rule %+v", rule)
			}
			if tt.kind == KindTrendFlip && rule.Threshold != nil {
				t.Errorf("TREND_FLIP rule kept threshold %v", *rule.Threshold)
			}
		})
	}
}

func TestRuleSet_ThresholdIsCopied(t *testing.T) {
	set := NewRuleSet("BTCUSDT")
	threshold := 100.0
	rule, _ := set.Create(KindPrice, GreaterThan, &threshold)

	threshold = 1
	got, _ := set.Get(rule.ID)
	if *got.Threshold != 100 {
		t.Errorf("Threshold aliased caller variable: %v", *got.Threshold)
	}
}

func TestEvaluate_Conditions(t *testing.T) {
	ready := indicators.Snapshot{RSI: 72, TrendDirection: 1, TrendReady: true}
	bearish := indicators.Snapshot{RSI: 25, TrendDirection: -1, TrendReady: true}
	warming := indicators.Snapshot{RSI: 50, TrendDirection: 1, TrendReady: false}

	tests := []struct {
		name      string
		kind      Kind
		cmp       Comparator
		threshold *float64
		close     float64
		snap      indicators.Snapshot
		fires     bool
	}{
		{"price above threshold", KindPrice, GreaterThan, ptr(110), 111, ready, true},
		{"price at threshold", KindPrice, GreaterThan, ptr(110), 110, ready, false},
		{"price below threshold", KindPrice, LessThan, ptr(110), 109.5, ready, true},
		{"rsi overbought", KindRSI, GreaterThan, ptr(70), 100, ready, true},
		{"rsi not oversold", KindRSI, LessThan, ptr(30), 100, ready, false},
		{"rsi oversold", KindRSI, LessThan, ptr(30), 100, bearish, true},
		{"bullish trend", KindTrendFlip, FlipBullish, nil, 100, ready, true},
		{"bearish rule in bullish trend", KindTrendFlip, FlipBearish, nil, 100, ready, false},
		{"bearish trend", KindTrendFlip, FlipBearish, nil, 100, bearish, true},
		{"trend warming up", KindTrendFlip, FlipBullish, nil, 100, warming, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewRuleSet("ETHUSDT")
			rule, err := set.Create(tt.kind, tt.cmp, tt.threshold)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			firings, err := set.Evaluate(tick(tt.close), tt.snap)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if tt.fires != (len(firings) == 1) {
				t.Fatalf("Expected fires=%v, got %d firings", tt.fires, len(firings))
			}

			got, _ := set.Get(rule.ID)
			want := StateMonitoring
			if tt.fires {
				want = StateTriggered
				if firings[0].RuleID != rule.ID || firings[0].Price != tt.close {
					t.Errorf("Unexpected firing %+v", firings[0])
				}
			}
			if got.State != want {
				t.Errorf("State = %s, expected %s", got.State, want)
			}
		})
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	set := NewRuleSet("BTCUSDT")
	_, _ = set.Create(KindPrice, GreaterThan, ptr(100))
	_, _ = set.Create(KindRSI, GreaterThan, ptr(60))

	sample := tick(105)
	snap := indicators.Snapshot{RSI: 65, TrendDirection: 1, TrendReady: true}

	first, err := set.Evaluate(sample, snap)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	second, err := set.Evaluate(sample, snap)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if len(first) != 2 {
		t.Errorf("Expected 2 firings on first evaluation, got %d", len(first))
	}
	if len(second) != 0 {
		t.Errorf("Expected no firings on repeat evaluation, got %d", len(second))
	}
	if set.Active() != 0 {
		t.Errorf("Expected no active rules, got %d", set.Active())
	}
}

func TestEvaluate_InvalidRuleLeavesStateUntouched(t *testing.T) {
	good := &AlertRule{ID: "a", Kind: KindPrice, Comparator: GreaterThan, Threshold: ptr(1), State: StateMonitoring}
	bad := &AlertRule{ID: "b", Kind: KindPrice, Comparator: GreaterThan, State: StateMonitoring}

	firings, err := Evaluate([]*AlertRule{good, bad}, tick(100), indicators.Snapshot{})
	if !errors.Is(err, ErrInvalidRuleDefinition) {
		t.Fatalf("Expected ErrInvalidRuleDefinition, got %v", err)
	}
	if firings != nil {
		t.Errorf("Expected no firings, got %v", firings)
	}
	if good.State != StateMonitoring {
		t.Errorf("Valid rule transitioned despite error: %s", good.State)
	}

	trend := &AlertRule{ID: "c", Kind: KindTrendFlip, Comparator: LessThan, State: StateMonitoring}
	if _, err := Evaluate([]*AlertRule{trend}, tick(100), indicators.Snapshot{}); !errors.Is(err, ErrInvalidRuleDefinition) {
		t.Errorf("Expected TREND_FLIP with numeric comparator to be rejected, got %v", err)
	}
}

func TestRuleSet_Lifecycle(t *testing.T) {
	set := NewRuleSet("SOLUSDT")
	rule, _ := set.Create(KindPrice, GreaterThan, ptr(50))
	snap := indicators.Snapshot{RSI: 50, TrendDirection: 1}

	// Disabled rules are skipped
	if _, err := set.Disable(rule.ID); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if firings, _ := set.Evaluate(tick(60), snap); len(firings) != 0 {
		t.Fatalf("Disabled rule fired")
	}

	// Reset re-arms
	if _, err := set.Reset(rule.ID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if firings, _ := set.Evaluate(tick(60), snap); len(firings) != 1 {
		t.Fatalf("Expected re-armed rule to fire once")
	}

	// Triggered rules stay triggered until reset
	if firings, _ := set.Evaluate(tick(70), snap); len(firings) != 0 {
		t.Fatalf("Triggered rule fired again")
	}
	got, _ := set.Reset(rule.ID)
	if got.State != StateMonitoring {
		t.Errorf("Reset() state = %s", got.State)
	}

	if err := set.Delete(rule.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := set.Delete(rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound on second delete, got %v", err)
	}
	if _, err := set.Reset("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound on reset, got %v", err)
	}
}

func TestRuleSet_ListOrder(t *testing.T) {
	set := NewRuleSet("BTCUSDT")
	a, _ := set.Create(KindPrice, GreaterThan, ptr(1))
	b, _ := set.Create(KindRSI, LessThan, ptr(30))
	c, _ := set.Create(KindTrendFlip, FlipBearish, nil)

	if err := set.Delete(b.ID); err != nil {
		t.Fatal(err)
	}

	list := set.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != c.ID {
		t.Fatalf("Unexpected list order: %+v", list)
	}

	// Returned rules are copies
	list[0].State = StateDisabled
	if got, _ := set.Get(a.ID); got.State != StateMonitoring {
		t.Errorf("List() exposed internal rule")
	}
}

func TestFiring_Description(t *testing.T) {
	f := Firing{Kind: KindPrice, Comparator: GreaterThan, Threshold: ptr(110)}
	if got := f.Description(); got != "PRICE GREATER_THAN 110" {
		t.Errorf("Description() = %q", got)
	}

	f = Firing{Kind: KindTrendFlip, Comparator: FlipBearish}
	if got := f.Description(); got != "TREND_FLIP FLIP_BEARISH" {
		t.Errorf("Description() = %q", got)
	}
}

func TestRuleSet_Validate(t *testing.T) {
	set := NewRuleSet("BTCUSDT")
	if _, err := set.Create(KindPrice, GreaterThan, ptr(100)); err != nil {
		t.Fatal(err)
	}
	if err := set.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	set.rules[0].Threshold = nil
	if err := set.Validate(); !errors.Is(err, ErrInvalidRuleDefinition) {
		t.Errorf("Expected ErrInvalidRuleDefinition, got %v", err)
	}
}
