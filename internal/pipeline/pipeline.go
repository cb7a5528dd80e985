package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
)

// Config holds the per-symbol pipeline settings
type Config struct {
	WindowCapacity int               `mapstructure:"window_capacity"`
	Indicators     indicators.Params `mapstructure:"indicators"`
	Scoring        scoring.Params    `mapstructure:"scoring"`
}

// DefaultConfig returns a 100-sample window with default indicator and scoring params
func DefaultConfig() Config {
	return Config{
		WindowCapacity: ringbuffer.DefaultCapacity,
		Indicators:     indicators.DefaultParams(),
		Scoring:        scoring.DefaultParams(),
	}
}

// Update is the result of one successful tick
type Update struct {
	Symbol    string              `json:"symbol"`
	Snapshot  indicators.Snapshot `json:"indicators"`
	State     scoring.State       `json:"composite"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Pipeline is the full evaluation chain of one symbol.
// Ticks are serialized: append, indicators, scores and rules complete before the next tick starts.
type Pipeline struct {
	symbol string
	cfg    Config
	window *ringbuffer.Window
	rules  *alerts.RuleSet
	last   *Update
	mu     sync.Mutex
}

// New creates an empty pipeline for symbol
func New(symbol string, cfg Config) *Pipeline {
	return &Pipeline{
		symbol: symbol,
		cfg:    cfg,
		window: ringbuffer.NewWindow(cfg.WindowCapacity),
		rules:  alerts.NewRuleSet(symbol),
	}
}

// Symbol returns the pipeline's symbol
func (p *Pipeline) Symbol() string {
	return p.symbol
}

// Tick runs one sample through the pipeline and hands the results to sink
// before releasing the pipeline, so per-symbol delivery order follows tick order.
// A rejected sample leaves the window, rules and last update untouched.
func (p *Pipeline) Tick(sample ringbuffer.Sample, sink Sink) (Update, []alerts.Firing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Rules are checked before anything is committed so Evaluate below cannot fail
	if err := p.rules.Validate(); err != nil {
		return Update{}, nil, fmt.Errorf("%s: %w", p.symbol, err)
	}
	if err := p.window.Append(sample); err != nil {
		return Update{}, nil, fmt.Errorf("%s: %w", p.symbol, err)
	}

	window := p.window.Samples()
	snap := indicators.Compute(window, p.cfg.Indicators)
	state := scoring.Score(snap, window, p.cfg.Scoring)

	update := Update{
		Symbol:    p.symbol,
		Snapshot:  snap,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	firings, err := p.rules.Evaluate(sample, snap)
	if err != nil {
		return Update{}, nil, fmt.Errorf("%s: evaluate rules: %w", p.symbol, err)
	}
	p.last = &update

	if sink != nil {
		sink.OnIndicatorUpdate(p.symbol, snap, state)
		for _, f := range firings {
			rule, err := p.rules.Get(f.RuleID)
			if err != nil {
				continue
			}
			sink.OnAlertTriggered(p.symbol, rule, f)
		}
	}

	return update, firings, nil
}

// Latest returns the last successful update
func (p *Pipeline) Latest() (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == nil {
		return Update{}, false
	}
	return *p.last, true
}

// Window returns a copy of the current samples
func (p *Pipeline) Window() []ringbuffer.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window.Samples()
}

// CreateRule adds a MONITORING rule
func (p *Pipeline) CreateRule(kind alerts.Kind, cmp alerts.Comparator, threshold *float64) (alerts.AlertRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.Create(kind, cmp, threshold)
}

// DeleteRule removes a rule
func (p *Pipeline) DeleteRule(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.Delete(id)
}

// ListRules returns the rules in creation order
func (p *Pipeline) ListRules() []alerts.AlertRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.List()
}

// ResetRule re-arms a TRIGGERED or DISABLED rule
func (p *Pipeline) ResetRule(id string) (alerts.AlertRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.Reset(id)
}

// DisableRule stops a rule from being evaluated
func (p *Pipeline) DisableRule(id string) (alerts.AlertRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.Disable(id)
}

// ActiveRules returns the number of MONITORING rules
func (p *Pipeline) ActiveRules() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.Active()
}
