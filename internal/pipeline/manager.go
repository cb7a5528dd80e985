package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

var (
	// ErrUnknownSymbol is returned when no pipeline exists for a symbol
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrEmptySymbol is returned for a blank symbol
	ErrEmptySymbol = errors.New("symbol is required")
)

// Manager indexes independent pipelines by symbol. Pipelines share no mutable state;
// the manager lock only guards the index.
type Manager struct {
	cfg       Config
	sink      Sink
	metrics   *observability.Metrics
	logger    zerolog.Logger
	pipelines map[string]*Pipeline
	mu        sync.RWMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records tick and alert metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a manager; sink may be nil
func NewManager(cfg Config, sink Sink, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		sink:      sink,
		logger:    logger.With().Str("component", "pipeline-manager").Logger(),
		pipelines: make(map[string]*Pipeline),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NormalizeSymbol upper-cases and trims a symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *Manager) getOrCreate(symbol string) (*Pipeline, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}

	m.mu.RLock()
	p, ok := m.pipelines[symbol]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pipelines[symbol]; ok {
		return p, nil
	}
	p = New(symbol, m.cfg)
	m.pipelines[symbol] = p
	if m.metrics != nil {
		m.metrics.Symbols.Set(float64(len(m.pipelines)))
	}
	m.logger.Debug().Str("symbol", symbol).Msg("created pipeline")
	return p, nil
}

func (m *Manager) get(symbol string) (*Pipeline, error) {
	symbol = NormalizeSymbol(symbol)

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pipelines[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return p, nil
}

// SubmitSample runs one tick for symbol, creating its pipeline on first use
func (m *Manager) SubmitSample(symbol string, sample ringbuffer.Sample) (Update, error) {
	p, err := m.getOrCreate(symbol)
	if err != nil {
		return Update{}, err
	}

	var done func()
	if m.metrics != nil {
		done = observability.Timer(m.metrics.TickDuration)
	}

	update, firings, err := p.Tick(sample, m.sink)

	if done != nil {
		done()
	}

	if err != nil {
		if errors.Is(err, ringbuffer.ErrOutOfOrderSample) {
			m.logger.Warn().
				Str("symbol", p.Symbol()).
				Time("timestamp", sample.Timestamp).
				Msg("rejected out-of-order sample")
			if m.metrics != nil {
				m.metrics.SamplesRejected.WithLabelValues(p.Symbol(), "out_of_order").Inc()
			}
		} else {
			m.logger.Error().Err(err).Str("symbol", p.Symbol()).Msg("tick failed")
		}
		return update, err
	}

	if m.metrics != nil {
		m.metrics.SamplesProcessed.WithLabelValues(p.Symbol()).Inc()
		for _, f := range firings {
			m.metrics.AlertsTriggered.WithLabelValues(p.Symbol(), string(f.Kind)).Inc()
		}
		if len(firings) > 0 {
			m.metrics.ActiveRules.WithLabelValues(p.Symbol()).Set(float64(p.ActiveRules()))
		}
	}

	return update, nil
}

// CreateRule adds a rule for symbol and returns it with its new id
// Invalid definitions are rejected before a pipeline is created for symbol.
func (m *Manager) CreateRule(symbol string, kind alerts.Kind, cmp alerts.Comparator, threshold *float64) (alerts.AlertRule, error) {
	if NormalizeSymbol(symbol) == "" {
		return alerts.AlertRule{}, ErrEmptySymbol
	}
	if err := alerts.ValidateDefinition(kind, cmp, threshold); err != nil {
		return alerts.AlertRule{}, err
	}

	p, err := m.getOrCreate(symbol)
	if err != nil {
		return alerts.AlertRule{}, err
	}

	rule, err := p.CreateRule(kind, cmp, threshold)
	if err != nil {
		return alerts.AlertRule{}, err
	}

	m.logger.Info().
		Str("symbol", rule.Symbol).
		Str("rule_id", rule.ID).
		Str("kind", string(rule.Kind)).
		Str("comparator", string(rule.Comparator)).
		Msg("rule created")
	m.observeRules(p)
	return rule, nil
}

// DeleteRule removes a rule by id
func (m *Manager) DeleteRule(symbol, id string) error {
	p, err := m.get(symbol)
	if err != nil {
		return fmt.Errorf("%w: %s", alerts.ErrRuleNotFound, id)
	}
	if err := p.DeleteRule(id); err != nil {
		return err
	}
	m.observeRules(p)
	return nil
}

// ListRules returns the rules of symbol; unknown symbols have none
func (m *Manager) ListRules(symbol string) []alerts.AlertRule {
	p, err := m.get(symbol)
	if err != nil {
		return []alerts.AlertRule{}
	}
	return p.ListRules()
}

// ResetRule re-arms a rule
func (m *Manager) ResetRule(symbol, id string) (alerts.AlertRule, error) {
	p, err := m.get(symbol)
	if err != nil {
		return alerts.AlertRule{}, fmt.Errorf("%w: %s", alerts.ErrRuleNotFound, id)
	}
	rule, err := p.ResetRule(id)
	if err == nil {
		m.observeRules(p)
	}
	return rule, err
}

// DisableRule disables a rule
func (m *Manager) DisableRule(symbol, id string) (alerts.AlertRule, error) {
	p, err := m.get(symbol)
	if err != nil {
		return alerts.AlertRule{}, fmt.Errorf("%w: %s", alerts.ErrRuleNotFound, id)
	}
	rule, err := p.DisableRule(id)
	if err == nil {
		m.observeRules(p)
	}
	return rule, err
}

// Latest returns the last update of symbol
func (m *Manager) Latest(symbol string) (Update, error) {
	p, err := m.get(symbol)
	if err != nil {
		return Update{}, err
	}
	update, ok := p.Latest()
	if !ok {
		return Update{}, fmt.Errorf("%w: %s has no samples", ErrUnknownSymbol, p.Symbol())
	}
	return update, nil
}

// Symbols returns the monitored symbols in sorted order
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.pipelines))
	for symbol := range m.pipelines {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// StopSymbol discards the pipeline of symbol with its window and rules
func (m *Manager) StopSymbol(symbol string) error {
	symbol = NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	delete(m.pipelines, symbol)

	if m.metrics != nil {
		m.metrics.Symbols.Set(float64(len(m.pipelines)))
		m.metrics.ActiveRules.DeleteLabelValues(symbol)
	}
	m.logger.Info().Str("symbol", symbol).Msg("stopped monitoring")
	return nil
}

func (m *Manager) observeRules(p *Pipeline) {
	if m.metrics != nil {
		m.metrics.ActiveRules.WithLabelValues(p.Symbol()).Set(float64(p.ActiveRules()))
	}
}
