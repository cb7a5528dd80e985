package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

// Sink receives pipeline output. Implementations must not block for long;
// wrap anything doing I/O in an AsyncSink.
type Sink interface {
	OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State)
	OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing)
}

// MultiSink fans out to every sink in order
type MultiSink []Sink

func (m MultiSink) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	for _, s := range m {
		s.OnIndicatorUpdate(symbol, snap, state)
	}
}

func (m MultiSink) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	for _, s := range m {
		s.OnAlertTriggered(symbol, rule, firing)
	}
}

// FiringFunc adapts a function to a Sink that only consumes firings
type FiringFunc func(symbol string, rule alerts.AlertRule, firing alerts.Firing)

func (f FiringFunc) OnIndicatorUpdate(string, indicators.Snapshot, scoring.State) {}

func (f FiringFunc) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	f(symbol, rule, firing)
}

// LogSink logs firings at info and updates at debug
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a logging sink
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "log-sink").Logger()}
}

func (l *LogSink) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	l.logger.Debug().
		Str("symbol", symbol).
		Float64("price", snap.Price).
		Float64("rsi", snap.RSI).
		Int("trend", snap.TrendDirection).
		Float64("rei", state.REIScore).
		Str("regime", string(state.Regime)).
		Msg("indicator update")
}

func (l *LogSink) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	l.logger.Info().
		Str("symbol", symbol).
		Str("rule_id", rule.ID).
		Str("condition", firing.Description()).
		Float64("observed", firing.Observed).
		Float64("price", firing.Price).
		Msg("🚨 alert triggered")
}

type eventKind int

const (
	eventUpdate eventKind = iota
	eventFiring
)

type event struct {
	kind   eventKind
	symbol string
	snap   indicators.Snapshot
	state  scoring.State
	rule   alerts.AlertRule
	firing alerts.Firing
}

// firingWait bounds how long a tick waits for room in a full queue before a firing is dropped
const firingWait = 5 * time.Second

// AsyncSink delivers events to an inner sink from a background worker.
// Updates never block and are dropped (and counted) when the queue is full.
// Firings wait up to firingWait for room. A FiringFunc inner sink gets firings only.
type AsyncSink struct {
	name        string
	inner       Sink
	queue       chan event
	firingsOnly bool
	firingWait  time.Duration
	logger      zerolog.Logger
	metrics     *observability.Metrics
	wg          sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts a worker draining a queue of the given size into inner
func NewAsyncSink(name string, inner Sink, size int, logger zerolog.Logger, metrics *observability.Metrics) *AsyncSink {
	if size <= 0 {
		size = 256
	}
	_, firingsOnly := inner.(FiringFunc)
	a := &AsyncSink{
		name:        name,
		inner:       inner,
		queue:       make(chan event, size),
		firingsOnly: firingsOnly,
		firingWait:  firingWait,
		logger:      logger.With().Str("component", "async-sink").Str("sink", name).Logger(),
		metrics:     metrics,
	}

	a.wg.Add(1)
	go a.run()

	return a
}

func (a *AsyncSink) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	if a.firingsOnly {
		return
	}
	a.enqueue(event{kind: eventUpdate, symbol: symbol, snap: snap, state: state})
}

func (a *AsyncSink) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	a.enqueue(event{kind: eventFiring, symbol: symbol, rule: rule, firing: firing})
}

// enqueue holds the read lock so Close cannot close the queue under a pending send
func (a *AsyncSink) enqueue(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(ev, "sink closed, dropping")
		return
	}

	select {
	case a.queue <- ev:
		return
	default:
	}

	if ev.kind == eventFiring {
		timer := time.NewTimer(a.firingWait)
		defer timer.Stop()
		select {
		case a.queue <- ev:
			return
		case <-timer.C:
		}
	}
	a.drop(ev, "sink queue full, dropping")
}

func (a *AsyncSink) drop(ev event, msg string) {
	if ev.kind == eventFiring {
		a.logger.Error().Str("symbol", ev.symbol).Str("firing_id", ev.firing.ID).Msg(msg)
	} else {
		a.logger.Warn().Str("symbol", ev.symbol).Msg(msg)
	}
	if a.metrics != nil {
		a.metrics.SinkDropped.WithLabelValues(a.name).Inc()
	}
}

func (a *AsyncSink) run() {
	defer a.wg.Done()

	for ev := range a.queue {
		switch ev.kind {
		case eventUpdate:
			a.inner.OnIndicatorUpdate(ev.symbol, ev.snap, ev.state)
		case eventFiring:
			a.inner.OnAlertTriggered(ev.symbol, ev.rule, ev.firing)
		}
	}
}

// Close stops accepting events and waits for the queue to drain.
// Events sent after Close are dropped.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
