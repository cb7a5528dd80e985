package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []string
	firings []alerts.Firing
	rules   []alerts.AlertRule
}

func (r *recordingSink) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, symbol)
}

func (r *recordingSink) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	r.firings = append(r.firings, firing)
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.firings)
}

var start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, close float64) ringbuffer.Sample {
	return ringbuffer.Sample{
		Timestamp:    start.Add(time.Duration(i) * 15 * time.Minute),
		Open:         close,
		High:         close + 0.5,
		Low:          close - 0.5,
		Close:        close,
		OpenInterest: 1000,
		FundingRate:  0.01,
	}
}

func ptr(v float64) *float64 { return &v }

func TestPriceRuleFiresOnFirstCross(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop())

	var rule alerts.AlertRule
	firedAt := -1

	for i := 0; i < 20; i++ {
		// Rule is created before the eleventh sample arrives
		if i == 10 {
			var err error
			rule, err = mgr.CreateRule("BTCUSDT", alerts.KindPrice, alerts.GreaterThan, ptr(110))
			if err != nil {
				t.Fatalf("CreateRule() error = %v", err)
			}
		}

		_, prior := sink.counts()
		if _, err := mgr.SubmitSample("BTCUSDT", bar(i, float64(100+i))); err != nil {
			t.Fatalf("SubmitSample(%d) error = %v", i, err)
		}
		if _, now := sink.counts(); now > prior && firedAt < 0 {
			firedAt = i
		}
	}

	if firedAt != 11 {
		t.Errorf("Expected rule to fire at close 111 (index 11), fired at %d", firedAt)
	}

	updates, firings := sink.counts()
	if updates != 20 {
		t.Errorf("Expected 20 indicator updates, got %d", updates)
	}
	if firings != 1 {
		t.Fatalf("Expected exactly one firing, got %d", firings)
	}
	if sink.firings[0].Price != 111 || sink.rules[0].ID != rule.ID {
		t.Errorf("Unexpected firing %+v", sink.firings[0])
	}
	if sink.rules[0].State != alerts.StateTriggered {
		t.Errorf("Sink saw rule state %s, expected TRIGGERED", sink.rules[0].State)
	}

	rules := mgr.ListRules("BTCUSDT")
	if len(rules) != 1 || rules[0].State != alerts.StateTriggered {
		t.Errorf("Expected TRIGGERED rule, got %+v", rules)
	}

	latest, err := mgr.Latest("BTCUSDT")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Snapshot.TrendDirection != 1 || !latest.Snapshot.TrendReady {
		t.Errorf("Expected bullish trend on increasing closes, got %+v", latest.Snapshot)
	}
}

func feedUptrend(t *testing.T, mgr *Manager, symbol string) int {
	t.Helper()
	for i := 0; i < 30; i++ {
		if _, err := mgr.SubmitSample(symbol, bar(i, float64(101+i))); err != nil {
			t.Fatalf("SubmitSample(%d) error = %v", i, err)
		}
	}
	return 30
}

func TestTrendFlipIgnoresSingleAnomaly(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop())

	if _, err := mgr.CreateRule("ETHUSDT", alerts.KindTrendFlip, alerts.FlipBearish, nil); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	n := feedUptrend(t, mgr, "ETHUSDT")

	// One anomalous bar, then recovery
	_, _ = mgr.SubmitSample("ETHUSDT", bar(n, 120))
	_, _ = mgr.SubmitSample("ETHUSDT", bar(n+1, 131))

	if _, firings := sink.counts(); firings != 0 {
		t.Fatalf("FLIP_BEARISH fired on a single anomalous bar")
	}
}

func TestTrendFlipFiresOnConfirmedCross(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop())

	if _, err := mgr.CreateRule("ETHUSDT", alerts.KindTrendFlip, alerts.FlipBearish, nil); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	n := feedUptrend(t, mgr, "ETHUSDT")

	_, _ = mgr.SubmitSample("ETHUSDT", bar(n, 120))
	if _, firings := sink.counts(); firings != 0 {
		t.Fatalf("FLIP_BEARISH fired before confirmation")
	}

	update, err := mgr.SubmitSample("ETHUSDT", bar(n+1, 118))
	if err != nil {
		t.Fatalf("SubmitSample() error = %v", err)
	}
	if !update.Snapshot.TrendFlipped || update.Snapshot.TrendDirection != -1 {
		t.Errorf("Expected confirmed bearish flip, got %+v", update.Snapshot)
	}

	_, _ = mgr.SubmitSample("ETHUSDT", bar(n+2, 116))

	if _, firings := sink.counts(); firings != 1 {
		t.Fatalf("Expected exactly one FLIP_BEARISH firing, got %d", firings)
	}
}

func TestOutOfOrderSampleKeepsState(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop(), WithMetrics(observability.NewMetrics()))

	for i := 0; i < 5; i++ {
		_, _ = mgr.SubmitSample("SOLUSDT", bar(i, float64(100+i)))
	}
	rule, _ := mgr.CreateRule("SOLUSDT", alerts.KindPrice, alerts.LessThan, ptr(50))
	before, _ := mgr.Latest("SOLUSDT")

	// Stale sample with a price that would trigger the rule
	_, err := mgr.SubmitSample("SOLUSDT", bar(2, 10))
	if !errors.Is(err, ringbuffer.ErrOutOfOrderSample) {
		t.Fatalf("Expected ErrOutOfOrderSample, got %v", err)
	}

	after, _ := mgr.Latest("SOLUSDT")
	if after.Snapshot != before.Snapshot {
		t.Errorf("Snapshot changed after rejected sample")
	}
	if updates, firings := sink.counts(); updates != 5 || firings != 0 {
		t.Errorf("Expected 5 updates and no firings, got %d and %d", updates, firings)
	}
	if rules := mgr.ListRules("SOLUSDT"); rules[0].ID != rule.ID || rules[0].State != alerts.StateMonitoring {
		t.Errorf("Rule changed after rejected sample: %+v", rules[0])
	}

	// Later ticks still process
	if _, err := mgr.SubmitSample("SOLUSDT", bar(5, 105)); err != nil {
		t.Errorf("SubmitSample after rejection error = %v", err)
	}
}

func TestSymbolsAreIsolated(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop())

	_, _ = mgr.CreateRule("btcusdt", alerts.KindPrice, alerts.GreaterThan, ptr(100))
	_, _ = mgr.SubmitSample("ETHUSDT", bar(0, 500))

	if _, firings := sink.counts(); firings != 0 {
		t.Fatalf("Rule of BTCUSDT fired on ETHUSDT sample")
	}
	if rules := mgr.ListRules("ETHUSDT"); len(rules) != 0 {
		t.Errorf("ETHUSDT sees BTCUSDT rules: %+v", rules)
	}
	if rules := mgr.ListRules("BTCUSDT"); len(rules) != 1 {
		t.Errorf("Expected normalized symbol lookup, got %+v", rules)
	}

	symbols := mgr.Symbols()
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("Symbols() = %v", symbols)
	}

	if err := mgr.StopSymbol("BTCUSDT"); err != nil {
		t.Fatalf("StopSymbol() error = %v", err)
	}
	if rules := mgr.ListRules("BTCUSDT"); len(rules) != 0 {
		t.Errorf("Rules survived StopSymbol: %+v", rules)
	}
	if err := mgr.StopSymbol("BTCUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("Expected ErrUnknownSymbol, got %v", err)
	}
}

func TestManager_RuleErrors(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, zerolog.Nop())

	if _, err := mgr.CreateRule("BTCUSDT", alerts.KindRSI, alerts.GreaterThan, nil); !errors.Is(err, alerts.ErrInvalidRuleDefinition) {
		t.Errorf("Expected ErrInvalidRuleDefinition, got %v", err)
	}
	if symbols := mgr.Symbols(); len(symbols) != 0 {
		t.Errorf("Invalid rule created a pipeline: %v", symbols)
	}
	if _, err := mgr.CreateRule("  ", alerts.KindPrice, alerts.GreaterThan, ptr(1)); !errors.Is(err, ErrEmptySymbol) {
		t.Errorf("Expected ErrEmptySymbol, got %v", err)
	}
	if err := mgr.DeleteRule("NOPE", "id"); !errors.Is(err, alerts.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
	if _, err := mgr.ResetRule("NOPE", "id"); !errors.Is(err, alerts.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
	if _, err := mgr.Latest("BTCUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("Expected ErrUnknownSymbol before any sample, got %v", err)
	}
}

func TestManager_ResetAndDisable(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop())

	rule, _ := mgr.CreateRule("BTCUSDT", alerts.KindPrice, alerts.GreaterThan, ptr(100))
	_, _ = mgr.SubmitSample("BTCUSDT", bar(0, 101))
	_, _ = mgr.SubmitSample("BTCUSDT", bar(1, 102))

	if _, firings := sink.counts(); firings != 1 {
		t.Fatalf("Expected one firing, got %d", firings)
	}

	if _, err := mgr.ResetRule("BTCUSDT", rule.ID); err != nil {
		t.Fatalf("ResetRule() error = %v", err)
	}
	_, _ = mgr.SubmitSample("BTCUSDT", bar(2, 103))
	if _, firings := sink.counts(); firings != 2 {
		t.Fatalf("Expected re-armed rule to fire again, got %d firings", firings)
	}

	_, _ = mgr.ResetRule("BTCUSDT", rule.ID)
	if _, err := mgr.DisableRule("BTCUSDT", rule.ID); err != nil {
		t.Fatalf("DisableRule() error = %v", err)
	}
	_, _ = mgr.SubmitSample("BTCUSDT", bar(3, 104))
	if _, firings := sink.counts(); firings != 2 {
		t.Errorf("Disabled rule fired")
	}

	if err := mgr.DeleteRule("BTCUSDT", rule.ID); err != nil {
		t.Errorf("DeleteRule() error = %v", err)
	}
}

func TestManager_ConcurrentSymbols(t *testing.T) {
	sink := &recordingSink{}
	mgr := NewManager(DefaultConfig(), sink, zerolog.Nop())
	symbols := []string{"AAA", "BBB", "CCC", "DDD"}

	var wg sync.WaitGroup
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := mgr.SubmitSample(symbol, bar(i, float64(100+i))); err != nil {
					t.Errorf("%s SubmitSample(%d) error = %v", symbol, i, err)
				}
			}
		}(s)
	}
	wg.Wait()

	if updates, _ := sink.counts(); updates != 200 {
		t.Errorf("Expected 200 updates, got %d", updates)
	}
}

func TestAsyncSink_DeliversInOrder(t *testing.T) {
	inner := &recordingSink{}
	async := NewAsyncSink("test", inner, 16, zerolog.Nop(), nil)

	for i := 0; i < 10; i++ {
		async.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{}, scoring.State{})
	}
	async.OnAlertTriggered("BTCUSDT", alerts.AlertRule{ID: "r"}, alerts.Firing{RuleID: "r"})
	async.Close()

	if updates, firings := inner.counts(); updates != 10 || firings != 1 {
		t.Errorf("Expected 10 updates and 1 firing, got %d and %d", updates, firings)
	}
}

type blockingSink struct {
	recordingSink
	release chan struct{}
}

func (b *blockingSink) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	<-b.release
	b.recordingSink.OnIndicatorUpdate(symbol, snap, state)
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	async := NewAsyncSink("slow", inner, 1, zerolog.Nop(), observability.NewMetrics())

	// Never blocks even though the worker is stuck
	for i := 0; i < 10; i++ {
		async.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{}, scoring.State{})
	}

	close(inner.release)
	async.Close()

	updates, _ := inner.counts()
	if updates < 1 || updates > 2 {
		t.Errorf("Expected at most worker+queue deliveries, got %d", updates)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := MultiSink{a, b}

	multi.OnIndicatorUpdate("X", indicators.Snapshot{}, scoring.State{})
	multi.OnAlertTriggered("X", alerts.AlertRule{}, alerts.Firing{})

	for _, s := range []*recordingSink{a, b} {
		if updates, firings := s.counts(); updates != 1 || firings != 1 {
			t.Errorf("Expected one of each, got %d and %d", updates, firings)
		}
	}
}

func TestFiringFunc(t *testing.T) {
	var got []string
	sink := FiringFunc(func(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
		got = append(got, symbol+"/"+firing.ID)
	})

	sink.OnIndicatorUpdate("X", indicators.Snapshot{}, scoring.State{})
	sink.OnAlertTriggered("X", alerts.AlertRule{}, alerts.Firing{ID: "f1"})

	if len(got) != 1 || got[0] != "X/f1" {
		t.Errorf("Expected [X/f1], got %v", got)
	}
}

type blockingFirings struct {
	mu        sync.Mutex
	delivered []string
	release   chan struct{}
}

func (b *blockingFirings) handle(_ string, _ alerts.AlertRule, f alerts.Firing) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, f.ID)
}

func TestAsyncSink_FiringsOnlySkipsUpdates(t *testing.T) {
	inner := &blockingFirings{release: make(chan struct{})}
	async := NewAsyncSink("webhook", FiringFunc(inner.handle), 4, zerolog.Nop(), observability.NewMetrics())

	// The first firing occupies the worker; updates must not take queue slots
	async.OnAlertTriggered("BTCUSDT", alerts.AlertRule{ID: "r"}, alerts.Firing{ID: "f1"})
	for i := 0; i < 4; i++ {
		async.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{}, scoring.State{})
	}
	async.OnAlertTriggered("BTCUSDT", alerts.AlertRule{ID: "r"}, alerts.Firing{ID: "f2"})

	close(inner.release)
	async.Close()

	if len(inner.delivered) != 2 || inner.delivered[0] != "f1" || inner.delivered[1] != "f2" {
		t.Errorf("Expected [f1 f2], got %v", inner.delivered)
	}
}

func TestAsyncSink_FiringWaitsForRoom(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	async := NewAsyncSink("slow", inner, 1, zerolog.Nop(), nil)

	// Worker blocks on the first update, the second fills the queue
	async.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{}, scoring.State{})
	async.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{}, scoring.State{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(inner.release)
	}()
	async.OnAlertTriggered("BTCUSDT", alerts.AlertRule{ID: "r"}, alerts.Firing{ID: "f1"})
	async.Close()

	if _, firings := inner.counts(); firings != 1 {
		t.Errorf("Expected the firing to be delivered once room freed up, got %d", firings)
	}
}

func TestAsyncSink_SendAfterCloseIsDropped(t *testing.T) {
	inner := &recordingSink{}
	metrics := observability.NewMetrics()
	async := NewAsyncSink("late", inner, 4, zerolog.Nop(), metrics)
	async.Close()

	async.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{}, scoring.State{})
	async.OnAlertTriggered("BTCUSDT", alerts.AlertRule{ID: "r"}, alerts.Firing{ID: "f1"})
	async.Close()

	if updates, firings := inner.counts(); updates != 0 || firings != 0 {
		t.Errorf("Expected nothing delivered after Close, got %d and %d", updates, firings)
	}
	if got := droppedCount(t, metrics); got != 2 {
		t.Errorf("Expected 2 dropped events, got %v", got)
	}
}

func droppedCount(t *testing.T, m *observability.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != "dealer_sink_dropped_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
