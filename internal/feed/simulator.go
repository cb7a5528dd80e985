package feed

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

// CandleInterval is the spacing between simulated samples
const CandleInterval = 15 * time.Minute

// Default base prices for the simulated universe
var defaultBasePrices = map[string]float64{
	"BTCUSDT":  65000,
	"ETHUSDT":  3500,
	"SOLUSDT":  150,
	"BNBUSDT":  600,
	"XRPUSDT":  0.6,
	"DOGEUSDT": 0.15,
}

// Handler consumes one sample of one symbol
type Handler func(symbol string, sample ringbuffer.Sample) error

// SimulatorConfig controls the random walk
type SimulatorConfig struct {
	Symbols    []string           `mapstructure:"symbols"`
	BasePrices map[string]float64 `mapstructure:"base_prices"`
	Seed       int64              `mapstructure:"seed"`
	Pace       time.Duration      `mapstructure:"pace"`
	Start      time.Time          `mapstructure:"-"`
}

// DefaultSimulatorConfig simulates two majors at one candle per second
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
		Seed:    1,
		Pace:    time.Second,
	}
}

type walk struct {
	ts      time.Time
	price   float64
	cvd     float64
	oi      float64
	funding float64
}

// Simulator generates 15-minute candles per symbol from a seeded random walk.
// Price moves by up to ±0.25% per candle, CVD accumulates 60% of signed volume,
// OI drifts with volume and funding mean-reverts towards 0.01.
type Simulator struct {
	cfg    SimulatorConfig
	rng    *rand.Rand
	walks  map[string]*walk
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewSimulator creates a simulator; equal configs produce equal sequences
func NewSimulator(cfg SimulatorConfig, logger zerolog.Logger) *Simulator {
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC().Truncate(CandleInterval)
	}
	if cfg.Pace <= 0 {
		cfg.Pace = time.Second
	}

	symbols := append([]string(nil), cfg.Symbols...)
	sort.Strings(symbols)
	cfg.Symbols = symbols

	s := &Simulator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		walks:  make(map[string]*walk, len(symbols)),
		logger: logger.With().Str("component", "simulator").Logger(),
	}
	for _, symbol := range symbols {
		base := cfg.BasePrices[symbol]
		if base <= 0 {
			base = defaultBasePrices[symbol]
		}
		if base <= 0 {
			base = 100
		}
		s.walks[symbol] = &walk{
			ts:      cfg.Start,
			price:   base,
			oi:      base * 100,
			funding: 0.01,
		}
	}
	return s
}

// Symbols returns the simulated symbols in sorted order
func (s *Simulator) Symbols() []string {
	return append([]string(nil), s.cfg.Symbols...)
}

// Next advances the walk of symbol by one candle.
// The second result is false for symbols the simulator does not know.
func (s *Simulator) Next(symbol string) (ringbuffer.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.walks[symbol]
	if !ok {
		return ringbuffer.Sample{}, false
	}

	volatility := w.price * 0.005
	change := (s.rng.Float64() - 0.5) * volatility

	open := w.price
	closePrice := open + change
	high := math.Max(open, closePrice) + s.rng.Float64()*volatility*0.5
	low := math.Min(open, closePrice) - s.rng.Float64()*volatility*0.5

	volume := math.Abs(change)*100000 + s.rng.Float64()*100000
	if change > 0 {
		w.cvd += volume * 0.6
	} else {
		w.cvd -= volume * 0.6
	}

	w.oi += (s.rng.Float64() - 0.5) * volume * 0.1
	if w.oi < 0 {
		w.oi = 0
	}

	w.funding += s.rng.Float64()*0.002 - 0.001
	w.funding = w.funding*0.95 + 0.01*0.05

	w.price = closePrice
	w.ts = w.ts.Add(CandleInterval)

	return ringbuffer.Sample{
		Timestamp:    w.ts,
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		CVD:          w.cvd,
		OpenInterest: w.oi,
		FundingRate:  w.funding,
	}, true
}

// Backfill emits n candles per symbol without pacing
func (s *Simulator) Backfill(n int, handle Handler) error {
	for i := 0; i < n; i++ {
		if err := s.step(handle); err != nil {
			return err
		}
	}
	return nil
}

// Run emits one candle per symbol every Pace until ctx is cancelled.
// Handler errors are logged and do not stop the walk.
func (s *Simulator) Run(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(s.cfg.Pace)
	defer ticker.Stop()

	s.logger.Info().
		Strs("symbols", s.cfg.Symbols).
		Int64("seed", s.cfg.Seed).
		Dur("pace", s.cfg.Pace).
		Msg("Simulator started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Simulator stopped")
			return nil
		case <-ticker.C:
			if err := s.step(handle); err != nil {
				s.logger.Warn().Err(err).Msg("simulated sample rejected")
			}
		}
	}
}

func (s *Simulator) step(handle Handler) error {
	var firstErr error
	for _, symbol := range s.cfg.Symbols {
		sample, _ := s.Next(symbol)
		if err := handle(symbol, sample); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
