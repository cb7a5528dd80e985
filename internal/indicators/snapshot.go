package indicators

import (
	"time"

	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

// Params configures snapshot computation
type Params struct {
	RSIPeriod       int     `mapstructure:"rsi_period"`
	TrendPeriod     int     `mapstructure:"trend_period"`
	TrendMultiplier float64 `mapstructure:"trend_multiplier"`
	SamplesPerDay   int     `mapstructure:"samples_per_day"`
	ReversionDays   int     `mapstructure:"reversion_days"`
	BandWidth       float64 `mapstructure:"band_width"`
	OILookback      int     `mapstructure:"oi_lookback"` // 0 uses the whole window
}

// DefaultParams returns the parameters for 15-minute samples
func DefaultParams() Params {
	return Params{
		RSIPeriod:       14,
		TrendPeriod:     DefaultTrendPeriod,
		TrendMultiplier: DefaultTrendMultiplier,
		SamplesPerDay:   96,
		ReversionDays:   7,
		BandWidth:       2,
	}
}

// ReversionLookback is the mean-reversion window in samples
func (p Params) ReversionLookback() int {
	return p.ReversionDays * p.SamplesPerDay
}

// Snapshot holds every indicator derived from one window
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	Price          float64   `json:"price"`
	RSI            float64   `json:"rsi"`
	TrendDirection int       `json:"trend_direction"`
	TrendFlipped   bool      `json:"trend_flipped"`
	TrendStreak    int       `json:"trend_streak"`
	TrendReady     bool      `json:"trend_ready"`
	ATR            float64   `json:"atr"`
	MeanReversionZ float64   `json:"mean_reversion_z"`
	OIMomentumPct  float64   `json:"oi_momentum_pct"`
	ReversionBand  Band      `json:"reversion_band"`
	Samples        int       `json:"samples"`
}

// Compute recomputes the full snapshot from the window contents
func Compute(window []ringbuffer.Sample, p Params) Snapshot {
	if len(window) == 0 {
		return Snapshot{RSI: NeutralRSI, TrendDirection: 1}
	}

	closes := ringbuffer.Closes(window)
	latest := window[len(window)-1]
	trend := Trend(window, p.TrendPeriod, p.TrendMultiplier)
	lookback := p.ReversionLookback()

	return Snapshot{
		Timestamp:      latest.Timestamp,
		Price:          latest.Close,
		RSI:            RSI(closes, p.RSIPeriod),
		TrendDirection: trend.Direction,
		TrendFlipped:   trend.Flipped,
		TrendStreak:    trend.Streak,
		TrendReady:     trend.Ready,
		ATR:            trend.ATR,
		MeanReversionZ: MeanReversionZ(closes, lookback),
		OIMomentumPct:  OIMomentum(ringbuffer.OpenInterest(window), p.OILookback),
		ReversionBand:  ReversionBand(closes, lookback, p.BandWidth),
		Samples:        len(window),
	}
}
