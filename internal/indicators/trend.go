package indicators

import (
	"math"

	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

// Trend defaults
const (
	DefaultTrendPeriod     = 10
	DefaultTrendMultiplier = 3.0
)

// TrendResult is the trend-following band state at the latest sample
type TrendResult struct {
	Direction int     `json:"direction"`          // +1 bullish, -1 bearish (confirmed)
	Previous  int     `json:"previous_direction"` // confirmed direction one sample earlier
	Flipped   bool    `json:"flipped"`
	Streak    int     `json:"streak"` // samples spent in the current direction
	Pending   bool    `json:"pending"` // latest sample closed against the trend without confirmation
	Upper     float64 `json:"upper_band"`
	Lower     float64 `json:"lower_band"`
	ATR       float64 `json:"atr"`
	Ready     bool    `json:"ready"`
}

// Trend computes an ATR band trend in the Supertrend family.
//
// Bands sit at hl2 ± multiplier*ATR. While bullish the lower band only ratchets
// up; while bearish the upper band only ratchets down. A sample closing through
// the active band counts against the trend, but the direction only changes once
// two consecutive samples close through it. One outlier bar never flips.
//
// With fewer than period+1 samples the result is bullish and not ready.
func Trend(samples []ringbuffer.Sample, period int, multiplier float64) TrendResult {
	if period < 1 {
		period = DefaultTrendPeriod
	}
	n := len(samples)
	if n < period+1 {
		return TrendResult{Direction: 1, Previous: 1}
	}

	tr := make([]float64, n)
	tr[0] = samples[0].High - samples[0].Low
	for i := 1; i < n; i++ {
		tr[i] = trueRange(samples[i], samples[i-1].Close)
	}

	start := period - 1
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += tr[i]
	}
	atr /= float64(period)

	hl2 := (samples[start].High + samples[start].Low) / 2
	upper := hl2 + multiplier*atr
	lower := hl2 - multiplier*atr

	direction := 1
	if samples[start].Close < hl2 {
		direction = -1
	}
	previous := direction
	streak := 1
	against := false

	p := float64(period)
	for i := start + 1; i < n; i++ {
		atr = (atr*(p-1) + tr[i]) / p
		hl2 = (samples[i].High + samples[i].Low) / 2
		basicUpper := hl2 + multiplier*atr
		basicLower := hl2 - multiplier*atr
		c := samples[i].Close

		previous = direction

		// Compare against the band carried from the prior sample
		var crossed bool
		if direction == 1 {
			crossed = c < lower
		} else {
			crossed = c > upper
		}

		if crossed && against {
			direction = -direction
			streak = 1
			against = false
			// Restart both bands from the current sample
			upper = basicUpper
			lower = basicLower
			continue
		}

		against = crossed
		streak++

		if direction == 1 {
			lower = math.Max(lower, basicLower)
			upper = basicUpper
		} else {
			upper = math.Min(upper, basicUpper)
			lower = basicLower
		}
	}

	return TrendResult{
		Direction: direction,
		Previous:  previous,
		Flipped:   direction != previous,
		Streak:    streak,
		Pending:   against,
		Upper:     round3(upper),
		Lower:     round3(lower),
		ATR:       round3(atr),
		Ready:     true,
	}
}

func trueRange(s ringbuffer.Sample, prevClose float64) float64 {
	hl := s.High - s.Low
	hc := math.Abs(s.High - prevClose)
	lc := math.Abs(s.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
