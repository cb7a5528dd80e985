package indicators

import (
	"math"
)

// Neutral values returned when there is not enough history
const (
	NeutralRSI = 50.0
)

// RSI calculates the Relative Strength Index with Wilder's smoothing.
// The first average is the simple mean of the first period changes; every
// later change is folded in as avg = (avg*(period-1) + change) / period.
// prices: slice of closing prices, oldest first
//
// Returns 50 when len(prices) < period+1
func RSI(prices []float64, period int) float64 {
	if period < 1 || len(prices) < period+1 {
		return NeutralRSI
	}

	gains := 0.0
	losses := 0.0

	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	p := float64(period)
	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return NeutralRSI
		}
		return 100
	}

	rs := avgGain / avgLoss
	rsi := 100 - (100 / (1 + rs))

	return round3(rsi)
}

// MeanReversionZ returns (latest - mean) / stddev over the last lookback prices.
// lookback is clipped to the available history; population standard deviation is used.
// Returns 0 for a flat series or fewer than 2 prices.
func MeanReversionZ(prices []float64, lookback int) float64 {
	window := tail(prices, lookback)
	if len(window) < 2 {
		return 0
	}

	mean, std := meanStd(window)
	if std == 0 {
		return 0
	}

	return round3((window[len(window)-1] - mean) / std)
}

// Band is a mean-centred envelope of k standard deviations
type Band struct {
	Upper   float64 `json:"upper"`
	Lower   float64 `json:"lower"`
	Neutral float64 `json:"neutral"`
}

// ReversionBand returns mean ± k*stddev over the last lookback prices
func ReversionBand(prices []float64, lookback int, k float64) Band {
	window := tail(prices, lookback)
	if len(window) == 0 {
		return Band{}
	}

	mean, std := meanStd(window)
	return Band{
		Upper:   round3(mean + k*std),
		Lower:   round3(mean - k*std),
		Neutral: round3(mean),
	}
}

// OIMomentum returns the percent change of open interest between the earliest
// and latest value of the last lookback samples. lookback <= 0 uses the whole series.
// Returns 0 when the earliest value is 0.
func OIMomentum(oi []float64, lookback int) float64 {
	window := tail(oi, lookback)
	if len(window) < 2 {
		return 0
	}

	earliest := window[0]
	if earliest == 0 {
		return 0
	}

	latest := window[len(window)-1]
	return round3((latest - earliest) / earliest * 100)
}

// tail returns the last n values; n <= 0 or n > len returns everything
func tail(values []float64, n int) []float64 {
	if n <= 0 || n > len(values) {
		return values
	}
	return values[len(values)-n:]
}

func meanStd(values []float64) (float64, float64) {
	// flat series report exactly zero deviation, independent of summation error
	flat := true
	sum := 0.0
	for _, v := range values {
		if v != values[0] {
			flat = false
		}
		sum += v
	}
	if flat {
		return values[0], 0
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

// round3 rounds a float64 to 3 decimal places
func round3(value float64) float64 {
	return math.Round(value*1000) / 1000
}
