package scoring

import (
	"math"

	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

// Regime is the categorical market state derived from the REI score
type Regime string

const (
	RegimeMomentumBull   Regime = "Momentum Bull"
	RegimeRangeBound     Regime = "Range Bound"
	RegimeDecayReversion Regime = "Decay Reversion"
	RegimeNeutralChop    Regime = "Neutral Chop"
)

// Direction labels
const (
	Bullish = "BULLISH"
	Bearish = "BEARISH"
)

// Alert labels
const (
	OIAlertSqueezeRisk            = "Squeeze Risk"
	FundedAlertOverheated         = "Overheated"
	FundedAlertShortOvercommitted = "Short Overcommitment"
)

// Params holds the weights and thresholds of the composite scores
type Params struct {
	RSIWeight         float64 `mapstructure:"rsi_weight"`
	TrendWeight       float64 `mapstructure:"trend_weight"`
	OIWeight          float64 `mapstructure:"oi_weight"`
	StreakSaturation  int     `mapstructure:"streak_saturation"` // streak length counted as full persistence
	OISaturationPct   float64 `mapstructure:"oi_saturation_pct"` // OI move counted as full magnitude
	OIScoreSlope      float64 `mapstructure:"oi_score_slope"`
	SqueezeRiskPct    float64 `mapstructure:"squeeze_risk_pct"`
	FundingScale      float64 `mapstructure:"funding_scale"` // funding that maps to a full-scale funded score
	OverheatedFunding float64 `mapstructure:"overheated_funding"`
	ProjectionFactor  float64 `mapstructure:"projection_factor"`
	// edge reversal
	NegativeFundingSamples int     `mapstructure:"negative_funding_samples"`
	ReversalMaxREI         float64 `mapstructure:"reversal_max_rei"`
	MinConsecutiveLongs    int     `mapstructure:"min_consecutive_longs"`
}

// DefaultParams returns the stable scoring configuration
func DefaultParams() Params {
	return Params{
		RSIWeight:              0.40,
		TrendWeight:            0.35,
		OIWeight:               0.25,
		StreakSaturation:       10,
		OISaturationPct:        5,
		OIScoreSlope:           10,
		SqueezeRiskPct:         4,
		FundingScale:           0.05,
		OverheatedFunding:      0.02,
		ProjectionFactor:       1.05,
		NegativeFundingSamples: 4,
		ReversalMaxREI:         20,
		MinConsecutiveLongs:    0,
	}
}

// ReversalDetails explains the edge reversal inputs
type ReversalDetails struct {
	ConsecutiveLongs       int `json:"consecutive_longs"`
	NegativeFundingSamples int `json:"negative_funding_samples"`
}

// State is the composite view of one snapshot
type State struct {
	REIScore         float64         `json:"rei_score"`
	Regime           Regime          `json:"regime"`
	Direction        string          `json:"direction"`
	OIScore          float64         `json:"oi_score"`
	OIAlert          string          `json:"oi_alert,omitempty"`
	FundingRate      float64         `json:"funding_rate"`
	FundedScore      float64         `json:"funded_score"`
	FundedAlert      string          `json:"funded_alert,omitempty"`
	ProjectedFunding float64         `json:"projected_funding"`
	NetLongShort     float64         `json:"net_long_short"`
	LongShortRatio   float64         `json:"long_short_ratio"`
	EdgeReversal     bool            `json:"edge_reversal"`
	ReversalDetails  ReversalDetails `json:"reversal_details"`
}

// Score derives the composite state from a snapshot and the window it was computed from
func Score(snap indicators.Snapshot, window []ringbuffer.Sample, p Params) State {
	rei := REIScore(snap, p)

	funding := 0.0
	if len(window) > 0 {
		funding = window[len(window)-1].FundingRate
	}

	nls := NetLongShort(window)
	details := ReversalDetails{
		ConsecutiveLongs:       ConsecutiveLongs(window),
		NegativeFundingSamples: NegativeFundingStreak(ringbuffer.FundingRates(window)),
	}

	state := State{
		REIScore:         rei,
		Regime:           ClassifyRegime(rei),
		Direction:        Bearish,
		OIScore:          OIScore(snap.OIMomentumPct, p),
		FundingRate:      funding,
		FundedScore:      FundedScore(funding, p),
		ProjectedFunding: round4(funding * p.ProjectionFactor),
		NetLongShort:     nls,
		LongShortRatio:   round2(1 + nls/100),
		ReversalDetails:  details,
		EdgeReversal: details.NegativeFundingSamples >= p.NegativeFundingSamples &&
			rei < p.ReversalMaxREI &&
			details.ConsecutiveLongs >= p.MinConsecutiveLongs,
	}

	if rei > 50 {
		state.Direction = Bullish
	}
	if snap.OIMomentumPct > p.SqueezeRiskPct {
		state.OIAlert = OIAlertSqueezeRisk
	}
	switch {
	case funding > p.OverheatedFunding:
		state.FundedAlert = FundedAlertOverheated
	case funding < -p.OverheatedFunding:
		state.FundedAlert = FundedAlertShortOvercommitted
	}

	return state
}

// REIScore blends RSI distance from 50, trend persistence and OI momentum magnitude:
//
//	rei = 50 + 50 * (wRSI*(rsi-50)/50 + wTrend*dir*min(streak,S)/S + wOI*dir*min(|oi|/O, 1))
//
// clamped to [0,100] and rounded to 2 decimals. The OI term points in the trend direction.
func REIScore(snap indicators.Snapshot, p Params) float64 {
	dir := float64(snap.TrendDirection)
	if dir == 0 {
		dir = 1
	}

	rsiComp := (snap.RSI - 50) / 50

	persistence := 0.0
	if p.StreakSaturation > 0 {
		persistence = dir * math.Min(float64(snap.TrendStreak), float64(p.StreakSaturation)) / float64(p.StreakSaturation)
	}

	oiComp := 0.0
	if p.OISaturationPct > 0 {
		oiComp = dir * math.Min(math.Abs(snap.OIMomentumPct)/p.OISaturationPct, 1)
	}

	blend := p.RSIWeight*rsiComp + p.TrendWeight*persistence + p.OIWeight*oiComp
	return round2(clamp(50+50*blend, 0, 100))
}

// ClassifyRegime buckets a REI score. Lower bounds are inclusive:
// 70 is Momentum Bull, 60 and 40 are Range Bound, 30 is Neutral Chop.
func ClassifyRegime(rei float64) Regime {
	switch {
	case rei >= 70:
		return RegimeMomentumBull
	case rei < 30:
		return RegimeDecayReversion
	case rei >= 40 && rei <= 60:
		return RegimeRangeBound
	default:
		return RegimeNeutralChop
	}
}

// OIScore maps OI momentum onto 0-100 around a neutral 50
func OIScore(oiMomentumPct float64, p Params) float64 {
	return round2(clamp(50+oiMomentumPct*p.OIScoreSlope, 0, 100))
}

// FundedScore maps the funding rate onto 0-100; FundingScale saturates the score
func FundedScore(funding float64, p Params) float64 {
	if p.FundingScale == 0 {
		return 50
	}
	return round2(clamp(50+funding/p.FundingScale*50, 0, 100))
}

// NetLongShort is the net CVD change as a percentage of total absolute CVD flow
func NetLongShort(window []ringbuffer.Sample) float64 {
	if len(window) < 2 {
		return 0
	}

	gross := 0.0
	for i := 1; i < len(window); i++ {
		gross += math.Abs(window[i].CVD - window[i-1].CVD)
	}
	if gross == 0 {
		return 0
	}

	net := window[len(window)-1].CVD - window[0].CVD
	return round2(net / gross * 100)
}

// NegativeFundingStreak counts trailing samples with negative funding
func NegativeFundingStreak(funding []float64) int {
	count := 0
	for i := len(funding) - 1; i >= 0; i-- {
		if funding[i] >= 0 {
			break
		}
		count++
	}
	return count
}

// ConsecutiveLongs counts trailing long-buildup samples (OI and close both up)
func ConsecutiveLongs(window []ringbuffer.Sample) int {
	count := 0
	for i := len(window) - 1; i > 0; i-- {
		cur, prev := window[i], window[i-1]
		if cur.OpenInterest <= prev.OpenInterest || cur.Close <= prev.Close {
			break
		}
		count++
	}
	return count
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
