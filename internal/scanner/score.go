package scanner

import (
	"fmt"
	"math"

	"github.com/quantfold/tradeswarm/internal/market"
)

// Sub-score weights for the composite
const (
	weightRSI   = 0.25
	weightMACD  = 0.25
	weightTrend = 0.20
	weightStoch = 0.15
	weightOB    = 0.15
)

// CompositeScore reduces a snapshot to a single signed score in [-1, 1]
// plus the reasons that moved it
func CompositeScore(s *market.Snapshot) (float64, []string) {
	var reasons []string

	sRSI := rsiScore(s.RSI)
	if sRSI != 0 {
		reasons = append(reasons, fmt.Sprintf("rsi=%.1f score=%+.2f", s.RSI, sRSI))
	}

	sMACD := macdScore(s.MACD)
	if sMACD != 0 {
		reasons = append(reasons, fmt.Sprintf("macd_hist=%.3f score=%+.2f", s.MACD.Histogram, sMACD))
	}

	sTrend := trendScore(s.Trend)
	if sTrend != 0 {
		reasons = append(reasons, fmt.Sprintf("trend=%s score=%+.2f", s.Trend, sTrend))
	}

	sStoch := stochScore(s.Stoch.K)
	if sStoch != 0 {
		reasons = append(reasons, fmt.Sprintf("stoch_k=%.1f score=%+.2f", s.Stoch.K, sStoch))
	}

	sOB := orderBookScore(s.BidPressure)
	if sOB != 0 {
		reasons = append(reasons, fmt.Sprintf("bid_pressure=%.2f score=%+.2f", s.BidPressure, sOB))
	}

	composite := weightRSI*sRSI + weightMACD*sMACD + weightTrend*sTrend + weightStoch*sStoch + weightOB*sOB
	return composite, reasons
}

// rsiScore maps RSI to [-1, 1]. Inside the extreme zones the score
// ramps from 0.8 at the boundary to 1.0 ten points beyond it.
func rsiScore(rsi float64) float64 {
	switch {
	case rsi < 30:
		return math.Min(0.8+0.2*(30-rsi)/10, 1.0)
	case rsi < 40:
		return 0.4
	case rsi > 70:
		return -math.Min(0.8+0.2*(rsi-70)/10, 1.0)
	case rsi > 60:
		return -0.4
	}
	return 0
}

func macdScore(m market.MACDValue) float64 {
	diff := m.Value - m.Signal
	if diff == 0 {
		return 0
	}
	magnitude := math.Min(math.Abs(m.Histogram)/10, 1)
	if diff > 0 {
		return magnitude
	}
	return -magnitude
}

func trendScore(t market.Trend) float64 {
	switch t {
	case market.TrendBullish:
		return 0.6
	case market.TrendBearish:
		return -0.6
	}
	return 0
}

func stochScore(k float64) float64 {
	switch {
	case k < 20:
		return 0.7
	case k < 30:
		return 0.3
	case k > 80:
		return -0.7
	case k > 70:
		return -0.3
	}
	return 0
}

func orderBookScore(bidPressure float64) float64 {
	if bidPressure > 0.6 {
		return 0.5
	}
	if bidPressure < 0.4 {
		return -0.5
	}
	return 0
}
