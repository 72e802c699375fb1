package market

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// sliceToChan feeds a price slice into a channel for the cinar indicator API
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func drain(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

// EMA returns the most recent exponential moving average with the given span
func EMA(prices []float64, period int) float64 {
	if len(prices) < period || period < 1 {
		return 0
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return last(drain(ema.Compute(sliceToChan(prices))))
}

// RSI returns the most recent Wilder-smoothed relative strength index
func RSI(prices []float64, period int) float64 {
	if len(prices) <= period || period < 1 {
		return 50
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := drain(rsi.Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return 50
	}
	return last(values)
}

// MACD returns the most recent MACD(12,26,9) line, signal and histogram
func MACD(prices []float64) MACDValue {
	if len(prices) < 26+9 {
		return MACDValue{}
	}
	macd := trend.NewMacdWithPeriod[float64](12, 26, 9)
	macdChan, signalChan := macd.Compute(sliceToChan(prices))

	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return MACDValue{}
	}
	m, s := last(macdValues), last(signalValues)
	return MACDValue{Value: m, Signal: s, Histogram: m - s}
}

// Bollinger returns the most recent 20-period, 2-sigma band
func Bollinger(prices []float64, period int) Band {
	if len(prices) < period || period < 1 {
		return Band{}
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerChan, middleChan, upperChan := bb.Compute(sliceToChan(prices))

	var lower, mid, upper float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower, mid, upper = l, m, u
	}
	return Band{Upper: upper, Mid: mid, Lower: lower}
}

// ATRPct returns the 14-period average true range as a fraction of the last
// close. ATR here is the plain mean of true ranges, not Wilder-smoothed.
func ATRPct(candles []Candle, period int) float64 {
	if len(candles) < period+1 || period < 1 {
		return 0
	}
	var sum float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		tr := math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
		sum += tr
	}
	atr := sum / float64(period)
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return 0
	}
	return atr / lastClose
}

// Stochastic returns %K on the period high/low range and %D = SMA(3) of %K
func Stochastic(candles []Candle, kPeriod, dPeriod int) StochValue {
	if len(candles) < kPeriod+dPeriod || kPeriod < 1 || dPeriod < 1 {
		return StochValue{K: 50, D: 50}
	}

	kValue := func(end int) float64 {
		hi, lo := candles[end].High, candles[end].Low
		for i := end - kPeriod + 1; i <= end; i++ {
			hi = math.Max(hi, candles[i].High)
			lo = math.Min(lo, candles[i].Low)
		}
		if hi == lo {
			return 50
		}
		return 100 * (candles[end].Close - lo) / (hi - lo)
	}

	n := len(candles) - 1
	k := kValue(n)
	var dSum float64
	for i := 0; i < dPeriod; i++ {
		dSum += kValue(n - i)
	}
	return StochValue{K: k, D: dSum / float64(dPeriod)}
}

// CCI returns the 20-period commodity channel index:
// (TP - SMA(TP)) / (0.015 * mean deviation), TP = (H+L+C)/3
func CCI(candles []Candle, period int) float64 {
	if len(candles) < period || period < 1 {
		return 0
	}
	tp := make([]float64, period)
	start := len(candles) - period
	var sum float64
	for i := 0; i < period; i++ {
		c := candles[start+i]
		tp[i] = (c.High + c.Low + c.Close) / 3
		sum += tp[i]
	}
	sma := sum / float64(period)

	var meanDev float64
	for _, v := range tp {
		meanDev += math.Abs(v - sma)
	}
	meanDev /= float64(period)
	if meanDev == 0 {
		return 0
	}
	return (tp[period-1] - sma) / (0.015 * meanDev)
}

// OBV returns the cumulative on-balance volume over the candle series
func OBV(candles []Candle) float64 {
	var obv float64
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			obv -= candles[i].Volume
		}
	}
	return obv
}

// ADX returns the Wilder-smoothed average directional index
func ADX(candles []Candle, period int) float64 {
	n := len(candles)
	if n < period*2 || period < 1 {
		return 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		c, prev := candles[i], candles[i-1]
		tr[i] = math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))

		upMove := c.High - prev.High
		downMove := prev.Low - c.Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	return smoothWilder(dx, period)[n-1]
}

// smoothWilder applies Wilder's smoothing method
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}

// Fibonacci returns retracement levels from the high/low of the series
func Fibonacci(candles []Candle) map[string]float64 {
	if len(candles) == 0 {
		return nil
	}
	hi, lo := candles[0].High, candles[0].Low
	for _, c := range candles {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	diff := hi - lo
	return map[string]float64{
		"0.0":   hi,
		"0.236": hi - 0.236*diff,
		"0.382": hi - 0.382*diff,
		"0.5":   hi - 0.5*diff,
		"0.618": hi - 0.618*diff,
		"0.786": hi - 0.786*diff,
		"1.0":   lo,
	}
}

// ClassifyWyckoff infers the market cycle phase from trend position, RSI and
// relative volatility
func ClassifyWyckoff(price, ema50, rsi, atrPct, avgATRPct float64) WyckoffPhase {
	highVol := avgATRPct > 0 && atrPct > avgATRPct

	switch {
	case price > ema50 && rsi > 55:
		return PhaseMarkup
	case price > ema50 && rsi < 45 && highVol:
		return PhaseDistribution
	case price < ema50 && rsi < 45:
		return PhaseMarkdown
	case price < ema50 && rsi > 55 && highVol:
		return PhaseAccumulation
	default:
		return PhaseNeutral
	}
}

// VSOP computes the volume-sentiment-order-pressure composite in [0, 100]:
// the mean of a z-scored volume trend mapped to [0, 100], a trend score and
// the RSI, divided by 3.
func VSOP(candles []Candle, tr Trend, rsi float64) float64 {
	volScore := 50.0
	if len(candles) >= 20 {
		recent := candles[len(candles)-5:]
		base := candles[len(candles)-20:]

		var recentAvg float64
		for _, c := range recent {
			recentAvg += c.Volume
		}
		recentAvg /= float64(len(recent))

		var mean float64
		for _, c := range base {
			mean += c.Volume
		}
		mean /= float64(len(base))

		var variance float64
		for _, c := range base {
			variance += (c.Volume - mean) * (c.Volume - mean)
		}
		stddev := math.Sqrt(variance / float64(len(base)))
		if stddev > 0 {
			z := (recentAvg - mean) / stddev
			volScore = clamp(50+z*25, 0, 100)
		}
	}

	trendScore := 50.0
	switch tr {
	case TrendBullish:
		trendScore = 75
	case TrendBearish:
		trendScore = 25
	}

	return (volScore + trendScore + rsi) / 3
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
