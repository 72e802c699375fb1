package market

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// GenerateSyntheticCandles produces a plausible candle series for symbols in
// the synthetic universe when the venue has no data. The series is seeded by
// (minute bucket, symbol hash) so repeated calls inside the same minute are
// deterministic.
func GenerateSyntheticCandles(symbol string, limit int, now time.Time) []Candle {
	if limit <= 0 {
		limit = 100
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	seed := now.Unix()/60 + int64(h.Sum64()%1_000_000)
	rng := rand.New(rand.NewSource(seed))

	// Base price spread across a few orders of magnitude by symbol hash
	base := 0.5 + float64(h.Sum64()%5000)/10.0

	candles := make([]Candle, 0, limit)
	price := base
	start := now.Add(-time.Duration(limit) * time.Hour).Truncate(time.Hour)

	for i := 0; i < limit; i++ {
		drift := rng.NormFloat64() * 0.01
		open := price
		close := open * (1 + drift)
		hi := math.Max(open, close) * (1 + rng.Float64()*0.005)
		lo := math.Min(open, close) * (1 - rng.Float64()*0.005)
		vol := base * 1000 * (0.5 + rng.Float64())

		openTime := start.Add(time.Duration(i) * time.Hour)
		candles = append(candles, Candle{
			OpenTime:  openTime,
			CloseTime: openTime.Add(time.Hour),
			Open:      open,
			High:      hi,
			Low:       lo,
			Close:     close,
			Volume:    vol,
		})
		price = close
	}

	return candles
}
