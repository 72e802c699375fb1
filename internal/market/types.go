// Package market implements the feature pipeline: candle ingestion,
// indicator computation and the per-symbol snapshot cache that the rest of
// the engine reads from.
package market

import "time"

// Candle is a single OHLCV bar
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// OrderBook is a depth-limited view of the book
type OrderBook struct {
	Bids [][2]float64 `json:"bids"` // [price, qty]
	Asks [][2]float64 `json:"asks"`
}

// BidPressure returns the bid-side share of total visible volume in [0, 1]
func (ob *OrderBook) BidPressure() float64 {
	var bidVol, askVol float64
	for _, b := range ob.Bids {
		bidVol += b[1]
	}
	for _, a := range ob.Asks {
		askVol += a[1]
	}
	total := bidVol + askVol
	if total == 0 {
		return 0.5
	}
	return bidVol / total
}

// SpreadPct returns the top-of-book spread as a fraction of the mid price
func (ob *OrderBook) SpreadPct() float64 {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0
	}
	bid, ask := ob.Bids[0][0], ob.Asks[0][0]
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid
}

// WyckoffPhase classifies the market cycle stage
type WyckoffPhase string

const (
	PhaseAccumulation WyckoffPhase = "ACCUMULATION"
	PhaseMarkup       WyckoffPhase = "MARKUP"
	PhaseDistribution WyckoffPhase = "DISTRIBUTION"
	PhaseMarkdown     WyckoffPhase = "MARKDOWN"
	PhaseNeutral      WyckoffPhase = "NEUTRAL"
)

// Trend is the coarse direction classification
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// VolatilityState is the coarse volatility classification
type VolatilityState string

const (
	VolatilityLow  VolatilityState = "LOW"
	VolatilityHigh VolatilityState = "HIGH"
)

// MACDValue holds the MACD line, signal line and histogram
type MACDValue struct {
	Value     float64 `json:"value"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Band holds a three-line band such as Bollinger
type Band struct {
	Upper float64 `json:"upper"`
	Mid   float64 `json:"mid"`
	Lower float64 `json:"lower"`
}

// StochValue holds the stochastic oscillator lines
type StochValue struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// Snapshot is the full per-symbol feature set derived from one fetch.
// It is immutable once published; readers share the pointer.
type Snapshot struct {
	Symbol       string             `json:"symbol"`
	Price        float64            `json:"price"`
	Volume24h    float64            `json:"volume_24h"`
	ChangePct24h float64            `json:"change_pct_24h"`
	High24h      float64            `json:"high_24h"`
	Low24h       float64            `json:"low_24h"`
	EMA20        float64            `json:"ema_20"`
	EMA50        float64            `json:"ema_50"`
	ATRPct       float64            `json:"atr_pct"`
	RSI          float64            `json:"rsi"`
	MACD         MACDValue          `json:"macd"`
	BB           Band               `json:"bb"`
	Stoch        StochValue         `json:"stoch"`
	CCI          float64            `json:"cci"`
	ADX          float64            `json:"adx"`
	OBV          float64            `json:"obv"`
	FibLevels    map[string]float64 `json:"fib_levels"`
	Wyckoff      WyckoffPhase       `json:"wyckoff_phase"`
	VSOP         float64            `json:"vsop"` // volume-sentiment-order-pressure composite, [0, 100]
	BidPressure  float64            `json:"bid_pressure"`
	SpreadPct    float64            `json:"spread_pct"`
	Trend        Trend              `json:"trend"`
	Volatility   VolatilityState    `json:"volatility_state"`
	Timestamp    time.Time          `json:"timestamp"`
}
