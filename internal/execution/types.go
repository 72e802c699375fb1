package execution

import (
	"time"

	"github.com/quantfold/tradeswarm/internal/exchange"
)

// Urgency expresses how quickly an order must complete
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Score maps urgency to [0,1] for the algorithm selector
func (u Urgency) Score() float64 {
	switch u {
	case UrgencyLow:
		return 0.2
	case UrgencyHigh:
		return 0.8
	case UrgencyCritical:
		return 1.0
	default:
		return 0.5
	}
}

// Algo identifies an execution algorithm
type Algo string

const (
	AlgoMarket    Algo = "MARKET"
	AlgoTWAP      Algo = "TWAP"
	AlgoVWAP      Algo = "VWAP"
	AlgoIceberg   Algo = "ICEBERG"
	AlgoSniper    Algo = "SNIPER"
	AlgoAdaptive  Algo = "ADAPTIVE"
	AlgoArbitrage Algo = "ARBITRAGE"
)

// Order is a request to the execution layer. Metadata carries optional
// keys: stop_loss, take_profit, volatility, spread_pct, volume_roll_avg,
// order_size_pct, leg2_symbol, leg2_side.
type Order struct {
	Symbol         string         `json:"symbol"`
	Side           exchange.Side  `json:"side"`
	TotalQuantity  float64        `json:"total_quantity"`
	MaxSlippagePct float64        `json:"max_slippage_pct"`
	Urgency        Urgency        `json:"urgency"`
	Algo           Algo           `json:"algo"`
	VenueHint      string         `json:"venue_hint,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Slice records one child fill
type Slice struct {
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	OrderID   string    `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the aggregate outcome of an execution
type Result struct {
	Success          bool    `json:"success"`
	TotalQuantity    float64 `json:"total_quantity"`
	AvgPrice         float64 `json:"avg_price"`
	TotalSlippagePct float64 `json:"total_slippage_pct"`
	Slices           []Slice `json:"slices"`
	AlgoUsed         Algo    `json:"algo_used"`
	ExecutionTimeMS  int64   `json:"execution_time_ms"`
	Error            string  `json:"error,omitempty"`
}

func metaFloat(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func metaString(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}
