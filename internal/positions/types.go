package positions

import (
	"time"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/exchange"
)

// Side is the direction of an open position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other direction
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// CloseSide is the order side that reduces this position
func (s Side) CloseSide() exchange.Side {
	if s == SideLong {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// SideForSignal maps an entry signal to a position direction
func SideForSignal(signal agents.Signal) Side {
	if signal == agents.SignalSell {
		return SideShort
	}
	return SideLong
}

// EntrySignal maps a position direction back to the signal that opened it
func (s Side) EntrySignal() agents.Signal {
	if s == SideShort {
		return agents.SignalSell
	}
	return agents.SignalBuy
}

// Position is one open position. At most one position per symbol.
type Position struct {
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	CurrentPrice    float64   `json:"current_price"`
	StopLoss        float64   `json:"stop_loss"`
	TakeProfit      float64   `json:"take_profit"`
	TrailingStopPct float64   `json:"trailing_stop_pct,omitempty"`
	OpenTime        time.Time `json:"open_time"`
	OwningAgentID   string    `json:"owning_agent_id"`
	Thesis          string    `json:"thesis,omitempty"`
	IndicatorsUsed  []string  `json:"indicators_used,omitempty"`
	EpisodeID       string    `json:"episode_id,omitempty"`
	VenueHint       string    `json:"venue_hint,omitempty"`
	TPNativeOrderID string    `json:"tp_native_order_id,omitempty"`
	SLNativeOrderID string    `json:"sl_native_order_id,omitempty"`

	// High-water marks for the trade outcome, updated on every tick
	MaxProfitPct   float64 `json:"max_profit_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// PnLPct returns the unrealized return at the given price
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - price) / p.EntryPrice
}

// PnL returns the unrealized profit in quote currency at the given price
func (p *Position) PnL(price float64) float64 {
	return p.PnLPct(price) * p.EntryPrice * p.Quantity
}

// Notional is the position's current notional value
func (p *Position) Notional() float64 {
	return p.CurrentPrice * p.Quantity
}
