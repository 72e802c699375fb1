package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ExitReason classifies why a position closed
type ExitReason string

const (
	ExitTakeProfit       ExitReason = "take_profit"
	ExitStopLoss         ExitReason = "stop_loss"
	ExitReversal         ExitReason = "reversal"
	ExitStagnation       ExitReason = "stagnation"
	ExitManual           ExitReason = "manual"
	ExitLiquidationGuard ExitReason = "liquidation_guard"
	ExitTimeout          ExitReason = "timeout"
	ExitBadInheritance   ExitReason = "bad_inheritance"
)

// Outcome is the realized result attached to an episode at close
type Outcome struct {
	Success       bool       `json:"success"`
	PnL           float64    `json:"pnl"`
	PnLPct        float64    `json:"pnl_pct"`
	MaxDrawdown   float64    `json:"max_drawdown"`
	MaxProfit     float64    `json:"max_profit"`
	HoldDurationS float64    `json:"hold_duration_s"`
	ExitReason    ExitReason `json:"exit_reason"`
}

// Reflection is the post-outcome lesson triple
type Reflection struct {
	WhatWorked string `json:"what_worked"`
	WhatFailed string `json:"what_failed"`
	Lesson     string `json:"lesson"`
}

// Episode is the unit of learning: the market context and decision at
// entry, the realized outcome, and the reflection drawn from it.
// Once an outcome is attached only the reflection fields may change.
type Episode struct {
	EpisodeID            string    `json:"episode_id"`
	Timestamp            time.Time `json:"timestamp"`
	MarketStateText      string    `json:"market_state_text"`
	MarketStateEmbedding string    `json:"market_state_embedding_text"`
	Symbol               string    `json:"symbol"`
	Venue                string    `json:"venue"`
	Signal               string    `json:"signal"`
	EntryPrice           float64   `json:"entry_price"`
	Quantity             float64   `json:"quantity"`
	StopLoss             float64   `json:"stop_loss,omitempty"`
	TakeProfit           float64   `json:"take_profit,omitempty"`
	AgentID              string    `json:"agent_id"`
	Reasoning            string    `json:"reasoning"`
	Confidence           float64   `json:"confidence"`
	Outcome              *Outcome  `json:"outcome,omitempty"`
	WhatWorked           string    `json:"what_worked,omitempty"`
	WhatFailed           string    `json:"what_failed,omitempty"`
	Lesson               string    `json:"lesson,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
}

// Profitable reports whether the episode closed with positive PnL
func (e *Episode) Profitable() bool {
	return e.Outcome != nil && e.Outcome.PnL > 0
}

// EpisodeIDFor derives the stable episode identifier
func EpisodeIDFor(timestamp time.Time, symbol, signal string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", timestamp.UnixNano(), symbol, signal)))
	return hex.EncodeToString(sum[:8])
}
