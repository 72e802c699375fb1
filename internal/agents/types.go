package agents

import (
	"time"
)

// Signal is a trading signal
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Opposes reports whether two signals are directional opposites
func (s Signal) Opposes(other Signal) bool {
	return (s == SignalBuy && other == SignalSell) || (s == SignalSell && other == SignalBuy)
}

// Specialization is an agent's analytical focus
type Specialization string

const (
	SpecTechnical      Specialization = "technical"
	SpecSentiment      Specialization = "sentiment"
	SpecHybrid         Specialization = "hybrid"
	SpecPredictive     Specialization = "predictive"
	SpecMicrostructure Specialization = "microstructure"
	SpecMarketMaking   Specialization = "market_making"
	SpecSwing          Specialization = "swing"
	SpecMomentum       Specialization = "momentum"
)

// ScalpEligible reports whether this specialization takes quick profits
func (s Specialization) ScalpEligible() bool {
	return s == SpecMomentum || s == SpecMarketMaking
}

// Personality shapes how an agent weighs evidence and phrases reasoning
type Personality string

const (
	PersonalityAnalytical   Personality = "analytical"
	PersonalityAggressive   Personality = "aggressive"
	PersonalityConservative Personality = "conservative"
	PersonalityContrarian   Personality = "contrarian"
)

// AdaptiveParams are the per-agent knobs adjusted by learning and by
// CIO interventions
type AdaptiveParams struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	Leverage            int     `json:"leverage"`
	PositionSizePct     float64 `json:"position_size_pct"`
}

// AgentState is the full mutable state of one agent
type AgentState struct {
	ID                  string             `json:"id"`
	Specialization      Specialization     `json:"specialization"`
	Personality         Personality        `json:"personality"`
	PreferredIndicators []string           `json:"preferred_indicators"`
	IndicatorScores     map[string]float64 `json:"indicator_scores"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	ExplorationRate     float64            `json:"exploration_rate"`
	TotalTrades         int                `json:"total_trades"`
	Wins                int                `json:"wins"`
	TotalPnL            float64            `json:"total_pnl"`
	DailyPnL            float64            `json:"daily_pnl"`
	DailyLossBreached   bool               `json:"daily_loss_breached"`
	AdaptiveParams      AdaptiveParams     `json:"adaptive_params"`
	MaxLeverageLimit    int                `json:"max_leverage_limit"`
	RiskTolerance       float64            `json:"risk_tolerance"`
	PreferredRegimes    []string           `json:"preferred_regimes"`
	Active              bool               `json:"active"`
	LastIntervention    string             `json:"last_intervention,omitempty"`
}

// WinRate returns the fraction of closed trades that were profitable
func (s *AgentState) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades)
}

// Thesis is one agent's view on one symbol at one moment
type Thesis struct {
	AgentID        string    `json:"agent_id"`
	Symbol         string    `json:"symbol"`
	Signal         Signal    `json:"signal"`
	Confidence     float64   `json:"confidence"`
	Reasoning      string    `json:"reasoning"`
	IndicatorsUsed []string  `json:"indicators_used"`
	Timestamp      time.Time `json:"timestamp"`
}

// TradeOutcome is the compact memory item persisted after learning
type TradeOutcome struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Symbol    string    `json:"symbol"`
	Signal    Signal    `json:"signal"`
	PnL       float64   `json:"pnl"`
	Reasoning string    `json:"reasoning"`
	Lesson    string    `json:"lesson"`
	Timestamp time.Time `json:"timestamp"`
}

// OutcomeSink receives trade-outcome memory items for persistence
type OutcomeSink interface {
	RecordTradeOutcome(outcome TradeOutcome)
}
