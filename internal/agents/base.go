package agents

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/market"
)

// Agent produces theses on symbols and learns from trade outcomes
type Agent interface {
	ID() string
	Snapshot() AgentState
	Analyze(ctx context.Context, symbol string) (*Thesis, error)
	LearnFromTrade(thesis *Thesis, pnlPct float64)
	Update(fn func(*AgentState))
}

const outcomeMemoryCap = 50

// BaseAgent implements the rule-based thesis formation shared by all
// agent variants. Tallied evidence from the indicators the agent chose
// to look at becomes signal + confidence + reasoning.
type BaseAgent struct {
	mu       sync.RWMutex
	state    AgentState
	store    *market.Store
	rng      *rand.Rand
	outcomes []TradeOutcome
	sink     OutcomeSink
	logger   zerolog.Logger
}

// NewBaseAgent creates a rule-based agent around an initial state
func NewBaseAgent(state AgentState, store *market.Store, sink OutcomeSink) *BaseAgent {
	if state.IndicatorScores == nil {
		state.IndicatorScores = make(map[string]float64)
	}
	return &BaseAgent{
		state:  state,
		store:  store,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sink:   sink,
		logger: config.NewAgentLogger(state.ID, string(state.Specialization)),
	}
}

// ID returns the agent's identifier
func (a *BaseAgent) ID() string {
	return a.state.ID
}

// Snapshot returns a copy of the agent's state
func (a *BaseAgent) Snapshot() AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.copyStateLocked()
}

func (a *BaseAgent) copyStateLocked() AgentState {
	out := a.state
	out.PreferredIndicators = append([]string(nil), a.state.PreferredIndicators...)
	out.PreferredRegimes = append([]string(nil), a.state.PreferredRegimes...)
	out.IndicatorScores = make(map[string]float64, len(a.state.IndicatorScores))
	for k, v := range a.state.IndicatorScores {
		out.IndicatorScores[k] = v
	}
	return out
}

// Update applies a mutation to the agent's state under its lock
func (a *BaseAgent) Update(fn func(*AgentState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.state)
}

// selectIndicators picks the data the agent will request this round:
// price and volume always, its preferred set, and with probability
// exploration_rate one random indicator it has never scored.
func (a *BaseAgent) selectIndicators(available []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := []string{"price", "volume"}
	seen := map[string]bool{"price": true, "volume": true}
	for _, name := range a.state.PreferredIndicators {
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}

	if a.rng.Float64() < a.state.ExplorationRate {
		var unused []string
		for _, name := range available {
			if !seen[name] && a.state.IndicatorScores[name] == 0 {
				unused = append(unused, name)
			}
		}
		if len(unused) > 0 {
			pick := unused[a.rng.Intn(len(unused))]
			names = append(names, pick)
			a.logger.Debug().Str("indicator", pick).Msg("Exploring new indicator")
		}
	}
	return names
}

// Analyze forms a rule-based thesis for the symbol
func (a *BaseAgent) Analyze(ctx context.Context, symbol string) (*Thesis, error) {
	names := a.selectIndicators(a.store.AvailableIndicators())

	data := make(map[string]market.Value, len(names))
	var used []string
	for _, name := range names {
		if v, ok := a.store.Get(ctx, name, symbol); ok {
			data[name] = v
			used = append(used, name)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no market data available for %s", symbol)
	}

	signal, confidence, reasoning := tallySignals(data)

	if snapshot, err := a.store.Snapshot(ctx, symbol); err == nil {
		confidence = a.nudgeForRegime(confidence, string(snapshot.Wyckoff))
	}

	return &Thesis{
		AgentID:        a.ID(),
		Symbol:         symbol,
		Signal:         signal,
		Confidence:     confidence,
		Reasoning:      reasoning,
		IndicatorsUsed: used,
		Timestamp:      time.Now(),
	}, nil
}

// tallySignals counts bullish and bearish evidence in the fetched data
func tallySignals(data map[string]market.Value) (Signal, float64, string) {
	var bull, bear float64
	var bullReasons, bearReasons []string

	if v, ok := data["rsi"].(market.Scalar); ok {
		rsi := float64(v)
		switch {
		case rsi < 30:
			bull += 2
			bullReasons = append(bullReasons, fmt.Sprintf("RSI %.1f deeply oversold", rsi))
		case rsi < 40:
			bull++
			bullReasons = append(bullReasons, fmt.Sprintf("RSI %.1f oversold", rsi))
		case rsi > 70:
			bear += 2
			bearReasons = append(bearReasons, fmt.Sprintf("RSI %.1f deeply overbought", rsi))
		case rsi > 60:
			bear++
			bearReasons = append(bearReasons, fmt.Sprintf("RSI %.1f overbought", rsi))
		}
	}

	if v, ok := data["macd"].(market.MACDVal); ok {
		if v.Value > v.Signal {
			bull++
			bullReasons = append(bullReasons, "MACD above signal line")
		} else if v.Value < v.Signal {
			bear++
			bearReasons = append(bearReasons, "MACD below signal line")
		}
	}

	if v, ok := data["bid_pressure"].(market.Scalar); ok {
		pressure := float64(v)
		if pressure > 0.6 {
			bull++
			bullReasons = append(bullReasons, fmt.Sprintf("bid pressure %.2f", pressure))
		} else if pressure < 0.4 {
			bear++
			bearReasons = append(bearReasons, fmt.Sprintf("ask pressure %.2f", 1-pressure))
		}
	}

	if v, ok := data["sentiment"].(market.Scalar); ok {
		sentiment := float64(v)
		if sentiment > 0.7 {
			bull++
			bullReasons = append(bullReasons, fmt.Sprintf("sentiment %.2f strongly positive", sentiment))
		} else if sentiment < 0.3 {
			bear++
			bearReasons = append(bearReasons, fmt.Sprintf("sentiment %.2f strongly negative", sentiment))
		}
	}

	total := bull + bear
	if total == 0 {
		return SignalHold, 0, "no directional evidence"
	}

	if bull >= bear {
		return SignalBuy, bull / total, strings.Join(bullReasons, "; ")
	}
	return SignalSell, bear / total, strings.Join(bearReasons, "; ")
}

// nudgeForRegime applies the preferred-regime confidence adjustment
func (a *BaseAgent) nudgeForRegime(confidence float64, regime string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.state.PreferredRegimes) == 0 {
		return confidence
	}
	matched := false
	for _, r := range a.state.PreferredRegimes {
		if strings.EqualFold(r, regime) {
			matched = true
			break
		}
	}
	if matched {
		confidence *= 1.1
	} else {
		confidence *= 0.9
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

// LearnFromTrade updates the agent's state from a realized outcome
func (a *BaseAgent) LearnFromTrade(thesis *Thesis, pnlPct float64) {
	a.mu.Lock()

	win := pnlPct > 0
	a.state.TotalTrades++
	if win {
		a.state.Wins++
	}
	a.state.TotalPnL += pnlPct
	a.state.DailyPnL += pnlPct

	for _, name := range thesis.IndicatorsUsed {
		score := a.state.IndicatorScores[name]
		if win {
			score += 0.1
		} else {
			score -= 0.05
		}
		a.state.IndicatorScores[name] = clamp01(score)
	}
	a.state.PreferredIndicators = topIndicators(a.state.IndicatorScores, 5)

	if win {
		a.state.AdaptiveParams.ConfidenceThreshold -= 0.01
	} else {
		a.state.AdaptiveParams.ConfidenceThreshold += 0.02
	}
	a.state.AdaptiveParams.ConfidenceThreshold = clampRange(a.state.AdaptiveParams.ConfidenceThreshold, 0.60, 0.90)

	lesson := "Review entry criteria"
	if win {
		lesson = "Successful strategy"
	}
	outcome := TradeOutcome{
		Type:      "trade_outcome",
		AgentID:   a.state.ID,
		Symbol:    thesis.Symbol,
		Signal:    thesis.Signal,
		PnL:       pnlPct,
		Reasoning: thesis.Reasoning,
		Lesson:    lesson,
		Timestamp: time.Now(),
	}
	a.outcomes = append(a.outcomes, outcome)
	if len(a.outcomes) > outcomeMemoryCap {
		a.outcomes = a.outcomes[len(a.outcomes)-outcomeMemoryCap:]
	}
	winRate := a.state.WinRate()
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.RecordTradeOutcome(outcome)
	}

	a.logger.Info().
		Str("symbol", thesis.Symbol).
		Float64("pnl_pct", pnlPct).
		Bool("win", win).
		Float64("win_rate", winRate).
		Msg("Agent learned from trade")
}

// RecentOutcomes returns up to limit memory items, preferring the symbol
func (a *BaseAgent) RecentOutcomes(symbol string, limit int) []TradeOutcome {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var matched, rest []TradeOutcome
	for i := len(a.outcomes) - 1; i >= 0; i-- {
		o := a.outcomes[i]
		if o.Symbol == symbol {
			matched = append(matched, o)
		} else {
			rest = append(rest, o)
		}
	}
	out := matched
	if len(out) < limit {
		need := limit - len(out)
		if need > len(rest) {
			need = len(rest)
		}
		out = append(out, rest[:need]...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ResetDaily clears the daily PnL tracking at the day boundary
func (a *BaseAgent) ResetDaily() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.DailyPnL = 0
	a.state.DailyLossBreached = false
}

func topIndicators(scores map[string]float64, n int) []string {
	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for name, score := range scores {
		ranked = append(ranked, scored{name, score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
