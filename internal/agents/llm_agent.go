package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/tradeswarm/internal/llm"
	"github.com/quantfold/tradeswarm/internal/market"
)

var personalityDirectives = map[Personality]string{
	PersonalityAnalytical:   "You weigh every piece of evidence methodically and avoid conclusions the data does not support.",
	PersonalityAggressive:   "You favor decisive entries when momentum aligns, accepting higher risk for higher reward.",
	PersonalityConservative: "You require strong multi-indicator confirmation and prefer missing a trade to forcing one.",
	PersonalityContrarian:   "You look for crowded trades to fade and distrust consensus extremes.",
}

// LLMAgent asks a language model for a structured thesis, falling back
// to the rule-based tally when the model is unreachable or incoherent.
type LLMAgent struct {
	*BaseAgent
	completer llm.Completer
	timeout   time.Duration
}

// NewLLMAgent wraps a base agent with LLM-backed analysis
func NewLLMAgent(state AgentState, store *market.Store, sink OutcomeSink, completer llm.Completer, timeout time.Duration) *LLMAgent {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &LLMAgent{
		BaseAgent: NewBaseAgent(state, store, sink),
		completer: completer,
		timeout:   timeout,
	}
}

// Analyze queries the LLM for a structured thesis
func (a *LLMAgent) Analyze(ctx context.Context, symbol string) (*Thesis, error) {
	if a.completer == nil {
		return a.BaseAgent.Analyze(ctx, symbol)
	}

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

	llmCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	content, err := a.completer.CompleteWithSystem(llmCtx, a.systemPrompt(), a.userPrompt(symbol, data))
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("LLM analysis failed, using rule-based fallback")
		return a.BaseAgent.Analyze(ctx, symbol)
	}

	structured, ok := llm.ParseStructuredThesis(content)
	if !ok {
		a.logger.Warn().Str("symbol", symbol).Msg("LLM response unparseable, using rule-based fallback")
		return a.BaseAgent.Analyze(ctx, symbol)
	}

	confidence := structured.Confidence
	if snapshot, err := a.store.Snapshot(ctx, symbol); err == nil {
		confidence = a.nudgeForRegime(confidence, string(snapshot.Wyckoff))
	}

	reasoning := structured.Conclude
	if reasoning == "" {
		reasoning = structured.Reason
	}

	return &Thesis{
		AgentID:        a.ID(),
		Symbol:         symbol,
		Signal:         Signal(structured.Signal),
		Confidence:     confidence,
		Reasoning:      reasoning,
		IndicatorsUsed: used,
		Timestamp:      time.Now(),
	}, nil
}

func (a *LLMAgent) systemPrompt() string {
	state := a.Snapshot()
	directive := personalityDirectives[state.Personality]
	return fmt.Sprintf(
		"You are a %s cryptocurrency trading agent specializing in %s analysis. %s\n"+
			"Respond with exactly these sections:\n"+
			"OBSERVE: <what the data shows>\n"+
			"REASON: <why it matters>\n"+
			"CONCLUDE: <your trading view>\n"+
			"SIGNAL: <BUY, SELL or HOLD>\n"+
			"CONFIDENCE: <0.0 to 1.0>",
		state.Personality, state.Specialization, directive)
}

func (a *LLMAgent) userPrompt(symbol string, data map[string]market.Value) string {
	state := a.Snapshot()
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	fmt.Fprintf(&b, "Your live win rate: %.0f%% over %d trades\n\n", state.WinRate()*100, state.TotalTrades)

	b.WriteString("Market data:\n")
	for name, value := range data {
		fmt.Fprintf(&b, "  %s: %s\n", name, market.FormatValue(value))
	}

	excerpts := a.RecentOutcomes(symbol, 5)
	if len(excerpts) > 0 {
		b.WriteString("\nRelevant recent outcomes:\n")
		for _, e := range excerpts {
			fmt.Fprintf(&b, "  %s %s pnl %.2f%%: %s\n", e.Symbol, e.Signal, e.PnL*100, e.Lesson)
		}
	}

	b.WriteString("\nProvide your structured analysis.")
	return b.String()
}
