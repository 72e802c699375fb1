package engine

import (
	"sync"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/api"
	"github.com/quantfold/tradeswarm/internal/consensus"
	"github.com/quantfold/tradeswarm/internal/execution"
)

// decisionLog is a bounded ring of recent consensus decisions
type decisionLog struct {
	mu  sync.Mutex
	buf []api.DecisionRecord
	cap int
}

func newDecisionLog(capacity int) *decisionLog {
	return &decisionLog{cap: capacity}
}

func (l *decisionLog) add(record api.DecisionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, record)
	if len(l.buf) > l.cap {
		l.buf = l.buf[len(l.buf)-l.cap:]
	}
}

// recent returns up to limit records, newest first
func (l *decisionLog) recent(limit int) []api.DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]api.DecisionRecord, 0, limit)
	for i := len(l.buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.buf[i])
	}
	return out
}

func (e *Engine) recordDecision(symbol string, decision consensus.Decision, executed bool) {
	e.decisions.add(api.DecisionRecord{
		Timestamp:  e.nowFunc(),
		Symbol:     symbol,
		Signal:     decision.Signal,
		Confidence: decision.Confidence,
		Agreement:  decision.AgreementLevel,
		Reasoning:  decision.Reasoning,
		Executed:   executed,
	})
}

// Dashboard assembles the aggregate state view for the HTTP surface
func (e *Engine) Dashboard() api.Dashboard {
	return api.Dashboard{
		Running:        e.Running(),
		Portfolio:      e.risk.State(),
		Positions:      e.positions.All(),
		Agents:         e.agents.States(),
		MemoryStats:    e.episodes.GetStats(),
		ExecutionStats: e.exec.Stats(),
	}
}

// RecentDecisions returns the latest consensus decisions, newest first
func (e *Engine) RecentDecisions(limit int) []api.DecisionRecord {
	return e.decisions.recent(limit)
}

// TradeHistory returns up to limit realized trades, newest first
func (e *Engine) TradeHistory(limit int) []agents.TradeOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.trades) {
		limit = len(e.trades)
	}
	out := make([]agents.TradeOutcome, 0, limit)
	for i := len(e.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.trades[i])
	}
	return out
}

// AgentStates returns every agent's current state snapshot
func (e *Engine) AgentStates() []agents.AgentState {
	return e.agents.States()
}

// SetAgentActive enables or disables an agent by ID
func (e *Engine) SetAgentActive(id string, active bool) bool {
	return e.agents.SetActive(id, active)
}

// ExecutionStats returns per-algorithm execution quality counters
func (e *Engine) ExecutionStats() map[execution.Algo]execution.AlgoStats {
	return e.exec.Stats()
}

// LastError returns the most recent surfaced error text
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// compile-time check that the engine satisfies the HTTP controller
var _ api.Controller = (*Engine)(nil)
