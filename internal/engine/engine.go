// Package engine drives the trading loop: scan, decide, size, execute,
// monitor, record, learn. It is the sole mutator of the positions map
// and owns the engine lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/alerts"
	"github.com/quantfold/tradeswarm/internal/api"
	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/consensus"
	"github.com/quantfold/tradeswarm/internal/events"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/execution"
	"github.com/quantfold/tradeswarm/internal/memory"
	"github.com/quantfold/tradeswarm/internal/metrics"
	"github.com/quantfold/tradeswarm/internal/positions"
	"github.com/quantfold/tradeswarm/internal/risk"
	"github.com/quantfold/tradeswarm/internal/scanner"
	"github.com/quantfold/tradeswarm/internal/store"
)

const (
	allocationFraction = 0.9
	scaleInMinConf     = 0.85
	decisionLogCap     = 100
	recentTradesCap    = 500
	closeGracePeriod   = 5 * time.Second
)

// Deps is the engine's construction graph, wired at process start
type Deps struct {
	Config    *config.Config
	Router    *exchange.Router
	Scanner   *scanner.Scanner
	Agents    *agents.Population
	Consensus *consensus.Engine
	Risk      *risk.Manager
	Breaker   *risk.DailyBreaker
	Execution *execution.Engine
	Positions *positions.Manager
	Episodes  *memory.EpisodeStore
	Reflector *memory.Reflector
	Prices    *exchange.PriceBook

	// Optional collaborators
	Files  *store.FileStore
	Bus    *events.Bus
	Alerts *alerts.Manager
}

// Engine is the trading orchestrator
type Engine struct {
	cfg       *config.Config
	router    *exchange.Router
	scanner   *scanner.Scanner
	agents    *agents.Population
	consensus *consensus.Engine
	risk      *risk.Manager
	breaker   *risk.DailyBreaker
	exec      *execution.Engine
	positions *positions.Manager
	episodes  *memory.EpisodeStore
	reflector *memory.Reflector
	prices    *exchange.PriceBook
	files     *store.FileStore
	bus       *events.Bus
	alerts    *alerts.Manager

	pending   *pendingBook
	decisions *decisionLog
	cio       *cio

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	day         time.Time
	allocation  float64
	realizedPnL float64
	dailyPnL    map[string]float64 // realized notional PnL per agent, reset daily
	trades      []agents.TradeOutcome
	injected    []api.ExternalDecision
	haltAlerted bool
	lastError   string

	nowFunc func() time.Time
}

// New wires the orchestrator over its collaborators
func New(deps Deps) *Engine {
	e := &Engine{
		cfg:       deps.Config,
		router:    deps.Router,
		scanner:   deps.Scanner,
		agents:    deps.Agents,
		consensus: deps.Consensus,
		risk:      deps.Risk,
		breaker:   deps.Breaker,
		exec:      deps.Execution,
		positions: deps.Positions,
		episodes:  deps.Episodes,
		reflector: deps.Reflector,
		prices:    deps.Prices,
		files:     deps.Files,
		bus:       deps.Bus,
		alerts:    deps.Alerts,
		pending:   newPendingBook(),
		decisions: newDecisionLog(decisionLogCap),
		dailyPnL:  make(map[string]float64),
		nowFunc:   time.Now,
	}
	e.cio = newCIO(e.agents, e.publishEvent)

	e.positions.OnClose(e.handleClose)
	e.positions.SpecializationLookup(func(agentID string) (agents.Specialization, bool) {
		agent, ok := e.agents.Get(agentID)
		if !ok {
			return "", false
		}
		return agent.Snapshot().Specialization, true
	})
	if roster := e.agents.All(); len(roster) > 0 {
		e.positions.SetDefaultReviewer(roster[0].ID())
	}

	if e.files != nil {
		if trades, err := e.files.LoadTrades(); err == nil {
			if len(trades) > recentTradesCap {
				trades = trades[len(trades)-recentTradesCap:]
			}
			e.trades = trades
		}
	}
	return e
}

// Start launches the tick loop, the reconciliation ticker, and the CIO
// loop. Idempotent while running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.day = e.nowFunc().Truncate(24 * time.Hour)

	go e.run(runCtx)
	go e.positions.RunReconciliation(runCtx)
	go e.cio.run(runCtx)

	log.Info().
		Dur("interval", e.cfg.Trading.DecisionInterval()).
		Int("max_positions", e.cfg.Trading.MaxConcurrentPositions).
		Msg("Trading engine started")
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Trading.DecisionInterval())
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop cancels the loop, then exits every open position with
// reduce-only market orders inside a bounded grace window.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine not running")
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	for _, pos := range e.positions.All() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeGracePeriod)
		if _, err := e.positions.Close(closeCtx, pos.Symbol, memory.ExitManual); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Shutdown close failed")
		}
		closeCancel()
	}
	e.persistPositions()

	log.Info().Msg("Trading engine stopped")
	return nil
}

// Running reports whether the tick loop is active
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// handleClose reacts to every position close: episode outcome,
// reflection, agent learning, daily-loss checks, persistence.
func (e *Engine) handleClose(pos positions.Position, exitPrice float64, outcome memory.Outcome) {
	e.pending.dropSymbol(pos.Symbol)

	if pos.EpisodeID != "" {
		e.episodes.UpdateOutcome(pos.EpisodeID, outcome)
		go e.reflector.Reflect(context.Background(), pos.EpisodeID)
	}

	if agent, ok := e.agents.Get(pos.OwningAgentID); ok {
		thesis := &agents.Thesis{
			AgentID:        pos.OwningAgentID,
			Symbol:         pos.Symbol,
			Signal:         pos.Side.EntrySignal(),
			Reasoning:      pos.Thesis,
			IndicatorsUsed: pos.IndicatorsUsed,
			Timestamp:      pos.OpenTime,
		}
		agent.LearnFromTrade(thesis, outcome.PnLPct)

		state := agent.Snapshot()
		metrics.AgentWinRate.WithLabelValues(state.ID).Set(state.WinRate())

		e.mu.Lock()
		e.dailyPnL[pos.OwningAgentID] += outcome.PnL
		agentDaily := e.dailyPnL[pos.OwningAgentID]
		allocation := e.allocation
		e.mu.Unlock()

		if allocation > 0 && risk.AgentDailyLossBreached(agentDaily, allocation, e.cfg.Risk.MaxDailyLoss) {
			agent.Update(func(s *agents.AgentState) { s.DailyLossBreached = true })
			if e.alerts != nil {
				e.alerts.DailyLossBreach(context.Background(), pos.OwningAgentID, agentDaily)
			}
		}
	}

	e.mu.Lock()
	e.realizedPnL += outcome.PnL
	e.trades = append(e.trades, agents.TradeOutcome{
		Type:      "trade_outcome",
		AgentID:   pos.OwningAgentID,
		Symbol:    pos.Symbol,
		Signal:    pos.Side.EntrySignal(),
		PnL:       outcome.PnL,
		Reasoning: pos.Thesis,
		Timestamp: e.nowFunc(),
	})
	if len(e.trades) > recentTradesCap {
		e.trades = e.trades[len(e.trades)-recentTradesCap:]
	}
	realized := e.realizedPnL
	e.mu.Unlock()

	e.breaker.Record(outcome.PnL, e.risk.State().Balance)

	metrics.TotalPnL.Set(realized)
	metrics.PositionCloses.WithLabelValues(string(outcome.ExitReason)).Inc()
	metrics.PositionNotional.DeleteLabelValues(pos.Symbol)

	e.persistPositions()
	e.publishEvent(events.TypePositionClosed, pos.Symbol, map[string]any{
		"side":        pos.Side,
		"exit_price":  exitPrice,
		"pnl":         outcome.PnL,
		"pnl_pct":     outcome.PnLPct,
		"exit_reason": outcome.ExitReason,
		"agent_id":    pos.OwningAgentID,
	})
}

func (e *Engine) persistPositions() {
	if e.files != nil {
		e.files.SavePositions(e.positions.All())
	}
}

func (e *Engine) publishEvent(eventType events.Type, symbol string, payload any) {
	if e.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, eventType, symbol, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Event publish failed")
	}
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}
