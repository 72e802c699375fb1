package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/memory"
)

const (
	scalpExitPct       = 0.008
	trailStage1Pct     = 0.015
	trailStage2Pct     = 0.03
	breakevenFactor    = 1.002
	lockProfitFactor   = 1.015
	stalenessAge       = 4 * time.Hour
	stalenessBandPct   = 0.005
	reversalMinConf    = 0.5
	inheritanceMinConf = 0.6
)

// CloseFn observes every position close with its realized outcome
type CloseFn func(pos Position, exitPrice float64, outcome memory.Outcome)

// SpecLookup resolves an agent's specialization for scalp-exit checks
type SpecLookup func(agentID string) (agents.Specialization, bool)

// Manager owns the set of open positions. It monitors exits each tick,
// drives reduce-only close orders, and reconciles with venue state.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*Position

	router          *exchange.Router
	specOf          SpecLookup
	onClose         CloseFn
	defaultReviewer string
	nowFunc         func() time.Time
}

// NewManager creates a position manager
func NewManager(router *exchange.Router) *Manager {
	return &Manager{
		positions: make(map[string]*Position),
		router:    router,
		nowFunc:   time.Now,
	}
}

// OnClose registers the close observer
func (m *Manager) OnClose(fn CloseFn) { m.onClose = fn }

// SpecializationLookup registers the agent specialization resolver
func (m *Manager) SpecializationLookup(fn SpecLookup) { m.specOf = fn }

// SetDefaultReviewer names the agent that adopts orphaned venue positions
func (m *Manager) SetDefaultReviewer(agentID string) { m.defaultReviewer = agentID }

// Open registers a new position. One position per symbol.
func (m *Manager) Open(pos *Position) error {
	if pos.Quantity <= 0 {
		return fmt.Errorf("position quantity must be positive, got %.8f", pos.Quantity)
	}
	if pos.Side == SideLong && !(pos.StopLoss < pos.EntryPrice && pos.EntryPrice < pos.TakeProfit) {
		return fmt.Errorf("long %s stops out of order: sl=%.4f entry=%.4f tp=%.4f",
			pos.Symbol, pos.StopLoss, pos.EntryPrice, pos.TakeProfit)
	}
	if pos.Side == SideShort && !(pos.TakeProfit < pos.EntryPrice && pos.EntryPrice < pos.StopLoss) {
		return fmt.Errorf("short %s stops out of order: tp=%.4f entry=%.4f sl=%.4f",
			pos.Symbol, pos.TakeProfit, pos.EntryPrice, pos.StopLoss)
	}
	if pos.OpenTime.IsZero() {
		pos.OpenTime = m.nowFunc()
	}
	if pos.CurrentPrice <= 0 {
		pos.CurrentPrice = pos.EntryPrice
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[pos.Symbol]; exists {
		return fmt.Errorf("position already open for %s", pos.Symbol)
	}
	m.positions[pos.Symbol] = pos

	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("quantity", pos.Quantity).
		Float64("entry", pos.EntryPrice).
		Float64("stop_loss", pos.StopLoss).
		Float64("take_profit", pos.TakeProfit).
		Str("agent_id", pos.OwningAgentID).
		Msg("Position opened")
	return nil
}

// Get returns a copy of the position for a symbol
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All returns copies of all open positions
func (m *Manager) All() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Count returns the number of open positions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// TotalExposure sums current notional across open positions
func (m *Manager) TotalExposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, pos := range m.positions {
		total += pos.Notional()
	}
	return total
}

// UpdateEntry rewrites entry, quantity, and stops after a scale-in
func (m *Manager) UpdateEntry(symbol string, entry, quantity, stopLoss, takeProfit float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return false
	}
	pos.EntryPrice = entry
	pos.Quantity = quantity
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	return true
}

type exitDecision struct {
	symbol string
	reason memory.ExitReason
}

// Monitor evaluates every open position against the batched ticker map:
// TP/SL, scalp exits, trailing stops, and staleness. Triggered exits are
// closed with reduce-only market orders.
func (m *Manager) Monitor(ctx context.Context, prices map[string]float64) {
	now := m.nowFunc()

	m.mu.Lock()
	var exits []exitDecision
	for symbol, pos := range m.positions {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		pnlPct := pos.PnLPct(price)
		if pnlPct > pos.MaxProfitPct {
			pos.MaxProfitPct = pnlPct
		}
		if -pnlPct > pos.MaxDrawdownPct {
			pos.MaxDrawdownPct = -pnlPct
		}

		if reason, hit := m.checkExitLocked(pos, price, pnlPct, now); hit {
			exits = append(exits, exitDecision{symbol: symbol, reason: reason})
			continue
		}
		m.trailLocked(pos, pnlPct)
	}
	m.mu.Unlock()

	for _, exit := range exits {
		if _, err := m.Close(ctx, exit.symbol, exit.reason); err != nil {
			log.Error().Err(err).Str("symbol", exit.symbol).Str("reason", string(exit.reason)).Msg("Exit order failed")
		}
	}
}

func (m *Manager) checkExitLocked(pos *Position, price, pnlPct float64, now time.Time) (memory.ExitReason, bool) {
	if pos.Side == SideLong {
		if price >= pos.TakeProfit {
			return memory.ExitTakeProfit, true
		}
		if price <= pos.StopLoss {
			return memory.ExitStopLoss, true
		}
	} else {
		if price <= pos.TakeProfit {
			return memory.ExitTakeProfit, true
		}
		if price >= pos.StopLoss {
			return memory.ExitStopLoss, true
		}
	}

	if m.specOf != nil && pnlPct > scalpExitPct {
		if spec, ok := m.specOf(pos.OwningAgentID); ok && spec.ScalpEligible() {
			return memory.ExitTakeProfit, true
		}
	}

	if now.Sub(pos.OpenTime) > stalenessAge && pnlPct < stalenessBandPct && pnlPct > -stalenessBandPct {
		return memory.ExitStagnation, true
	}
	return "", false
}

// trailLocked ratchets the stop toward the entry as profit accrues
func (m *Manager) trailLocked(pos *Position, pnlPct float64) {
	before := pos.StopLoss
	if pos.Side == SideLong {
		if pnlPct > trailStage2Pct && pos.StopLoss < pos.EntryPrice*lockProfitFactor {
			pos.StopLoss = pos.EntryPrice * lockProfitFactor
		} else if pnlPct > trailStage1Pct && pos.StopLoss < pos.EntryPrice {
			pos.StopLoss = pos.EntryPrice * breakevenFactor
		}
	} else {
		if pnlPct > trailStage2Pct && pos.StopLoss > pos.EntryPrice*(2-lockProfitFactor) {
			pos.StopLoss = pos.EntryPrice * (2 - lockProfitFactor)
		} else if pnlPct > trailStage1Pct && pos.StopLoss > pos.EntryPrice {
			pos.StopLoss = pos.EntryPrice * (2 - breakevenFactor)
		}
	}
	if pos.StopLoss != before {
		log.Info().
			Str("symbol", pos.Symbol).
			Float64("pnl_pct", pnlPct).
			Float64("old_stop", before).
			Float64("new_stop", pos.StopLoss).
			Msg("Trailing stop raised")
	}
}

// RealizeExternal removes a position whose exit already filled at the
// venue, for example a native TP or SL order. No close order is sent;
// the surviving sibling stop order is canceled best-effort.
func (m *Manager) RealizeExternal(ctx context.Context, symbol string, exitPrice float64, filledOrderID string, reason memory.ExitReason) (*memory.Outcome, bool) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	snapshot := *pos
	delete(m.positions, symbol)
	m.mu.Unlock()

	if adapter, err := m.router.Route(symbol, snapshot.VenueHint); err == nil {
		for _, orderID := range []string{snapshot.TPNativeOrderID, snapshot.SLNativeOrderID} {
			if orderID == "" || orderID == filledOrderID {
				continue
			}
			if err := adapter.CancelOrder(ctx, symbol, orderID); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Str("order_id", orderID).Msg("Sibling stop cancel failed")
			}
		}
	}

	if exitPrice <= 0 {
		exitPrice = snapshot.CurrentPrice
	}
	pnlPct := snapshot.PnLPct(exitPrice)
	pnl := pnlPct * snapshot.EntryPrice * snapshot.Quantity
	outcome := memory.Outcome{
		Success:       pnl > 0,
		PnL:           pnl,
		PnLPct:        pnlPct,
		MaxDrawdown:   snapshot.MaxDrawdownPct,
		MaxProfit:     snapshot.MaxProfitPct,
		HoldDurationS: m.nowFunc().Sub(snapshot.OpenTime).Seconds(),
		ExitReason:    reason,
	}

	log.Info().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("Position closed by native venue order")

	if m.onClose != nil {
		m.onClose(snapshot, exitPrice, outcome)
	}
	return &outcome, true
}

// CloseOnReversal closes a position when a fresh consensus opposes it
// with sufficient confidence
func (m *Manager) CloseOnReversal(ctx context.Context, symbol string, signal agents.Signal, confidence float64) bool {
	pos, ok := m.Get(symbol)
	if !ok || confidence <= reversalMinConf || !signal.Opposes(pos.Side.EntrySignal()) {
		return false
	}
	if _, err := m.Close(ctx, symbol, memory.ExitReversal); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Reversal close failed")
		return false
	}
	return true
}

// Close exits a position with a reduce-only market order of exactly the
// position quantity, cancels native TP/SL orders, and reports the
// realized outcome to the close observer.
func (m *Manager) Close(ctx context.Context, symbol string, reason memory.ExitReason) (*memory.Outcome, error) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	snapshot := *pos
	m.mu.Unlock()

	adapter, err := m.router.Route(symbol, snapshot.VenueHint)
	if err != nil {
		return nil, fmt.Errorf("no venue for %s: %w", symbol, err)
	}

	for _, orderID := range []string{snapshot.TPNativeOrderID, snapshot.SLNativeOrderID} {
		if orderID == "" {
			continue
		}
		if err := adapter.CancelOrder(ctx, symbol, orderID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("order_id", orderID).Msg("Native stop cancel failed")
		}
	}

	result, err := adapter.ExecuteTrade(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       snapshot.Side.CloseSide(),
		Type:       exchange.OrderTypeMarket,
		Quantity:   snapshot.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("close order for %s: %w", symbol, err)
	}

	exitPrice := result.AvgPrice
	if exitPrice <= 0 {
		exitPrice = snapshot.CurrentPrice
	}
	pnlPct := snapshot.PnLPct(exitPrice)
	pnl := pnlPct * snapshot.EntryPrice * snapshot.Quantity
	outcome := memory.Outcome{
		Success:       pnl > 0,
		PnL:           pnl,
		PnLPct:        pnlPct,
		MaxDrawdown:   snapshot.MaxDrawdownPct,
		MaxProfit:     snapshot.MaxProfitPct,
		HoldDurationS: m.nowFunc().Sub(snapshot.OpenTime).Seconds(),
		ExitReason:    reason,
	}

	m.mu.Lock()
	delete(m.positions, symbol)
	m.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("side", string(snapshot.Side)).
		Str("reason", string(reason)).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Str("agent_id", snapshot.OwningAgentID).
		Msg("Position closed")

	if m.onClose != nil {
		m.onClose(snapshot, exitPrice, outcome)
	}
	return &outcome, nil
}
