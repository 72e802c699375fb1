package positions

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/memory"
)

const (
	reconcileInterval = 60 * time.Second
	defensiveStopPct  = 0.02
	qtyMismatchPct    = 0.01
)

// Reconcile pulls venue positions and resolves drift against internal
// state: phantom internal positions are dropped, unknown venue
// positions are adopted with defensive stops, and quantity mismatches
// take the venue's number.
func (m *Manager) Reconcile(ctx context.Context) {
	venuePositions := make(map[string]exchange.VenuePosition)
	for _, adapter := range m.router.Adapters() {
		positions, err := adapter.GetPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", adapter.Name()).Msg("Reconciliation fetch failed")
			continue
		}
		for _, vp := range positions {
			venuePositions[vp.Symbol] = vp
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, pos := range m.positions {
		vp, onVenue := venuePositions[symbol]
		if !onVenue {
			log.Warn().
				Str("symbol", symbol).
				Str("side", string(pos.Side)).
				Msg("Internal position flat on venue, dropping")
			delete(m.positions, symbol)
			continue
		}
		if pos.Quantity > 0 && math.Abs(vp.Quantity-pos.Quantity)/pos.Quantity > qtyMismatchPct {
			log.Warn().
				Str("symbol", symbol).
				Float64("internal_qty", pos.Quantity).
				Float64("venue_qty", vp.Quantity).
				Msg("Quantity drift, adopting venue quantity")
			pos.Quantity = vp.Quantity
		}
	}

	for symbol, vp := range venuePositions {
		if _, known := m.positions[symbol]; known {
			continue
		}
		m.positions[symbol] = m.adoptLocked(vp)
	}
}

// adoptLocked wraps an orphaned venue position with defensive stops and
// hands it to the default reviewer agent
func (m *Manager) adoptLocked(vp exchange.VenuePosition) *Position {
	side := SideLong
	if vp.Side == exchange.SideSell {
		side = SideShort
	}
	pos := &Position{
		Symbol:        vp.Symbol,
		Side:          side,
		Quantity:      vp.Quantity,
		EntryPrice:    vp.EntryPrice,
		CurrentPrice:  vp.EntryPrice,
		OpenTime:      m.nowFunc(),
		OwningAgentID: m.defaultReviewer,
		Thesis:        "adopted from venue during reconciliation",
	}
	if side == SideLong {
		pos.StopLoss = vp.EntryPrice * (1 - defensiveStopPct)
		pos.TakeProfit = vp.EntryPrice * (1 + defensiveStopPct)
	} else {
		pos.StopLoss = vp.EntryPrice * (1 + defensiveStopPct)
		pos.TakeProfit = vp.EntryPrice * (1 - defensiveStopPct)
	}
	log.Warn().
		Str("symbol", vp.Symbol).
		Str("side", string(side)).
		Float64("quantity", vp.Quantity).
		Str("agent_id", m.defaultReviewer).
		Msg("Adopted venue position with defensive stops")
	return pos
}

// RunReconciliation reconciles on a fixed interval until the context ends
func (m *Manager) RunReconciliation(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// AnalyzeFn produces a fresh signal and confidence for a symbol
type AnalyzeFn func(ctx context.Context, symbol string) (agents.Signal, float64, error)

// ReviewInherited runs a reviewer analysis over every open position at
// startup and closes the ones the current signal opposes with conviction
func (m *Manager) ReviewInherited(ctx context.Context, analyze AnalyzeFn) {
	for _, pos := range m.All() {
		signal, confidence, err := analyze(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Inherited position review failed")
			continue
		}
		if signal.Opposes(pos.Side.EntrySignal()) && confidence > inheritanceMinConf {
			log.Warn().
				Str("symbol", pos.Symbol).
				Str("inherited_side", string(pos.Side)).
				Str("fresh_signal", string(signal)).
				Float64("confidence", confidence).
				Msg("Closing inherited position against fresh signal")
			if _, err := m.Close(ctx, pos.Symbol, memory.ExitBadInheritance); err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Inherited close failed")
			}
		}
	}
}
