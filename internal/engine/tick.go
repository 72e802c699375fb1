package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/api"
	"github.com/quantfold/tradeswarm/internal/consensus"
	"github.com/quantfold/tradeswarm/internal/events"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/execution"
	"github.com/quantfold/tradeswarm/internal/market"
	"github.com/quantfold/tradeswarm/internal/memory"
	"github.com/quantfold/tradeswarm/internal/metrics"
	"github.com/quantfold/tradeswarm/internal/positions"
	"github.com/quantfold/tradeswarm/internal/risk"
	"github.com/quantfold/tradeswarm/internal/scanner"
)

// tick runs one full pass of the trading loop
func (e *Engine) tick(ctx context.Context) {
	start := e.nowFunc()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	allocation := e.preRoll(ctx)
	e.pollPending(ctx)
	e.positions.Monitor(ctx, e.prices.Prices())
	e.liquidationGuard(ctx)
	e.drainInjected(ctx)
	e.scanAndTrade(ctx, allocation)
	e.persistPositions()
}

// preRoll refreshes account state, advances the drawdown latch, rolls
// the day boundary, and returns the per-agent dynamic allocation.
func (e *Engine) preRoll(ctx context.Context) float64 {
	var balance float64
	for _, adapter := range e.router.Adapters() {
		balances, err := adapter.GetBalance(ctx)
		if err != nil {
			metrics.RecordVenueError(adapter.Name(), err)
			e.setLastError(err)
			log.Warn().Err(err).Str("venue", adapter.Name()).Msg("Balance refresh failed")
			continue
		}
		for _, v := range balances {
			balance += v
		}
	}

	var unrealized float64
	for _, pos := range e.positions.All() {
		unrealized += pos.PnL(pos.CurrentPrice)
		metrics.PositionNotional.WithLabelValues(pos.Symbol).Set(pos.Notional())
	}
	equity := balance + unrealized

	e.risk.UpdatePortfolio(balance, equity, e.positions.TotalExposure())
	state := e.risk.State()
	metrics.UpdatePortfolio(balance, equity, state.CurrentDrawdown, state.IsHalted, e.positions.Count())

	e.mu.Lock()
	firstHalt := state.IsHalted && !e.haltAlerted
	e.haltAlerted = state.IsHalted
	e.mu.Unlock()
	if firstHalt {
		if e.alerts != nil {
			e.alerts.DrawdownHalt(ctx, state.CurrentDrawdown, e.cfg.Risk.MaxDrawdown)
		}
		e.publishEvent(events.TypeHalt, "", state)
	}

	day := e.nowFunc().Truncate(24 * time.Hour)
	e.mu.Lock()
	newDay := !day.Equal(e.day)
	if newDay {
		e.day = day
		e.dailyPnL = make(map[string]float64)
	}
	e.mu.Unlock()
	if newDay {
		e.agents.ResetDaily()
		log.Info().Msg("Day boundary crossed, daily PnL state reset")
	}

	active := len(e.agents.Active())
	allocation := 0.0
	if active > 0 {
		allocation = allocationFraction * equity / float64(active)
	}
	e.mu.Lock()
	e.allocation = allocation
	e.mu.Unlock()
	return allocation
}

// liquidationGuard force-closes the two largest positions when margin
// usage approaches liquidation. Maintenance margin is approximated from
// exposure and the portfolio leverage cap.
func (e *Engine) liquidationGuard(ctx context.Context) {
	state := e.risk.State()
	leverage := e.cfg.Risk.MaxPortfolioLeverage
	if leverage <= 0 {
		leverage = 1
	}
	maintenanceMargin := state.TotalExposure / leverage
	if !risk.LiquidationRisk(maintenanceMargin, state.Equity) {
		return
	}

	notionals := make(map[string]float64)
	for _, pos := range e.positions.All() {
		notionals[pos.Symbol] = pos.Notional()
	}
	victims := risk.LargestByNotional(notionals, 2)
	if len(victims) == 0 {
		return
	}

	log.Error().
		Float64("maintenance_margin", maintenanceMargin).
		Float64("equity", state.Equity).
		Strs("closing", victims).
		Msg("Liquidation guard triggered")
	if e.alerts != nil {
		e.alerts.LiquidationRisk(ctx, maintenanceMargin/state.Equity, victims)
	}
	for _, symbol := range victims {
		if _, err := e.positions.Close(ctx, symbol, memory.ExitLiquidationGuard); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Liquidation guard close failed")
		}
	}
}

// scanAndTrade runs the scan-decide-size-execute pipeline over the top
// opportunities of this tick
func (e *Engine) scanAndTrade(ctx context.Context, allocation float64) {
	scanStart := e.nowFunc()
	opportunities := e.scanner.Scan(ctx, e.cfg.Trading.MaxConcurrentPositions)
	metrics.ScanDuration.Observe(time.Since(scanStart).Seconds())

	for _, opp := range opportunities {
		if ctx.Err() != nil {
			return
		}
		e.evaluate(ctx, opp, allocation)
	}
}

// evaluate takes one opportunity through consensus, sizing, and
// execution. An existing position on the symbol is checked for
// reversal or scale-in instead of a parallel open.
func (e *Engine) evaluate(ctx context.Context, opp scanner.Opportunity, allocation float64) {
	theses, winRates := e.gatherTheses(ctx, opp.Symbol)
	if len(theses) == 0 {
		return
	}
	decision := e.consensus.Decide(theses, winRates)

	if existing, ok := e.positions.Get(opp.Symbol); ok {
		e.manageExisting(ctx, existing, decision, opp.Snapshot)
		return
	}

	if decision.Signal == agents.SignalHold {
		e.recordDecision(opp.Symbol, decision, false)
		return
	}
	if e.risk.Halted() || e.breaker.Tripped() {
		e.recordDecision(opp.Symbol, decision, false)
		return
	}
	if e.positions.Count() >= e.cfg.Trading.MaxConcurrentPositions {
		e.recordDecision(opp.Symbol, decision, false)
		return
	}

	lead, gate := e.leadContributor(theses, decision)
	if decision.Confidence < gate {
		log.Debug().
			Str("symbol", opp.Symbol).
			Float64("confidence", decision.Confidence).
			Float64("threshold", gate).
			Msg("Decision below agent confidence threshold")
		e.recordDecision(opp.Symbol, decision, false)
		return
	}

	decision.Reasoning = e.injectLessons(opp.Symbol, opp.Snapshot, decision.Reasoning)

	var leadIndicators []string
	for _, thesis := range theses {
		if thesis.AgentID == lead {
			leadIndicators = thesis.IndicatorsUsed
			break
		}
	}

	executed := e.openFromDecision(ctx, opp.Symbol, opp.VenueHint, lead, decision, leadIndicators, opp.Snapshot, allocation, 0)
	e.recordDecision(opp.Symbol, decision, executed)
}

// gatherTheses collects one thesis per active agent for the symbol
func (e *Engine) gatherTheses(ctx context.Context, symbol string) ([]*agents.Thesis, map[string]float64) {
	roster := e.agents.Active()
	theses := make([]*agents.Thesis, 0, len(roster))
	winRates := make(map[string]float64, len(roster))

	for _, agent := range roster {
		thesis, err := agent.Analyze(ctx, symbol)
		if err != nil {
			log.Debug().Err(err).Str("agent_id", agent.ID()).Str("symbol", symbol).Msg("Agent analysis failed")
			continue
		}
		state := agent.Snapshot()
		winRates[agent.ID()] = state.WinRate()
		theses = append(theses, thesis)
	}
	return theses, winRates
}

// leadContributor picks the most confident contributing thesis and
// returns its agent's ID with that agent's confidence threshold
func (e *Engine) leadContributor(theses []*agents.Thesis, decision consensus.Decision) (string, float64) {
	contributors := make(map[string]bool, len(decision.Contributors))
	for _, id := range decision.Contributors {
		contributors[id] = true
	}

	leadID := ""
	best := -1.0
	for _, thesis := range theses {
		if contributors[thesis.AgentID] && thesis.Confidence > best {
			best = thesis.Confidence
			leadID = thesis.AgentID
		}
	}
	gate := 0.65
	if agent, ok := e.agents.Get(leadID); ok {
		if threshold := agent.Snapshot().AdaptiveParams.ConfidenceThreshold; threshold > 0 {
			gate = threshold
		}
	}
	return leadID, gate
}

// manageExisting handles a fresh decision against an open position:
// reversal close, or scale-in when the direction matches strongly
func (e *Engine) manageExisting(ctx context.Context, pos positions.Position, decision consensus.Decision, snap *market.Snapshot) {
	if e.positions.CloseOnReversal(ctx, pos.Symbol, decision.Signal, decision.Confidence) {
		e.recordDecision(pos.Symbol, decision, true)
		return
	}
	if decision.Signal == pos.Side.EntrySignal() && decision.Confidence >= scaleInMinConf {
		e.scaleIn(ctx, pos, decision, snap)
	}
}

// scaleIn adds a unit-sized slice to an aligned position and rebuilds
// entry and stops around the new weighted average
func (e *Engine) scaleIn(ctx context.Context, pos positions.Position, decision consensus.Decision, snap *market.Snapshot) {
	volatility := 0.0
	if snap != nil {
		volatility = snap.ATRPct
	}
	sizing, err := e.risk.Size(risk.SizingInput{
		Symbol:     pos.Symbol,
		Entry:      pos.CurrentPrice,
		Volatility: volatility,
		Confidence: decision.Confidence,
	})
	if err != nil || sizing.Notional <= 0 {
		return
	}

	res := e.exec.Execute(ctx, execution.Order{
		Symbol:        pos.Symbol,
		Side:          orderSideFor(pos.Side.EntrySignal()),
		TotalQuantity: sizing.Notional / pos.CurrentPrice,
		Algo:          execution.AlgoMarket,
		VenueHint:     pos.VenueHint,
		Urgency:       execution.UrgencyHigh,
	})
	metrics.Orders.WithLabelValues(string(res.AlgoUsed), orderStatus(res.Success)).Inc()
	if !res.Success || res.TotalQuantity <= 0 {
		return
	}

	newQty := pos.Quantity + res.TotalQuantity
	newEntry := (pos.EntryPrice*pos.Quantity + res.AvgPrice*res.TotalQuantity) / newQty
	stopLoss, takeProfit := e.risk.Stops(newEntry, volatility, pos.Side == positions.SideLong)
	if !e.positions.UpdateEntry(pos.Symbol, newEntry, newQty, stopLoss, takeProfit) {
		return
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Float64("added_qty", res.TotalQuantity).
		Float64("new_entry", newEntry).
		Float64("new_quantity", newQty).
		Msg("Scaled into position")
	e.publishEvent(events.TypeTrade, pos.Symbol, map[string]any{
		"action":    "scale_in",
		"added_qty": res.TotalQuantity,
		"new_entry": newEntry,
	})
	e.persistPositions()
}

// injectLessons recalls similar episodes and appends their lessons to
// the decision reasoning
func (e *Engine) injectLessons(symbol string, snap *market.Snapshot, reasoning string) string {
	stateText := describeState(snap)
	recalled := e.episodes.RecallSimilar(stateText, symbol, 3, true)

	var lessons []string
	for _, episode := range recalled {
		if episode.Lesson != "" {
			lessons = append(lessons, episode.Lesson)
		}
	}
	if len(lessons) == 0 {
		return reasoning
	}
	return reasoning + " | lessons: " + strings.Join(lessons, "; ")
}

// openFromDecision sizes, executes, opens the position, places native
// stops, and records the episode. fixedNotional > 0 bypasses sizing
// (injected external decisions).
func (e *Engine) openFromDecision(ctx context.Context, symbol, venueHint, agentID string, decision consensus.Decision, indicators []string, snap *market.Snapshot, allocation, fixedNotional float64) bool {
	price, volatility := e.refPrice(symbol, snap)
	if price <= 0 {
		log.Debug().Str("symbol", symbol).Msg("No reference price, skipping entry")
		return false
	}

	notional := fixedNotional
	if notional <= 0 {
		sizing, err := e.risk.Size(risk.SizingInput{
			Symbol:     symbol,
			Entry:      price,
			Volatility: volatility,
			Confidence: decision.Confidence,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Sizing rejected entry")
			return false
		}
		notional = sizing.Notional
	}

	// Per-agent exposure cap against the dynamic allocation
	if allocation > 0 {
		headroom := allocation - e.agentExposure(agentID)
		if headroom <= 0 {
			log.Debug().Str("agent_id", agentID).Str("symbol", symbol).Msg("Agent allocation exhausted")
			return false
		}
		if notional > headroom {
			notional = headroom
		}
	}

	order := execution.Order{
		Symbol:         symbol,
		Side:           orderSideFor(decision.Signal),
		TotalQuantity:  notional / price,
		MaxSlippagePct: e.cfg.Execution.MaxSlippagePct,
		Algo:           execution.AlgoAdaptive,
		VenueHint:      venueHint,
		Urgency:        urgencyFor(decision.Confidence),
		Metadata: map[string]any{
			"confidence": decision.Confidence,
			"volatility": volatility,
			"atr_pct":    volatility,
		},
	}
	if snap != nil {
		order.Metadata["spread_pct"] = snap.SpreadPct
		state := e.risk.State()
		if state.Equity > 0 {
			order.Metadata["order_size_pct"] = notional / state.Equity
		}
	}

	execStart := e.nowFunc()
	res := e.exec.Execute(ctx, order)
	metrics.Orders.WithLabelValues(string(res.AlgoUsed), orderStatus(res.Success)).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(res.AlgoUsed)).Observe(time.Since(execStart).Seconds())
	if !res.Success || res.TotalQuantity <= 0 {
		log.Warn().
			Str("symbol", symbol).
			Str("algo", string(res.AlgoUsed)).
			Str("error", res.Error).
			Msg("Entry execution failed")
		if e.alerts != nil && res.Error != "" {
			e.alerts.OrderFailed(ctx, symbol, string(order.Side), order.TotalQuantity, fmt.Errorf("%s", res.Error))
		}
		return false
	}

	stopLoss, takeProfit := stopsFromMetadata(order.Metadata)
	if stopLoss <= 0 || takeProfit <= 0 {
		stopLoss, takeProfit = e.risk.Stops(res.AvgPrice, volatility, decision.Signal == agents.SignalBuy)
	}

	openTime := e.nowFunc()
	episodeID := memory.EpisodeIDFor(openTime, symbol, string(decision.Signal))
	pos := &positions.Position{
		Symbol:         symbol,
		Side:           positions.SideForSignal(decision.Signal),
		Quantity:       res.TotalQuantity,
		EntryPrice:     res.AvgPrice,
		CurrentPrice:   res.AvgPrice,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		OpenTime:       openTime,
		OwningAgentID:  agentID,
		Thesis:         decision.Reasoning,
		IndicatorsUsed: indicators,
		EpisodeID:      episodeID,
		VenueHint:      venueHint,
	}
	if err := e.positions.Open(pos); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Position open rejected after fill")
		return false
	}

	e.placeNativeStops(ctx, pos)
	e.recordEpisode(pos, decision, snap, res)
	e.persistPositions()

	e.publishEvent(events.TypePositionOpened, symbol, map[string]any{
		"side":        pos.Side,
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
		"stop_loss":   pos.StopLoss,
		"take_profit": pos.TakeProfit,
		"agent_id":    agentID,
		"algo":        res.AlgoUsed,
	})
	return true
}

// placeNativeStops submits reduce-only TP and SL orders at the venue
// and tracks them for fill detection. Best-effort; the in-process
// monitor remains the authority.
func (e *Engine) placeNativeStops(ctx context.Context, pos *positions.Position) {
	adapter, err := e.router.Route(pos.Symbol, pos.VenueHint)
	if err != nil {
		return
	}
	closeSide := pos.Side.CloseSide()

	type stopSpec struct {
		orderType exchange.OrderType
		stopPrice float64
		reason    memory.ExitReason
		target    *string
	}
	for _, spec := range []stopSpec{
		{exchange.OrderTypeTakeProfit, pos.TakeProfit, memory.ExitTakeProfit, &pos.TPNativeOrderID},
		{exchange.OrderTypeStopMarket, pos.StopLoss, memory.ExitStopLoss, &pos.SLNativeOrderID},
	} {
		ack, err := adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       closeSide,
			Type:       spec.orderType,
			Quantity:   pos.Quantity,
			StopPrice:  spec.stopPrice,
			ReduceOnly: true,
		})
		if err != nil {
			metrics.RecordVenueError(adapter.Name(), err)
			log.Warn().Err(err).Str("symbol", pos.Symbol).Str("type", string(spec.orderType)).Msg("Native stop placement failed")
			continue
		}
		// Paper fills instantly; only resting orders are tracked
		if ack == nil || ack.Status != exchange.OrderStatusNew {
			continue
		}
		*spec.target = ack.OrderID
		e.pending.track(pendingExit{
			symbol:    pos.Symbol,
			orderID:   ack.OrderID,
			venueHint: pos.VenueHint,
			reason:    spec.reason,
		})
	}
}

// recordEpisode stores the entry as a learning episode
func (e *Engine) recordEpisode(pos *positions.Position, decision consensus.Decision, snap *market.Snapshot, res *execution.Result) {
	episode := &memory.Episode{
		EpisodeID:            pos.EpisodeID,
		Timestamp:            pos.OpenTime,
		MarketStateText:      describeState(snap),
		MarketStateEmbedding: describeState(snap),
		Symbol:               pos.Symbol,
		Venue:                pos.VenueHint,
		Signal:               string(decision.Signal),
		EntryPrice:           pos.EntryPrice,
		Quantity:             pos.Quantity,
		StopLoss:             pos.StopLoss,
		TakeProfit:           pos.TakeProfit,
		AgentID:              pos.OwningAgentID,
		Reasoning:            decision.Reasoning,
		Confidence:           decision.Confidence,
		Tags:                 []string{"order_id:" + firstOrderID(res)},
	}
	e.episodes.Store(episode)
	metrics.EpisodesStored.Inc()
}

func firstOrderID(res *execution.Result) string {
	if res == nil || len(res.Slices) == 0 {
		return ""
	}
	return res.Slices[0].OrderID
}

// drainInjected processes externally supplied decisions, entering the
// pipeline at the sizing step
func (e *Engine) drainInjected(ctx context.Context) {
	e.mu.Lock()
	queued := e.injected
	e.injected = nil
	e.mu.Unlock()

	for _, dec := range queued {
		signal := agents.SignalBuy
		if dec.Side == "SELL" {
			signal = agents.SignalSell
		}
		decision := consensus.Decision{
			Signal:     signal,
			Confidence: 1.0,
			Reasoning:  "external: " + dec.Reasoning,
		}
		if _, open := e.positions.Get(dec.Symbol); open {
			log.Warn().Str("symbol", dec.Symbol).Msg("Injected decision skipped, position already open")
			e.recordDecision(dec.Symbol, decision, false)
			continue
		}
		executed := e.openFromDecision(ctx, dec.Symbol, "", "external", decision, nil, nil, 0, dec.Notional)
		e.recordDecision(dec.Symbol, decision, executed)
	}
}

// agentExposure sums current notional across the agent's open positions
func (e *Engine) agentExposure(agentID string) float64 {
	var total float64
	for _, pos := range e.positions.All() {
		if pos.OwningAgentID == agentID {
			total += pos.Notional()
		}
	}
	return total
}

// refPrice resolves the working price and volatility for a symbol from
// the stream book, falling back to the snapshot
func (e *Engine) refPrice(symbol string, snap *market.Snapshot) (price, volatility float64) {
	if snap != nil {
		price = snap.Price
		volatility = snap.ATRPct
	}
	if p, ok := e.prices.Price(symbol); ok && p > 0 {
		price = p
	}
	return price, volatility
}

// describeState renders a snapshot as the episode recall text
func describeState(snap *market.Snapshot) string {
	if snap == nil {
		return ""
	}
	return fmt.Sprintf("%s price %.4f rsi %.1f macd_hist %.4f trend %s phase %s volatility %s bid_pressure %.2f",
		snap.Symbol, snap.Price, snap.RSI, snap.MACD.Histogram, snap.Trend, snap.Wyckoff, snap.Volatility, snap.BidPressure)
}

func urgencyFor(confidence float64) execution.Urgency {
	switch {
	case confidence >= 0.9:
		return execution.UrgencyCritical
	case confidence >= 0.75:
		return execution.UrgencyHigh
	case confidence >= 0.5:
		return execution.UrgencyNormal
	default:
		return execution.UrgencyLow
	}
}

func orderSideFor(signal agents.Signal) exchange.Side {
	if signal == agents.SignalSell {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func orderStatus(success bool) string {
	if success {
		return "filled"
	}
	return "failed"
}

func stopsFromMetadata(meta map[string]any) (stopLoss, takeProfit float64) {
	if v, ok := meta["stop_loss"].(float64); ok {
		stopLoss = v
	}
	if v, ok := meta["take_profit"].(float64); ok {
		takeProfit = v
	}
	return stopLoss, takeProfit
}

// InjectDecision queues an externally computed decision for the next
// tick. The engine must be running.
func (e *Engine) InjectDecision(_ context.Context, dec api.ExternalDecision) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("engine not running")
	}
	e.injected = append(e.injected, dec)
	return nil
}
