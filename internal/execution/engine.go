package execution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/risk"
)

const sniperPollInterval = time.Second

// PriceFn returns the latest known price for a symbol
type PriceFn func(symbol string) (float64, bool)

// VolumeProfileFn returns 24 relative volume buckets for VWAP slicing
type VolumeProfileFn func(ctx context.Context, symbol string) ([24]float64, error)

// RiskGate is the slice of the risk manager the execution layer uses
type RiskGate interface {
	Halted() bool
	Size(in risk.SizingInput) (risk.SizingResult, error)
	Stops(entry, atrPct float64, long bool) (stopLoss, takeProfit float64)
}

var _ RiskGate = (*risk.Manager)(nil)

// Engine routes execution orders through the configured algorithm and a
// venue adapter, enforcing the risk pre-check and tracking per-algorithm
// quality stats.
type Engine struct {
	router  *exchange.Router
	gate    RiskGate
	price   PriceFn
	volumes VolumeProfileFn
	cfg     config.ExecutionConfig
	stats   *statsBook
	rng     *rand.Rand

	// test hooks
	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// NewEngine creates an execution engine. volumes may be nil; VWAP then
// falls back to a flat profile.
func NewEngine(router *exchange.Router, gate RiskGate, price PriceFn, volumes VolumeProfileFn, cfg config.ExecutionConfig) *Engine {
	if cfg.TWAPSlices <= 0 {
		cfg.TWAPSlices = 5
	}
	if cfg.TWAPDurationSeconds <= 0 {
		cfg.TWAPDurationSeconds = 300
	}
	if cfg.VWAPDurationSeconds <= 0 {
		cfg.VWAPDurationSeconds = 600
	}
	if cfg.IcebergVisiblePct <= 0 {
		cfg.IcebergVisiblePct = 0.10
	}
	if cfg.SniperImprovementPct <= 0 {
		cfg.SniperImprovementPct = 0.002
	}
	if cfg.SniperMaxWaitSeconds <= 0 {
		cfg.SniperMaxWaitSeconds = 30
	}
	if cfg.ArbMinProfitPct <= 0 {
		cfg.ArbMinProfitPct = 0.005
	}
	return &Engine{
		router:  router,
		gate:    gate,
		price:   price,
		volumes: volumes,
		cfg:     cfg,
		stats:   newStatsBook(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   ctxSleep,
		nowFunc: time.Now,
	}
}

// Stats returns per-algorithm execution stats
func (e *Engine) Stats() map[Algo]AlgoStats {
	return e.stats.Snapshot()
}

// Execute runs the order through its algorithm and aggregates child fills.
// Success requires at least 95% of the requested quantity executed.
func (e *Engine) Execute(ctx context.Context, order Order) *Result {
	start := e.nowFunc()
	algo := order.Algo
	if algo == "" {
		algo = AlgoMarket
	}

	fail := func(err error) *Result {
		res := &Result{AlgoUsed: algo, Error: err.Error(), ExecutionTimeMS: time.Since(start).Milliseconds()}
		e.stats.record(algo, false, 0)
		log.Warn().Err(err).Str("symbol", order.Symbol).Str("algo", string(algo)).Msg("Execution failed")
		return res
	}

	if e.gate != nil && e.gate.Halted() {
		return fail(fmt.Errorf("trading halted, rejecting %s %s", order.Side, order.Symbol))
	}
	if order.TotalQuantity <= 0 {
		return fail(fmt.Errorf("non-positive quantity %.8f", order.TotalQuantity))
	}

	refPrice, hasRef := e.refPrice(order.Symbol)
	if err := e.preCheck(&order, refPrice, hasRef); err != nil {
		return fail(err)
	}

	var slices []Slice
	var err error
	switch algo {
	case AlgoMarket:
		slices, err = e.executeMarket(ctx, order, order.TotalQuantity)
	case AlgoTWAP:
		slices, err = e.executeTWAP(ctx, order)
	case AlgoVWAP:
		slices, err = e.executeVWAP(ctx, order)
	case AlgoIceberg:
		slices, err = e.executeIceberg(ctx, order)
	case AlgoSniper:
		slices, err = e.executeSniper(ctx, order, refPrice, hasRef)
	case AlgoAdaptive:
		var chosen Algo
		chosen, slices, err = e.executeAdaptive(ctx, order, refPrice, hasRef)
		algo = chosen
	case AlgoArbitrage:
		slices, err = e.executeArbitrage(ctx, order)
	default:
		return fail(fmt.Errorf("unknown algo %q", order.Algo))
	}

	res := e.aggregate(order, algo, slices, refPrice, hasRef, start)
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	e.stats.record(algo, res.Success, res.TotalSlippagePct)

	log.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("algo", string(algo)).
		Float64("requested", order.TotalQuantity).
		Float64("executed", res.TotalQuantity).
		Float64("avg_price", res.AvgPrice).
		Bool("success", res.Success).
		Msg("Execution complete")
	return res
}

// preCheck recomputes sizing against current risk state and derives
// stops, shrinking the order when the risk manager allows less.
func (e *Engine) preCheck(order *Order, refPrice float64, hasRef bool) error {
	if e.gate == nil || !hasRef {
		return nil
	}
	confidence, hasConf := metaFloat(order.Metadata, "confidence")
	volatility, _ := metaFloat(order.Metadata, "volatility")
	if hasConf {
		sized, err := e.gate.Size(risk.SizingInput{
			Symbol:     order.Symbol,
			Entry:      refPrice,
			Volatility: volatility,
			Confidence: confidence,
		})
		if err != nil {
			return err
		}
		if maxQty := sized.Notional / refPrice; maxQty < order.TotalQuantity {
			log.Debug().
				Str("symbol", order.Symbol).
				Float64("requested", order.TotalQuantity).
				Float64("allowed", maxQty).
				Msg("Shrinking order to risk-sized quantity")
			order.TotalQuantity = maxQty
		}
	}

	if _, ok := metaFloat(order.Metadata, "stop_loss"); !ok {
		atrPct, _ := metaFloat(order.Metadata, "atr_pct")
		sl, tp := e.gate.Stops(refPrice, atrPct, order.Side == exchange.SideBuy)
		if order.Metadata == nil {
			order.Metadata = make(map[string]any)
		}
		order.Metadata["stop_loss"] = sl
		order.Metadata["take_profit"] = tp
	}
	return nil
}

func (e *Engine) refPrice(symbol string) (float64, bool) {
	if e.price == nil {
		return 0, false
	}
	return e.price(symbol)
}

func (e *Engine) aggregate(order Order, algo Algo, slices []Slice, refPrice float64, hasRef bool, start time.Time) *Result {
	res := &Result{
		Slices:          slices,
		AlgoUsed:        algo,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}

	var value float64
	for _, s := range slices {
		res.TotalQuantity += s.Quantity
		value += s.Quantity * s.Price
	}
	if res.TotalQuantity > 0 {
		res.AvgPrice = value / res.TotalQuantity
	}
	if hasRef && refPrice > 0 && res.AvgPrice > 0 {
		// Adverse slippage is positive for both sides
		if order.Side == exchange.SideBuy {
			res.TotalSlippagePct = (res.AvgPrice - refPrice) / refPrice
		} else {
			res.TotalSlippagePct = (refPrice - res.AvgPrice) / refPrice
		}
	}
	res.Success = res.TotalQuantity >= 0.95*order.TotalQuantity && res.TotalQuantity > 0
	if res.Success && order.MaxSlippagePct > 0 && res.TotalSlippagePct > order.MaxSlippagePct {
		res.Success = false
		res.Error = fmt.Sprintf("slippage %.4f%% exceeded limit %.4f%%",
			res.TotalSlippagePct*100, order.MaxSlippagePct*100)
	}
	return res
}

// fillSlice routes one child market order and converts the fill
func (e *Engine) fillSlice(ctx context.Context, order Order, symbol string, side exchange.Side, qty float64) (Slice, error) {
	return e.fillSliceAt(ctx, order, symbol, side, qty, 0)
}

// fillSliceAt submits one slice; limitPrice > 0 posts a limit order at
// that price instead of crossing at market
func (e *Engine) fillSliceAt(ctx context.Context, order Order, symbol string, side exchange.Side, qty, limitPrice float64) (Slice, error) {
	adapter, err := e.router.Route(symbol, order.VenueHint)
	if err != nil {
		return Slice{}, err
	}
	req := exchange.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     exchange.OrderTypeMarket,
		Quantity: qty,
	}
	if limitPrice > 0 {
		req.Type = exchange.OrderTypeLimit
		req.Price = limitPrice
	}
	trade, err := adapter.ExecuteTrade(ctx, req)
	if err != nil {
		return Slice{}, err
	}
	if trade.FilledQuantity <= 0 {
		return Slice{}, fmt.Errorf("slice for %s got no fill", symbol)
	}
	return Slice{
		Quantity:  trade.FilledQuantity,
		Price:     trade.AvgPrice,
		OrderID:   trade.OrderID,
		Timestamp: e.nowFunc(),
	}, nil
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter scales d by a uniform factor in [1-f, 1+f]
func (e *Engine) jitter(d time.Duration, f float64) time.Duration {
	scale := 1 + f*(2*e.rng.Float64()-1)
	return time.Duration(math.Round(float64(d) * scale))
}
