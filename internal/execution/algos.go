package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/exchange"
)

func (e *Engine) executeMarket(ctx context.Context, order Order, qty float64) ([]Slice, error) {
	slice, err := e.fillSlice(ctx, order, order.Symbol, order.Side, qty)
	if err != nil {
		return nil, err
	}
	return []Slice{slice}, nil
}

// executeTWAP splits the order into equal slices spaced over the
// configured duration with +/-20% jitter on each interval.
func (e *Engine) executeTWAP(ctx context.Context, order Order) ([]Slice, error) {
	n := e.cfg.TWAPSlices
	interval := time.Duration(e.cfg.TWAPDurationSeconds) * time.Second / time.Duration(n)
	sliceQty := order.TotalQuantity / float64(n)

	var slices []Slice
	for i := 0; i < n; i++ {
		slice, err := e.fillSlice(ctx, order, order.Symbol, order.Side, sliceQty)
		if err != nil {
			return slices, fmt.Errorf("twap slice %d/%d: %w", i+1, n, err)
		}
		slices = append(slices, slice)
		if i < n-1 {
			if err := e.sleep(ctx, e.jitter(interval, 0.2)); err != nil {
				return slices, err
			}
		}
	}
	return slices, nil
}

// executeVWAP slices quantity proportionally to a 24-bucket relative
// volume profile, falling back to a flat profile when history is
// unavailable.
func (e *Engine) executeVWAP(ctx context.Context, order Order) ([]Slice, error) {
	var profile [24]float64
	if e.volumes != nil {
		p, err := e.volumes(ctx, order.Symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", order.Symbol).Msg("Volume profile unavailable, using flat profile")
		} else {
			profile = p
		}
	}
	var total float64
	for _, w := range profile {
		total += w
	}
	if total <= 0 {
		for i := range profile {
			profile[i] = 1
		}
		total = float64(len(profile))
	}

	bucketInterval := time.Duration(e.cfg.VWAPDurationSeconds) * time.Second / time.Duration(len(profile))
	var slices []Slice
	for i, w := range profile {
		qty := order.TotalQuantity * w / total
		if qty > 0 {
			slice, err := e.fillSlice(ctx, order, order.Symbol, order.Side, qty)
			if err != nil {
				return slices, fmt.Errorf("vwap bucket %d: %w", i, err)
			}
			slices = append(slices, slice)
		}
		if i < len(profile)-1 {
			if err := e.sleep(ctx, bucketInterval); err != nil {
				return slices, err
			}
		}
	}
	return slices, nil
}

// executeIceberg shows only visible_pct of the order at a time with a
// random 5-30s delay between clips, stopping once the remainder is dust.
func (e *Engine) executeIceberg(ctx context.Context, order Order) ([]Slice, error) {
	visible := e.cfg.IcebergVisiblePct * order.TotalQuantity
	remaining := order.TotalQuantity

	var slices []Slice
	for remaining >= 0.1*visible {
		qty := math.Min(visible, remaining)
		slice, err := e.fillSlice(ctx, order, order.Symbol, order.Side, qty)
		if err != nil {
			return slices, fmt.Errorf("iceberg clip: %w", err)
		}
		slices = append(slices, slice)
		remaining -= slice.Quantity

		if remaining >= 0.1*visible {
			delay := 5*time.Second + time.Duration(e.rng.Float64()*25*float64(time.Second))
			if err := e.sleep(ctx, delay); err != nil {
				return slices, err
			}
		}
	}
	return slices, nil
}

// executeSniper waits for the price to improve by the target before
// firing, or fires anyway when the wait budget runs out.
func (e *Engine) executeSniper(ctx context.Context, order Order, refPrice float64, hasRef bool) ([]Slice, error) {
	if !hasRef {
		return e.executeMarket(ctx, order, order.TotalQuantity)
	}

	target := e.cfg.SniperImprovementPct
	best := refPrice
	deadline := e.nowFunc().Add(time.Duration(e.cfg.SniperMaxWaitSeconds) * time.Second)
	for e.nowFunc().Before(deadline) {
		if p, ok := e.price(order.Symbol); ok {
			if order.Side == exchange.SideBuy && p < best ||
				order.Side == exchange.SideSell && p > best {
				best = p
			}
			improved := order.Side == exchange.SideBuy && p <= refPrice*(1-target) ||
				order.Side == exchange.SideSell && p >= refPrice*(1+target)
			if improved {
				log.Debug().
					Str("symbol", order.Symbol).
					Float64("ref", refPrice).
					Float64("trigger", p).
					Msg("Sniper target hit")
				return e.executeMarket(ctx, order, order.TotalQuantity)
			}
		}
		if err := e.sleep(ctx, sniperPollInterval); err != nil {
			return nil, err
		}
	}

	// Wait budget exhausted; work the best price seen in the window
	// rather than crossing at market
	log.Debug().
		Str("symbol", order.Symbol).
		Float64("ref", refPrice).
		Float64("best", best).
		Msg("Sniper wait exhausted, posting at best observed price")
	slice, err := e.fillSliceAt(ctx, order, order.Symbol, order.Side, order.TotalQuantity, best)
	if err != nil || slice.Quantity <= 0 {
		return e.executeMarket(ctx, order, order.TotalQuantity)
	}
	return []Slice{slice}, nil
}

// executeAdaptive selects a concrete algorithm from the market state
// and delegates to it.
func (e *Engine) executeAdaptive(ctx context.Context, order Order, refPrice float64, hasRef bool) (Algo, []Slice, error) {
	volatility, _ := metaFloat(order.Metadata, "volatility")
	spreadPct, _ := metaFloat(order.Metadata, "spread_pct")
	volumeRoll, _ := metaFloat(order.Metadata, "volume_roll_avg")
	orderSizePct, _ := metaFloat(order.Metadata, "order_size_pct")

	chosen := selectAlgo(marketState{
		UrgencyScore:  order.Urgency.Score(),
		OrderSizePct:  orderSizePct,
		Volatility:    volatility,
		SpreadPct:     spreadPct,
		VolumeRollAvg: volumeRoll,
	})
	log.Debug().Str("symbol", order.Symbol).Str("chosen", string(chosen)).Msg("Adaptive algorithm selected")

	switch chosen {
	case AlgoTWAP:
		slices, err := e.executeTWAP(ctx, order)
		return chosen, slices, err
	case AlgoIceberg:
		slices, err := e.executeIceberg(ctx, order)
		return chosen, slices, err
	case AlgoSniper:
		slices, err := e.executeSniper(ctx, order, refPrice, hasRef)
		return chosen, slices, err
	case AlgoVWAP:
		slices, err := e.executeVWAP(ctx, order)
		return chosen, slices, err
	default:
		slices, err := e.executeMarket(ctx, order, order.TotalQuantity)
		return AlgoMarket, slices, err
	}
}

// executeArbitrage places both legs concurrently once the live spread
// clears the minimum profit threshold. The result reports leg one;
// leg two failure fails the whole execution.
func (e *Engine) executeArbitrage(ctx context.Context, order Order) ([]Slice, error) {
	leg2Symbol, ok := metaString(order.Metadata, "leg2_symbol")
	if !ok {
		return nil, fmt.Errorf("arbitrage order missing leg2_symbol")
	}
	leg2SideRaw, ok := metaString(order.Metadata, "leg2_side")
	if !ok {
		return nil, fmt.Errorf("arbitrage order missing leg2_side")
	}
	leg2Side := exchange.Side(leg2SideRaw)

	p1, ok1 := e.refPrice(order.Symbol)
	p2, ok2 := e.refPrice(leg2Symbol)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("no live prices for arbitrage legs %s/%s", order.Symbol, leg2Symbol)
	}
	spreadPct := math.Abs(p1-p2) / ((p1 + p2) / 2)
	if spreadPct < e.cfg.ArbMinProfitPct {
		return nil, fmt.Errorf("spread %.4f%% below minimum %.4f%%", spreadPct*100, e.cfg.ArbMinProfitPct*100)
	}

	var wg sync.WaitGroup
	var leg1, leg2 Slice
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		leg1, err1 = e.fillSlice(ctx, order, order.Symbol, order.Side, order.TotalQuantity)
	}()
	go func() {
		defer wg.Done()
		leg2, err2 = e.fillSlice(ctx, order, leg2Symbol, leg2Side, order.TotalQuantity)
	}()
	wg.Wait()

	if err1 != nil {
		return nil, fmt.Errorf("arbitrage leg 1 (%s): %w", order.Symbol, err1)
	}
	if err2 != nil {
		return []Slice{leg1}, fmt.Errorf("arbitrage leg 2 (%s): %w", leg2Symbol, err2)
	}
	log.Info().
		Str("leg1", order.Symbol).
		Str("leg2", leg2Symbol).
		Float64("spread_pct", spreadPct).
		Float64("leg2_price", leg2.Price).
		Msg("Arbitrage legs filled")
	return []Slice{leg1}, nil
}
