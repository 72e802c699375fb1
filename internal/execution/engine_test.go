package execution

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/risk"
)

type fakeAdapter struct {
	mu           sync.Mutex
	prices       map[string]float64
	fillFraction float64
	calls        []exchange.OrderRequest
}

func newFakeAdapter(prices map[string]float64) *fakeAdapter {
	return &fakeAdapter{prices: prices, fillFraction: 1}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) ExecuteTrade(_ context.Context, req exchange.OrderRequest) (*exchange.TradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	filled := req.Quantity * f.fillFraction
	return &exchange.TradeResult{
		Success:        f.fillFraction >= 0.95,
		OrderID:        "ord-1",
		FilledQuantity: filled,
		AvgPrice:       f.prices[req.Symbol],
		Venue:          "fake",
	}, nil
}

func (f *fakeAdapter) PlaceOrder(context.Context, exchange.OrderRequest) (*exchange.OrderAck, error) {
	return nil, nil
}
func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeAdapter) QueryOrder(context.Context, string, string) (*exchange.OrderAck, error) {
	return nil, nil
}
func (f *fakeAdapter) GetBalance(context.Context) (map[string]float64, error) { return nil, nil }
func (f *fakeAdapter) GetPositions(context.Context) ([]exchange.VenuePosition, error) {
	return nil, nil
}
func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) lastCall() exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeAdapter) symbolsCalled() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, c := range f.calls {
		out[c.Symbol]++
	}
	return out
}

type fakeGate struct {
	halted   bool
	notional float64
}

func (g *fakeGate) Halted() bool { return g.halted }

func (g *fakeGate) Size(in risk.SizingInput) (risk.SizingResult, error) {
	return risk.SizingResult{Notional: g.notional}, nil
}

func (g *fakeGate) Stops(entry, atrPct float64, long bool) (float64, float64) {
	if long {
		return entry * 0.98, entry * 1.04
	}
	return entry * 1.02, entry * 0.96
}

type testHarness struct {
	engine  *Engine
	adapter *fakeAdapter
	slept   []time.Duration
	now     time.Time
}

func newHarness(t *testing.T, prices map[string]float64, cfg config.ExecutionConfig) *testHarness {
	t.Helper()
	adapter := newFakeAdapter(prices)
	router := exchange.NewRouter()
	symbols := make([]string, 0, len(prices))
	for s := range prices {
		symbols = append(symbols, s)
	}
	router.Register(adapter, symbols)

	priceFn := func(symbol string) (float64, bool) {
		p, ok := prices[symbol]
		return p, ok
	}
	h := &testHarness{adapter: adapter, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.engine = NewEngine(router, nil, priceFn, nil, cfg)
	h.engine.rng = rand.New(rand.NewSource(1))
	h.engine.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		h.now = h.now.Add(d)
		return nil
	}
	h.engine.nowFunc = func() time.Time { return h.now }
	return h
}

func TestExecuteMarket(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 0.5, Algo: AlgoMarket,
	})

	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 0.5, res.TotalQuantity, 1e-9)
	assert.InDelta(t, 50000, res.AvgPrice, 1e-9)
	assert.InDelta(t, 0, res.TotalSlippagePct, 1e-9)
	assert.Len(t, res.Slices, 1)
	assert.Equal(t, AlgoMarket, res.AlgoUsed)

	stats := h.engine.Stats()[AlgoMarket]
	assert.Equal(t, 1, stats.Executions)
	assert.Equal(t, 1, stats.Successes)
}

func TestExecuteTWAPSlicesAndJitter(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		TWAPSlices: 5, TWAPDurationSeconds: 100,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 10, Algo: AlgoTWAP,
	})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Slices, 5)
	for _, s := range res.Slices {
		assert.InDelta(t, 2.0, s.Quantity, 1e-9)
	}

	interval := 20 * time.Second
	require.Len(t, h.slept, 4, "no sleep after the last slice")
	for _, d := range h.slept {
		assert.GreaterOrEqual(t, d, time.Duration(float64(interval)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(interval)*1.2))
	}
}

func TestExecuteVWAPFlatFallback(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		VWAPDurationSeconds: 24,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideSell, TotalQuantity: 24, Algo: AlgoVWAP,
	})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Slices, 24)
	for _, s := range res.Slices {
		assert.InDelta(t, 1.0, s.Quantity, 1e-9)
	}
}

func TestExecuteVWAPUsesProfile(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		VWAPDurationSeconds: 24,
	})
	h.engine.volumes = func(context.Context, string) ([24]float64, error) {
		var p [24]float64
		p[0], p[1] = 3, 1
		return p, nil
	}

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 8, Algo: AlgoVWAP,
	})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Slices, 2, "zero-weight buckets are skipped")
	assert.InDelta(t, 6.0, res.Slices[0].Quantity, 1e-9)
	assert.InDelta(t, 2.0, res.Slices[1].Quantity, 1e-9)
}

func TestExecuteIcebergClips(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		IcebergVisiblePct: 0.25,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 10, Algo: AlgoIceberg,
	})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Slices, 4)
	for _, d := range h.slept {
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestExecuteSniperFiresOnImprovement(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 50000}
	h := newHarness(t, prices, config.ExecutionConfig{
		SniperImprovementPct: 0.002, SniperMaxWaitSeconds: 30,
	})

	// First read sets the reference, second is the first poll;
	// improve past the 0.2% target on the second poll
	polls := 0
	h.engine.price = func(string) (float64, bool) {
		polls++
		if polls > 2 {
			return 49800, true
		}
		return 50000, true
	}

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoSniper,
	})

	require.True(t, res.Success, res.Error)
	assert.Len(t, h.slept, 1, "fired on the second poll")
}

func TestExecuteSniperTimesOutAtBestObserved(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		SniperImprovementPct: 0.002, SniperMaxWaitSeconds: 3,
	})

	// The dip to 49950 misses the 0.2% target but sets the window's best
	polls := 0
	h.engine.price = func(string) (float64, bool) {
		polls++
		if polls == 2 {
			return 49950, true
		}
		return 50000, true
	}

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoSniper,
	})

	require.True(t, res.Success, res.Error)
	require.Equal(t, 1, h.adapter.callCount())
	assert.Len(t, h.slept, 3, "polled once per second until the deadline")

	last := h.adapter.lastCall()
	assert.Equal(t, exchange.OrderTypeLimit, last.Type, "timeout posts at the best price seen, not market")
	assert.InDelta(t, 49950, last.Price, 1e-9)
}

func TestExecuteAdaptiveHighUrgencyPicksTWAP(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		TWAPSlices: 5, TWAPDurationSeconds: 50,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 5,
		Algo: AlgoAdaptive, Urgency: UrgencyCritical,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, AlgoTWAP, res.AlgoUsed)
	assert.Len(t, res.Slices, 5)
}

func TestExecuteAdaptiveDefaultPicksVWAP(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{
		VWAPDurationSeconds: 24,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 24,
		Algo: AlgoAdaptive, Urgency: UrgencyNormal,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, AlgoVWAP, res.AlgoUsed)
}

func TestExecuteArbitragePlacesBothLegs(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000, "BTCUSDC": 50400}, config.ExecutionConfig{
		ArbMinProfitPct: 0.005,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoArbitrage,
		Metadata: map[string]any{"leg2_symbol": "BTCUSDC", "leg2_side": "SELL"},
	})

	require.True(t, res.Success, res.Error)
	called := h.adapter.symbolsCalled()
	assert.Equal(t, 1, called["BTCUSDT"])
	assert.Equal(t, 1, called["BTCUSDC"])
}

func TestExecuteArbitrageRejectsThinSpread(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000, "BTCUSDC": 50050}, config.ExecutionConfig{
		ArbMinProfitPct: 0.005,
	})

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoArbitrage,
		Metadata: map[string]any{"leg2_symbol": "BTCUSDC", "leg2_side": "SELL"},
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "below minimum")
	assert.Zero(t, h.adapter.callCount())
}

func TestExecuteRejectsWhenHalted(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{})
	h.engine.gate = &fakeGate{halted: true}

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoMarket,
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "halted")
	assert.Zero(t, h.adapter.callCount())
}

func TestExecuteShrinksToRiskSize(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{})
	h.engine.gate = &fakeGate{notional: 25000} // allows 0.5 BTC at 50k

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 2, Algo: AlgoMarket,
		Metadata: map[string]any{"confidence": 0.8, "volatility": 0.02},
	})

	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 0.5, res.TotalQuantity, 1e-9)
}

func TestExecuteAttachesDerivedStops(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{})
	h.engine.gate = &fakeGate{notional: 1e9}

	order := Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoMarket,
		Metadata: map[string]any{"confidence": 0.8},
	}
	res := h.engine.Execute(context.Background(), order)
	require.True(t, res.Success, res.Error)

	sl, ok := metaFloat(order.Metadata, "stop_loss")
	require.True(t, ok)
	assert.InDelta(t, 49000, sl, 1e-6)
	tp, _ := metaFloat(order.Metadata, "take_profit")
	assert.InDelta(t, 52000, tp, 1e-6)
}

func TestExecutePartialFillFails(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{})
	h.adapter.fillFraction = 0.9

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoMarket,
	})

	assert.False(t, res.Success)
	assert.InDelta(t, 0.9, res.TotalQuantity, 1e-9)
}

func TestExecuteSlippageLimit(t *testing.T) {
	h := newHarness(t, map[string]float64{"BTCUSDT": 50000}, config.ExecutionConfig{})
	// Reference says 49500 but fills happen at 50000, 1.01% adverse
	h.engine.price = func(string) (float64, bool) { return 49500, true }

	res := h.engine.Execute(context.Background(), Order{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, TotalQuantity: 1, Algo: AlgoMarket,
		MaxSlippagePct: 0.005,
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "slippage")
}

func TestStatsRollingAverage(t *testing.T) {
	book := newStatsBook()
	book.record(AlgoTWAP, true, 0.01)
	book.record(AlgoTWAP, false, 0.03)

	s := book.Snapshot()[AlgoTWAP]
	assert.Equal(t, 2, s.Executions)
	assert.Equal(t, 1, s.Successes)
	assert.InDelta(t, 0.02, s.AvgSlippagePct, 1e-9)
}

func TestSelectAlgoHeuristics(t *testing.T) {
	assert.Equal(t, AlgoTWAP, selectAlgo(marketState{UrgencyScore: 0.9}))
	assert.Equal(t, AlgoIceberg, selectAlgo(marketState{OrderSizePct: 0.08, Volatility: 0.01}))
	assert.Equal(t, AlgoSniper, selectAlgo(marketState{Volatility: 0.07}))
	assert.Equal(t, AlgoVWAP, selectAlgo(marketState{}))
}
