package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/memory"
)

type stubVenue struct {
	mu             sync.Mutex
	fillPrice      float64
	closes         []exchange.OrderRequest
	canceled       []string
	venuePositions []exchange.VenuePosition
}

func (s *stubVenue) Name() string { return "stub" }

func (s *stubVenue) ExecuteTrade(_ context.Context, req exchange.OrderRequest) (*exchange.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, req)
	return &exchange.TradeResult{
		Success:        true,
		OrderID:        "close-1",
		FilledQuantity: req.Quantity,
		AvgPrice:       s.fillPrice,
		Venue:          "stub",
	}, nil
}

func (s *stubVenue) PlaceOrder(context.Context, exchange.OrderRequest) (*exchange.OrderAck, error) {
	return nil, nil
}

func (s *stubVenue) CancelOrder(_ context.Context, _, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, orderID)
	return nil
}

func (s *stubVenue) QueryOrder(context.Context, string, string) (*exchange.OrderAck, error) {
	return nil, nil
}
func (s *stubVenue) GetBalance(context.Context) (map[string]float64, error) { return nil, nil }

func (s *stubVenue) GetPositions(context.Context) ([]exchange.VenuePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.venuePositions, nil
}

func (s *stubVenue) Close() error { return nil }

func (s *stubVenue) lastClose() (exchange.OrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.closes) == 0 {
		return exchange.OrderRequest{}, false
	}
	return s.closes[len(s.closes)-1], true
}

type closeRecord struct {
	pos       Position
	exitPrice float64
	outcome   memory.Outcome
}

type harness struct {
	manager *Manager
	venue   *stubVenue
	closed  []closeRecord
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		venue: &stubVenue{fillPrice: 100},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	router := exchange.NewRouter()
	router.Register(h.venue, []string{"BTCUSDT", "ETHUSDT"})

	h.manager = NewManager(router)
	h.manager.nowFunc = func() time.Time { return h.now }
	h.manager.OnClose(func(pos Position, exitPrice float64, outcome memory.Outcome) {
		h.closed = append(h.closed, closeRecord{pos, exitPrice, outcome})
	})
	return h
}

func longPosition(symbol string) *Position {
	return &Position{
		Symbol:        symbol,
		Side:          SideLong,
		Quantity:      1,
		EntryPrice:    100,
		StopLoss:      98,
		TakeProfit:    104,
		OwningAgentID: "agent-01",
	}
}

func shortPosition(symbol string) *Position {
	return &Position{
		Symbol:        symbol,
		Side:          SideShort,
		Quantity:      1,
		EntryPrice:    100,
		StopLoss:      102,
		TakeProfit:    96,
		OwningAgentID: "agent-01",
	}
}

func TestOpenInvariants(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Open(longPosition("BTCUSDT")))
	assert.Equal(t, 1, h.manager.Count())

	err := h.manager.Open(longPosition("BTCUSDT"))
	assert.ErrorContains(t, err, "already open")

	bad := longPosition("ETHUSDT")
	bad.StopLoss = 105
	assert.ErrorContains(t, h.manager.Open(bad), "out of order")

	badShort := shortPosition("ETHUSDT")
	badShort.TakeProfit = 103
	assert.ErrorContains(t, h.manager.Open(badShort), "out of order")
}

func TestMonitorTakeProfitLong(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Open(longPosition("BTCUSDT")))
	h.venue.fillPrice = 104.2

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 104.2})

	require.Len(t, h.closed, 1)
	rec := h.closed[0]
	assert.Equal(t, memory.ExitTakeProfit, rec.outcome.ExitReason)
	assert.True(t, rec.outcome.Success)
	assert.InDelta(t, 4.2, rec.outcome.PnL, 1e-9)
	assert.InDelta(t, 0.042, rec.outcome.PnLPct, 1e-9)
	assert.Zero(t, h.manager.Count())

	req, ok := h.venue.lastClose()
	require.True(t, ok)
	assert.Equal(t, exchange.SideSell, req.Side)
	assert.True(t, req.ReduceOnly)
	assert.InDelta(t, 1.0, req.Quantity, 1e-9)
}

func TestMonitorStopLossShort(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Open(shortPosition("BTCUSDT")))
	h.venue.fillPrice = 102.5

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 102.5})

	require.Len(t, h.closed, 1)
	rec := h.closed[0]
	assert.Equal(t, memory.ExitStopLoss, rec.outcome.ExitReason)
	assert.False(t, rec.outcome.Success)
	assert.InDelta(t, -0.025, rec.outcome.PnLPct, 1e-9)

	req, _ := h.venue.lastClose()
	assert.Equal(t, exchange.SideBuy, req.Side)
}

func TestMonitorScalpExit(t *testing.T) {
	h := newHarness(t)
	h.manager.SpecializationLookup(func(agentID string) (agents.Specialization, bool) {
		if agentID == "scalper" {
			return agents.SpecMomentum, true
		}
		return agents.SpecSwing, true
	})

	scalp := longPosition("BTCUSDT")
	scalp.OwningAgentID = "scalper"
	require.NoError(t, h.manager.Open(scalp))
	swing := longPosition("ETHUSDT")
	require.NoError(t, h.manager.Open(swing))

	h.venue.fillPrice = 101
	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 101, "ETHUSDT": 101})

	require.Len(t, h.closed, 1)
	assert.Equal(t, "BTCUSDT", h.closed[0].pos.Symbol)
	assert.Equal(t, memory.ExitTakeProfit, h.closed[0].outcome.ExitReason)
	_, stillOpen := h.manager.Get("ETHUSDT")
	assert.True(t, stillOpen, "swing agent holds through a 1% gain")
}

func TestTrailingStopLong(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Open(longPosition("BTCUSDT")))

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 101.6})
	pos, _ := h.manager.Get("BTCUSDT")
	assert.InDelta(t, 100.2, pos.StopLoss, 1e-9, "break-even plus after 1.5%")

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 103.2})
	pos, _ = h.manager.Get("BTCUSDT")
	assert.InDelta(t, 101.5, pos.StopLoss, 1e-9, "lock 1.5% after 3%")
	assert.Zero(t, len(h.closed))
}

func TestTrailingStopShort(t *testing.T) {
	h := newHarness(t)
	pos := shortPosition("BTCUSDT")
	pos.TakeProfit = 90
	require.NoError(t, h.manager.Open(pos))

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 98.4})
	got, _ := h.manager.Get("BTCUSDT")
	assert.InDelta(t, 99.8, got.StopLoss, 1e-9)

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 96.8})
	got, _ = h.manager.Get("BTCUSDT")
	assert.InDelta(t, 98.5, got.StopLoss, 1e-9)
}

func TestMonitorStaleness(t *testing.T) {
	h := newHarness(t)
	stale := longPosition("BTCUSDT")
	stale.OpenTime = h.now.Add(-5 * time.Hour)
	require.NoError(t, h.manager.Open(stale))

	moving := longPosition("ETHUSDT")
	moving.OpenTime = h.now.Add(-5 * time.Hour)
	require.NoError(t, h.manager.Open(moving))

	h.venue.fillPrice = 100.2
	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 100.2, "ETHUSDT": 101.2})

	require.Len(t, h.closed, 1)
	assert.Equal(t, "BTCUSDT", h.closed[0].pos.Symbol)
	assert.Equal(t, memory.ExitStagnation, h.closed[0].outcome.ExitReason)
	assert.InDelta(t, 5*3600, h.closed[0].outcome.HoldDurationS, 1e-9)
	_, stillOpen := h.manager.Get("ETHUSDT")
	assert.True(t, stillOpen, "a position that moved 1.2% is not stagnant")
}

func TestMonitorTracksHighWaterMarks(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Open(longPosition("BTCUSDT")))

	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 101})
	h.manager.Monitor(context.Background(), map[string]float64{"BTCUSDT": 99})

	pos, _ := h.manager.Get("BTCUSDT")
	assert.InDelta(t, 0.01, pos.MaxProfitPct, 1e-9)
	assert.InDelta(t, 0.01, pos.MaxDrawdownPct, 1e-9)
}

func TestCloseCancelsNativeStops(t *testing.T) {
	h := newHarness(t)
	pos := longPosition("BTCUSDT")
	pos.TPNativeOrderID = "tp-9"
	pos.SLNativeOrderID = "sl-9"
	require.NoError(t, h.manager.Open(pos))
	h.venue.fillPrice = 100.5

	outcome, err := h.manager.Close(context.Background(), "BTCUSDT", memory.ExitManual)
	require.NoError(t, err)
	assert.Equal(t, memory.ExitManual, outcome.ExitReason)
	assert.ElementsMatch(t, []string{"tp-9", "sl-9"}, h.venue.canceled)

	_, err = h.manager.Close(context.Background(), "BTCUSDT", memory.ExitManual)
	assert.ErrorContains(t, err, "no open position")
}

func TestCloseOnReversal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Open(longPosition("BTCUSDT")))

	assert.False(t, h.manager.CloseOnReversal(context.Background(), "BTCUSDT", agents.SignalSell, 0.4),
		"below confidence gate")
	assert.False(t, h.manager.CloseOnReversal(context.Background(), "BTCUSDT", agents.SignalBuy, 0.9),
		"same direction is not a reversal")
	assert.True(t, h.manager.CloseOnReversal(context.Background(), "BTCUSDT", agents.SignalSell, 0.6))

	require.Len(t, h.closed, 1)
	assert.Equal(t, memory.ExitReversal, h.closed[0].outcome.ExitReason)
}

func TestUpdateEntryAfterScaleIn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Open(longPosition("BTCUSDT")))

	require.True(t, h.manager.UpdateEntry("BTCUSDT", 105, 2, 102.9, 109.2))
	pos, _ := h.manager.Get("BTCUSDT")
	assert.InDelta(t, 105, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 2, pos.Quantity, 1e-9)

	assert.False(t, h.manager.UpdateEntry("SOLUSDC", 1, 1, 0.9, 1.1))
}

func TestRealizeExternalCancelsSibling(t *testing.T) {
	h := newHarness(t)
	pos := longPosition("BTCUSDT")
	pos.TPNativeOrderID = "tp-7"
	pos.SLNativeOrderID = "sl-7"
	require.NoError(t, h.manager.Open(pos))

	outcome, ok := h.manager.RealizeExternal(context.Background(), "BTCUSDT", 104, "tp-7", memory.ExitTakeProfit)
	require.True(t, ok)
	assert.True(t, outcome.Success)
	assert.InDelta(t, 4, outcome.PnL, 1e-9)
	assert.Zero(t, h.manager.Count())

	assert.Equal(t, []string{"sl-7"}, h.venue.canceled, "only the unfilled sibling is canceled")
	assert.Empty(t, h.venue.closes, "no close order sent for an already-filled exit")
	require.Len(t, h.closed, 1)
	assert.Equal(t, memory.ExitTakeProfit, h.closed[0].outcome.ExitReason)

	_, ok = h.manager.RealizeExternal(context.Background(), "BTCUSDT", 104, "tp-7", memory.ExitTakeProfit)
	assert.False(t, ok, "second realize is a no-op")
}
