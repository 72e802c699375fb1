package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.Greater(t, idx, 0, "request must carry a signature")

	payload, signature := raw[:idx], raw[idx+len("&signature="):]
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signature)
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *RESTAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRESTAdapter(RESTConfig{
		Name:    "aster",
		APIKey:  "test-key",
		Secret:  testSecret,
		BaseURL: server.URL,
	})
}

func TestPlaceOrderSignsAndFills(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		verifySignature(t, r)

		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.NotEmpty(t, q.Get("newClientOrderId"))
		assert.NotEmpty(t, q.Get("timestamp"))

		fmt.Fprint(w, `{"orderId": 12345, "status": "FILLED", "executedQty": "0.5", "avgPrice": "65000.0"}`)
	})

	ack, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", ack.OrderID)
	assert.Equal(t, OrderStatusFilled, ack.Status)
	assert.InDelta(t, 0.5, ack.ExecutedQty, 1e-9)
	assert.InDelta(t, 65000.0, ack.AvgPrice, 1e-9)
}

func TestPlaceOrderLeverageFallback(t *testing.T) {
	var orderCalls, leverageOne atomic.Int64
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/leverage":
			if r.URL.Query().Get("leverage") == "1" {
				leverageOne.Add(1)
			}
			fmt.Fprint(w, `{}`)
		case "/fapi/v1/order":
			if orderCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"code": -4028, "msg": "Leverage 20 is not valid"}`)
				return
			}
			fmt.Fprint(w, `{"orderId": 7, "status": "FILLED", "executedQty": "1", "avgPrice": "100"}`)
		}
	})

	ack, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     SideSell,
		Type:     OrderTypeMarket,
		Quantity: 1,
		Leverage: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, ack.Status)
	assert.Equal(t, int64(2), orderCalls.Load(), "order retried exactly once")
	assert.Equal(t, int64(1), leverageOne.Load(), "leverage dropped to 1x before the retry")
}

func TestExecuteTradeSuccessThreshold(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"orderId": 9, "status": "PARTIALLY_FILLED", "executedQty": "0.90", "avgPrice": "50000"}`)
	})

	result, err := adapter.ExecuteTrade(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Quantity: 1.0,
	})
	require.NoError(t, err)
	assert.False(t, result.Success, "90% filled is below the 95% bar")
	assert.InDelta(t, 0.90, result.FilledQuantity, 1e-9)
	assert.Equal(t, "aster", result.Venue)
}

func TestPlaceOrderRejectsBelowMinNotional(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("order must be rejected before reaching the venue")
	})
	adapter.Structures().Set(MarketStructure{
		Symbol:            "BTCUSDT",
		QuantityPrecision: 3,
		MinQty:            0.001,
		StepSize:          0.001,
		MinNotional:       100,
	})

	_, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeLimit,
		Quantity: 0.0015,
		Price:    50000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_notional")
}

func TestQueryOrderAndBalance(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/order":
			assert.Equal(t, "42", r.URL.Query().Get("orderId"))
			fmt.Fprint(w, `{"orderId": 42, "status": "CANCELED", "executedQty": "0", "avgPrice": "0"}`)
		case "/fapi/v2/balance":
			fmt.Fprint(w, `[{"asset": "USDT", "availableBalance": "1234.56"}]`)
		}
	})

	ack, err := adapter.QueryOrder(context.Background(), "BTCUSDT", "42")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCanceled, ack.Status)
	assert.True(t, ack.Status.Terminal())

	balances, err := adapter.GetBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1234.56, balances["USDT"], 1e-9)
}

func TestGetPositionsSkipsFlat(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"symbol": "BTCUSDT", "positionAmt": "0.5", "entryPrice": "60000"},
			{"symbol": "ETHUSDT", "positionAmt": "0", "entryPrice": "0"},
			{"symbol": "SOLUSDC", "positionAmt": "-10", "entryPrice": "150"}
		]`)
	})

	positions, err := adapter.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, SideBuy, positions[0].Side)
	assert.Equal(t, SideSell, positions[1].Side)
	assert.InDelta(t, 10, positions[1].Quantity, 1e-9)
}

func TestStructureRegistryRefresh(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		fmt.Fprint(w, `{"symbols": [{
			"symbol": "BTCUSDT",
			"quantityPrecision": 3,
			"pricePrecision": 2,
			"filters": [
				{"filterType": "LOT_SIZE", "minQty": "0.001", "stepSize": "0.001"},
				{"filterType": "MIN_NOTIONAL", "notional": "100"}
			]
		}]}`)
	})

	require.NoError(t, adapter.Structures().Refresh(context.Background()))

	s, ok := adapter.Structures().Get("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.001, s.StepSize, 1e-12)
	assert.InDelta(t, 100, s.MinNotional, 1e-9)

	assert.InDelta(t, 0.123, adapter.Structures().NormalizeQuantity("BTCUSDT", 0.12345), 1e-9)
}
