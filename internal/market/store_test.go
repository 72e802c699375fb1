package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	source := &fakeSource{
		candles: risingCandles(100),
		book:    &OrderBook{Bids: [][2]float64{{99, 30}}, Asks: [][2]float64{{101, 10}}},
	}
	return NewStore(NewPipeline(source, nil))
}

func TestStoreGetSnapshotIndicator(t *testing.T) {
	store := newTestStore(t)

	v, ok := store.Get(context.Background(), "rsi", "BTCUSDT")
	require.True(t, ok)
	rsi, isScalar := v.(Scalar)
	require.True(t, isScalar)
	assert.Greater(t, float64(rsi), 70.0)

	v, ok = store.Get(context.Background(), "macd", "BTCUSDT")
	require.True(t, ok)
	_, isMACD := v.(MACDVal)
	assert.True(t, isMACD)

	v, ok = store.Get(context.Background(), "trend", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, TrendValue(TrendBullish), v)
}

func TestStoreUnknownNameYieldsMiss(t *testing.T) {
	store := newTestStore(t)

	v, ok := store.Get(context.Background(), "astrology", "BTCUSDT")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestStoreProviderDispatch(t *testing.T) {
	store := newTestStore(t)
	store.RegisterProvider("sentiment", ProviderFunc(func(ctx context.Context, symbol string) (Value, bool) {
		return Scalar(0.8), true
	}))

	v, ok := store.Get(context.Background(), "sentiment", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, Scalar(0.8), v)

	names := store.AvailableIndicators()
	assert.Contains(t, names, "sentiment")
	assert.Contains(t, names, "rsi")
	assert.Contains(t, names, "price")
}

func TestStoreFailedSnapshotYieldsMiss(t *testing.T) {
	source := &fakeSource{err: assert.AnError}
	store := NewStore(NewPipeline(source, nil))

	_, ok := store.Get(context.Background(), "rsi", "BTCUSDT")
	assert.False(t, ok)
}
