package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentDailyLossBreached(t *testing.T) {
	assert.False(t, AgentDailyLossBreached(-0.04, 1.0, 0.05))
	assert.True(t, AgentDailyLossBreached(-0.06, 1.0, 0.05))
	assert.False(t, AgentDailyLossBreached(0.10, 1.0, 0.05))
}

func TestDailyBreakerTripsAndResets(t *testing.T) {
	b := NewDailyBreaker(0.05)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return now }

	assert.False(t, b.Record(-300, 10_000))
	assert.True(t, b.Record(-250, 10_000), "-550 crosses -500")
	assert.True(t, b.Tripped())

	// Gains after the trip do not untrip it
	assert.True(t, b.Record(600, 10_000))

	// Next day clears everything
	now = now.Add(24 * time.Hour)
	assert.False(t, b.Tripped())
	assert.Zero(t, b.DailyPnL())
}

func TestLiquidationRisk(t *testing.T) {
	assert.True(t, LiquidationRisk(850, 1000))
	assert.False(t, LiquidationRisk(700, 1000))
	assert.False(t, LiquidationRisk(100, 0))
}

func TestLargestByNotional(t *testing.T) {
	notionals := map[string]float64{
		"BTCUSDT": 5000,
		"ETHUSDT": 8000,
		"SOLUSDC": 1000,
	}
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, LargestByNotional(notionals, 2))
	assert.Len(t, LargestByNotional(notionals, 10), 3)
	assert.Empty(t, LargestByNotional(nil, 2))
}
