package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AgentDailyLossBreached checks a single agent's daily PnL against its
// margin allocation
func AgentDailyLossBreached(dailyPnL, marginAllocation, maxDailyLossPct float64) bool {
	return dailyPnL < -maxDailyLossPct*marginAllocation
}

// DailyBreaker tracks aggregate realized PnL for the local day and
// trips when the global loss threshold is crossed. The day boundary
// resets it.
type DailyBreaker struct {
	mu              sync.Mutex
	maxDailyLossPct float64
	dailyPnL        float64
	day             time.Time
	tripped         bool
	nowFunc         func() time.Time
}

// NewDailyBreaker creates an aggregate daily-loss breaker
func NewDailyBreaker(maxDailyLossPct float64) *DailyBreaker {
	return &DailyBreaker{
		maxDailyLossPct: maxDailyLossPct,
		nowFunc:         time.Now,
	}
}

func (b *DailyBreaker) rollDayLocked() {
	today := b.nowFunc().Truncate(24 * time.Hour)
	if !today.Equal(b.day) {
		if b.tripped {
			log.Info().Msg("Daily loss breaker reset at day boundary")
		}
		b.day = today
		b.dailyPnL = 0
		b.tripped = false
	}
}

// Record adds realized PnL and returns whether the breaker is tripped
func (b *DailyBreaker) Record(pnl, balance float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDayLocked()
	b.dailyPnL += pnl
	if !b.tripped && balance > 0 && b.dailyPnL < -b.maxDailyLossPct*balance {
		b.tripped = true
		log.Error().
			Float64("daily_pnl", b.dailyPnL).
			Float64("threshold_pct", b.maxDailyLossPct).
			Msg("Aggregate daily loss breaker tripped")
	}
	return b.tripped
}

// Tripped reports the breaker state, rolling the day boundary first
func (b *DailyBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()
	return b.tripped
}

// DailyPnL returns today's accumulated PnL
func (b *DailyBreaker) DailyPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()
	return b.dailyPnL
}

// LiquidationRisk reports whether maintenance margin usage is close
// enough to liquidation to force deleveraging
func LiquidationRisk(maintenanceMargin, marginBalance float64) bool {
	if marginBalance <= 0 {
		return false
	}
	return maintenanceMargin/marginBalance > 0.8
}

// LargestByNotional returns the n symbols with the largest notional
// exposure, for forced reduce-only closes under liquidation risk
func LargestByNotional(notionals map[string]float64, n int) []string {
	type entry struct {
		symbol   string
		notional float64
	}
	entries := make([]entry, 0, len(notionals))
	for symbol, notional := range notionals {
		entries = append(entries, entry{symbol, notional})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].notional != entries[j].notional {
			return entries[i].notional > entries[j].notional
		}
		return entries[i].symbol < entries[j].symbol
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.symbol
	}
	return out
}
