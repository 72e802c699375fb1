package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultInterval    = "1h"
	defaultCandleLimit = 100
	depthLimit         = 20
	snapshotTTL        = 60 * time.Second
	staleWindowTTLs    = 3
)

// Pipeline fetches raw market data and derives per-symbol snapshots with a
// TTL cache. Concurrent requests for the same symbol collapse to a single
// fetch per TTL window.
type Pipeline struct {
	source    DataSource
	synthetic map[string]bool

	mu      sync.RWMutex
	cache   map[string]*cacheEntry
	ttl     time.Duration
	nowFunc func() time.Time
}

type cacheEntry struct {
	mu       sync.Mutex // serializes refresh per symbol
	snapshot *Snapshot
	fetched  time.Time
}

// NewPipeline creates a feature pipeline over the given data source.
// syntheticSymbols may fall back to generated candles on venue failure.
func NewPipeline(source DataSource, syntheticSymbols []string) *Pipeline {
	synth := make(map[string]bool, len(syntheticSymbols))
	for _, s := range syntheticSymbols {
		synth[s] = true
	}
	return &Pipeline{
		source:    source,
		synthetic: synth,
		cache:     make(map[string]*cacheEntry),
		ttl:       snapshotTTL,
		nowFunc:   time.Now,
	}
}

// SetTTL overrides the snapshot TTL (tests)
func (p *Pipeline) SetTTL(ttl time.Duration) { p.ttl = ttl }

// SetClock overrides the clock (tests)
func (p *Pipeline) SetClock(now func() time.Time) { p.nowFunc = now }

// GetMarketAnalysis returns the snapshot for a symbol, refreshing it when the
// cached copy is older than the TTL. A cache hit performs no I/O.
func (p *Pipeline) GetMarketAnalysis(ctx context.Context, symbol string) (*Snapshot, error) {
	entry := p.entry(symbol)

	// Fast path: fresh snapshot under read lock semantics
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := p.nowFunc()
	if entry.snapshot != nil && now.Sub(entry.fetched) < p.ttl {
		return entry.snapshot, nil
	}

	snapshot, err := p.buildSnapshot(ctx, symbol)
	if err != nil {
		// A stale-but-present snapshot bridges failed refreshes, but only
		// inside the staleness window; beyond it the failure surfaces.
		if entry.snapshot != nil && now.Sub(entry.fetched) < staleWindowTTLs*p.ttl {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Refresh failed, serving stale snapshot")
			return entry.snapshot, nil
		}
		return nil, err
	}

	entry.snapshot = snapshot
	entry.fetched = now
	return snapshot, nil
}

func (p *Pipeline) entry(symbol string) *cacheEntry {
	p.mu.RLock()
	entry, ok := p.cache[symbol]
	p.mu.RUnlock()
	if ok {
		return entry
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok = p.cache[symbol]; ok {
		return entry
	}
	entry = &cacheEntry{}
	p.cache[symbol] = entry
	return entry
}

// buildSnapshot fetches candles plus depth and computes the full feature set
func (p *Pipeline) buildSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	candles, err := p.source.Candles(ctx, symbol, defaultInterval, defaultCandleLimit)
	if err != nil || len(candles) == 0 {
		if !p.synthetic[symbol] {
			if err == nil {
				err = fmt.Errorf("no candle data for %s", symbol)
			}
			return nil, err
		}
		log.Debug().Str("symbol", symbol).Msg("Venue data unavailable, generating synthetic candles")
		candles = GenerateSyntheticCandles(symbol, defaultCandleLimit, p.nowFunc())
	}

	var book *OrderBook
	if b, depthErr := p.source.Depth(ctx, symbol, depthLimit); depthErr == nil {
		book = b
	} else {
		log.Debug().Err(depthErr).Str("symbol", symbol).Msg("Depth unavailable")
		book = &OrderBook{}
	}

	return ComputeSnapshot(symbol, candles, book, p.nowFunc()), nil
}

// ComputeSnapshot derives the full indicator set from raw data.
// Deterministic: same inputs produce the same snapshot.
func ComputeSnapshot(symbol string, candles []Candle, book *OrderBook, now time.Time) *Snapshot {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	price := closes[len(closes)-1]

	// 24h aggregates over the trailing 24 hourly candles
	agg := candles
	if len(agg) > 24 {
		agg = agg[len(agg)-24:]
	}
	var vol24, high24, low24 float64
	high24, low24 = agg[0].High, agg[0].Low
	for _, c := range agg {
		vol24 += c.Volume
		if c.High > high24 {
			high24 = c.High
		}
		if c.Low < low24 {
			low24 = c.Low
		}
	}
	change24 := 0.0
	if open := agg[0].Open; open > 0 {
		change24 = (price - open) / open * 100
	}

	ema20 := EMA(closes, 20)
	ema50 := EMA(closes, 50)
	rsi := RSI(closes, 14)
	atrPct := ATRPct(candles, 14)

	tr := TrendNeutral
	switch {
	case ema20 > ema50 && price > ema20:
		tr = TrendBullish
	case ema20 < ema50 && price < ema20:
		tr = TrendBearish
	}

	// Average ATR over the last 50 candles approximates baseline volatility
	avgATR := 0.0
	if len(candles) > 50 {
		var sum float64
		n := 0
		for i := len(candles) - 50; i < len(candles); i++ {
			window := candles[:i+1]
			if a := ATRPct(window, 14); a > 0 {
				sum += a
				n++
			}
		}
		if n > 0 {
			avgATR = sum / float64(n)
		}
	}

	volState := VolatilityLow
	if avgATR > 0 && atrPct > avgATR {
		volState = VolatilityHigh
	}

	return &Snapshot{
		Symbol:       symbol,
		Price:        price,
		Volume24h:    vol24,
		ChangePct24h: change24,
		High24h:      high24,
		Low24h:       low24,
		EMA20:        ema20,
		EMA50:        ema50,
		ATRPct:       atrPct,
		RSI:          rsi,
		MACD:         MACD(closes),
		BB:           Bollinger(closes, 20),
		Stoch:        Stochastic(candles, 14, 3),
		CCI:          CCI(candles, 20),
		ADX:          ADX(candles, 14),
		OBV:          OBV(candles),
		FibLevels:    Fibonacci(candles),
		Wyckoff:      ClassifyWyckoff(price, ema50, rsi, atrPct, avgATR),
		VSOP:         VSOP(candles, tr, rsi),
		BidPressure:  book.BidPressure(),
		SpreadPct:    book.SpreadPct(),
		Trend:        tr,
		Volatility:   volState,
		Timestamp:    now,
	}
}
