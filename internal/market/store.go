package market

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Value is a tagged indicator value returned by the data store
type Value interface{ kind() string }

// Scalar is a single numeric indicator value
type Scalar float64

// BandValue is a three-line band indicator value
type BandValue Band

// MACDVal is the MACD triple
type MACDVal MACDValue

// StochVal is the stochastic pair
type StochVal StochValue

// PhaseValue is a Wyckoff phase
type PhaseValue WyckoffPhase

// TrendValue is a trend classification
type TrendValue Trend

func (Scalar) kind() string     { return "scalar" }
func (BandValue) kind() string  { return "band" }
func (MACDVal) kind() string    { return "macd" }
func (StochVal) kind() string   { return "stoch" }
func (PhaseValue) kind() string { return "phase" }
func (TrendValue) kind() string { return "trend" }

// Provider supplies an externally sourced indicator (sentiment feeds, funding
// rates and similar) behind a name
type Provider interface {
	Get(ctx context.Context, symbol string) (Value, bool)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, symbol string) (Value, bool)

// Get implements Provider
func (f ProviderFunc) Get(ctx context.Context, symbol string) (Value, bool) {
	return f(ctx, symbol)
}

// Store is the unified named-indicator lookup over the feature pipeline and
// pluggable providers. Snapshot-derived names hit the pipeline cache; unknown
// names yield a miss, never an error.
type Store struct {
	pipeline *Pipeline

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewStore creates a data store over the given pipeline
func NewStore(pipeline *Pipeline) *Store {
	return &Store{
		pipeline:  pipeline,
		providers: make(map[string]Provider),
	}
}

// RegisterProvider attaches an external provider under a name
func (s *Store) RegisterProvider(name string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[name] = p
	log.Debug().Str("indicator", name).Msg("Indicator provider registered")
}

// snapshotIndicators maps names to snapshot field extractors
var snapshotIndicators = map[string]func(*Snapshot) Value{
	"price":          func(s *Snapshot) Value { return Scalar(s.Price) },
	"volume":         func(s *Snapshot) Value { return Scalar(s.Volume24h) },
	"change_pct_24h": func(s *Snapshot) Value { return Scalar(s.ChangePct24h) },
	"ema_20":         func(s *Snapshot) Value { return Scalar(s.EMA20) },
	"ema_50":         func(s *Snapshot) Value { return Scalar(s.EMA50) },
	"rsi":            func(s *Snapshot) Value { return Scalar(s.RSI) },
	"atr_pct":        func(s *Snapshot) Value { return Scalar(s.ATRPct) },
	"macd":           func(s *Snapshot) Value { return MACDVal(s.MACD) },
	"bollinger":      func(s *Snapshot) Value { return BandValue(s.BB) },
	"stochastic":     func(s *Snapshot) Value { return StochVal(s.Stoch) },
	"cci":            func(s *Snapshot) Value { return Scalar(s.CCI) },
	"adx":            func(s *Snapshot) Value { return Scalar(s.ADX) },
	"obv":            func(s *Snapshot) Value { return Scalar(s.OBV) },
	"vsop":           func(s *Snapshot) Value { return Scalar(s.VSOP) },
	"bid_pressure":   func(s *Snapshot) Value { return Scalar(s.BidPressure) },
	"spread_pct":     func(s *Snapshot) Value { return Scalar(s.SpreadPct) },
	"trend":          func(s *Snapshot) Value { return TrendValue(s.Trend) },
	"wyckoff_phase":  func(s *Snapshot) Value { return PhaseValue(s.Wyckoff) },
}

// Get resolves an indicator by name for a symbol. Unknown names return
// (nil, false).
func (s *Store) Get(ctx context.Context, name, symbol string) (Value, bool) {
	if extract, ok := snapshotIndicators[name]; ok {
		snapshot, err := s.pipeline.GetMarketAnalysis(ctx, symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Str("indicator", name).Msg("Snapshot unavailable")
			return nil, false
		}
		return extract(snapshot), true
	}

	s.mu.RLock()
	provider, ok := s.providers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return provider.Get(ctx, symbol)
}

// AvailableIndicators lists every name the store can resolve, sorted
func (s *Store) AvailableIndicators() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(snapshotIndicators)+len(s.providers))
	for name := range snapshotIndicators {
		names = append(names, name)
	}
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot exposes the underlying pipeline snapshot for callers that need
// the full feature set rather than a single indicator
func (s *Store) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return s.pipeline.GetMarketAnalysis(ctx, symbol)
}

// FormatValue renders an indicator value for prompts and logs
func FormatValue(v Value) string {
	switch val := v.(type) {
	case Scalar:
		return strconv.FormatFloat(float64(val), 'f', 4, 64)
	case MACDVal:
		return fmt.Sprintf("value=%.4f signal=%.4f hist=%.4f", val.Value, val.Signal, val.Histogram)
	case BandValue:
		return fmt.Sprintf("upper=%.4f mid=%.4f lower=%.4f", val.Upper, val.Mid, val.Lower)
	case StochVal:
		return fmt.Sprintf("k=%.2f d=%.2f", val.K, val.D)
	case PhaseValue:
		return string(val)
	case TrendValue:
		return string(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}
