package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// MarketStructure holds per-symbol order constraints established at startup
type MarketStructure struct {
	Symbol            string  `json:"symbol"`
	QuantityPrecision int     `json:"quantity_precision"`
	PricePrecision    int     `json:"price_precision"`
	MinQty            float64 `json:"min_qty"`
	StepSize          float64 `json:"step_size"`
	MinNotional       float64 `json:"min_notional"`
}

// StructureSource fetches market structure from a venue
type StructureSource interface {
	MarketStructures(ctx context.Context) ([]MarketStructure, error)
}

// StructureRegistry caches per-symbol market structure and validates orders
// before they reach the wire.
type StructureRegistry struct {
	mu      sync.RWMutex
	entries map[string]MarketStructure
	source  StructureSource
}

// NewStructureRegistry creates an empty registry backed by source
func NewStructureRegistry(source StructureSource) *StructureRegistry {
	return &StructureRegistry{
		entries: make(map[string]MarketStructure),
		source:  source,
	}
}

// Refresh reloads all entries from the source
func (r *StructureRegistry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	structures, err := r.source.MarketStructures(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh market structures: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range structures {
		r.entries[s.Symbol] = s
	}
	log.Info().Int("symbols", len(structures)).Msg("Market structures refreshed")
	return nil
}

// Set registers a structure entry directly
func (r *StructureRegistry) Set(s MarketStructure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.Symbol] = s
}

// Get returns the structure for a symbol
func (r *StructureRegistry) Get(symbol string) (MarketStructure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[symbol]
	return s, ok
}

// NormalizeQuantity rounds a quantity down to the symbol's step size.
// Symbols without a registered structure pass through unchanged.
func (r *StructureRegistry) NormalizeQuantity(symbol string, qty float64) float64 {
	s, ok := r.Get(symbol)
	if !ok || s.StepSize <= 0 {
		return qty
	}
	steps := math.Floor(qty / s.StepSize)
	normalized := steps * s.StepSize
	// Trim float dust introduced by the division
	scale := math.Pow(10, float64(s.QuantityPrecision))
	return math.Floor(normalized*scale) / scale
}

// ValidateOrder checks an order against the symbol's constraints. The
// quantity must already be normalized; price is the expected fill price
// for notional purposes.
func (r *StructureRegistry) ValidateOrder(symbol string, qty, price float64) error {
	s, ok := r.Get(symbol)
	if !ok {
		return nil
	}
	if qty < s.MinQty {
		return fmt.Errorf("quantity %.8f below min_qty %.8f for %s", qty, s.MinQty, symbol)
	}
	if price > 0 && qty*price < s.MinNotional {
		return fmt.Errorf("notional %.2f below min_notional %.2f for %s", qty*price, s.MinNotional, symbol)
	}
	return nil
}
