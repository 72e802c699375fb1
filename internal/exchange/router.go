package exchange

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Router picks the venue adapter for a symbol. Each adapter owns a
// universe of symbols; an explicit venue hint overrides membership.
type Router struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	universes map[string]string // symbol -> venue name
	fallback  string
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		adapters:  make(map[string]Adapter),
		universes: make(map[string]string),
	}
}

// Register adds an adapter and claims its symbol universe. The first
// registered adapter becomes the fallback for unknown symbols.
func (r *Router) Register(adapter Adapter, symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	r.adapters[name] = adapter
	for _, symbol := range symbols {
		r.universes[symbol] = name
	}
	if r.fallback == "" {
		r.fallback = name
	}
	log.Info().Str("venue", name).Int("symbols", len(symbols)).Msg("Venue adapter registered")
}

// Route resolves the adapter for a symbol. venueHint, when non-empty,
// wins over universe membership.
func (r *Router) Route(symbol, venueHint string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if venueHint != "" {
		if adapter, ok := r.adapters[venueHint]; ok {
			return adapter, nil
		}
		return nil, fmt.Errorf("unknown venue hint %q for %s", venueHint, symbol)
	}
	if name, ok := r.universes[symbol]; ok {
		return r.adapters[name], nil
	}
	if r.fallback != "" {
		return r.adapters[r.fallback], nil
	}
	return nil, fmt.Errorf("no adapter registered for %s", symbol)
}

// Adapters returns all registered adapters
func (r *Router) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Close closes every registered adapter
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, adapter := range r.adapters {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s adapter: %w", name, err)
		}
	}
	return firstErr
}
