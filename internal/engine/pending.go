package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/memory"
)

// pendingExit is a resting native TP or SL order awaiting fill
type pendingExit struct {
	symbol    string
	orderID   string
	venueHint string
	reason    memory.ExitReason
}

// pendingBook tracks resting venue orders between ticks
type pendingBook struct {
	mu    sync.Mutex
	exits map[string]pendingExit // keyed by order ID
}

func newPendingBook() *pendingBook {
	return &pendingBook{exits: make(map[string]pendingExit)}
}

func (b *pendingBook) track(exit pendingExit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exits[exit.orderID] = exit
}

// dropSymbol forgets all tracked orders for a symbol, called when the
// position closes through any path
func (b *pendingBook) dropSymbol(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for orderID, exit := range b.exits {
		if exit.symbol == symbol {
			delete(b.exits, orderID)
		}
	}
}

func (b *pendingBook) snapshot() []pendingExit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pendingExit, 0, len(b.exits))
	for _, exit := range b.exits {
		out = append(out, exit)
	}
	return out
}

func (b *pendingBook) remove(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exits, orderID)
}

func (b *pendingBook) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exits)
}

// pollPending queries the venue for every tracked order. A filled exit
// realizes the close without a new order; terminal non-fills are
// dropped; query errors leave the order tracked for the next tick.
func (e *Engine) pollPending(ctx context.Context) {
	for _, exit := range e.pending.snapshot() {
		if _, open := e.positions.Get(exit.symbol); !open {
			e.pending.remove(exit.orderID)
			continue
		}

		adapter, err := e.router.Route(exit.symbol, exit.venueHint)
		if err != nil {
			e.pending.remove(exit.orderID)
			continue
		}
		ack, err := adapter.QueryOrder(ctx, exit.symbol, exit.orderID)
		if err != nil {
			log.Debug().Err(err).Str("symbol", exit.symbol).Str("order_id", exit.orderID).Msg("Pending order query failed")
			continue
		}
		if ack == nil {
			continue
		}

		switch {
		case ack.Status == exchange.OrderStatusFilled:
			// dropSymbol runs inside the close callback
			e.positions.RealizeExternal(ctx, exit.symbol, ack.AvgPrice, exit.orderID, exit.reason)
		case ack.Status.Terminal():
			e.pending.remove(exit.orderID)
		}
	}
}
