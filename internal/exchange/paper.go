package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PriceSource supplies the current price for a symbol
type PriceSource func(symbol string) (float64, bool)

// PaperFees models fill costs for the paper adapter
type PaperFees struct {
	Taker        float64
	BaseSlippage float64
	MarketImpact float64
	MaxSlippage  float64
}

// DefaultPaperFees returns venue-typical fee and slippage parameters
func DefaultPaperFees() PaperFees {
	return PaperFees{
		Taker:        0.001,
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
	}
}

// PaperAdapter simulates a venue for paper trading. Fills are immediate at
// the current price plus modeled slippage, and positions are tracked
// internally so reconciliation behaves like a live venue.
type PaperAdapter struct {
	name   string
	prices PriceSource
	fees   PaperFees

	mu        sync.RWMutex
	orders    map[string]*OrderAck
	positions map[string]*VenuePosition
	balances  map[string]float64
}

// NewPaperAdapter creates a paper adapter with the given starting balance
func NewPaperAdapter(name string, prices PriceSource, startingBalance float64) *PaperAdapter {
	log.Info().
		Str("venue", name).
		Float64("starting_balance", startingBalance).
		Msg("Paper adapter initialized")
	return &PaperAdapter{
		name:      name,
		prices:    prices,
		fees:      DefaultPaperFees(),
		orders:    make(map[string]*OrderAck),
		positions: make(map[string]*VenuePosition),
		balances:  map[string]float64{"USDT": startingBalance},
	}
}

// Name returns the venue name
func (p *PaperAdapter) Name() string { return p.name }

func (p *PaperAdapter) fillPrice(symbol string, side Side, qty float64) (float64, error) {
	price, ok := p.prices(symbol)
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no price available for %s", symbol)
	}
	slippage := p.fees.BaseSlippage + p.fees.MarketImpact*qty
	if slippage > p.fees.MaxSlippage {
		slippage = p.fees.MaxSlippage
	}
	if side == SideBuy {
		return price * (1 + slippage), nil
	}
	return price * (1 - slippage), nil
}

// PlaceOrder fills the order immediately at the slipped price
func (p *PaperAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %.8f", req.Quantity)
	}
	price, err := p.fillPrice(req.Symbol, req.Side, req.Quantity)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ack := &OrderAck{
		OrderID:     uuid.New().String(),
		Status:      OrderStatusFilled,
		ExecutedQty: req.Quantity,
		AvgPrice:    price,
	}
	p.orders[ack.OrderID] = ack
	p.applyFill(req, price)
	p.balances["USDT"] -= req.Quantity * price * p.fees.Taker
	return ack, nil
}

// applyFill updates the simulated position book. Caller holds the lock.
func (p *PaperAdapter) applyFill(req OrderRequest, price float64) {
	pos, exists := p.positions[req.Symbol]
	if !exists {
		if req.ReduceOnly {
			return
		}
		p.positions[req.Symbol] = &VenuePosition{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			EntryPrice: price,
		}
		return
	}

	if pos.Side == req.Side {
		total := pos.Quantity + req.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*req.Quantity) / total
		pos.Quantity = total
		return
	}

	// Opposite side reduces or flips
	if req.Quantity >= pos.Quantity {
		remaining := req.Quantity - pos.Quantity
		pnl := (price - pos.EntryPrice) * pos.Quantity
		if pos.Side == SideSell {
			pnl = -pnl
		}
		p.balances["USDT"] += pnl
		delete(p.positions, req.Symbol)
		if remaining > 0 && !req.ReduceOnly {
			p.positions[req.Symbol] = &VenuePosition{
				Symbol:     req.Symbol,
				Side:       req.Side,
				Quantity:   remaining,
				EntryPrice: price,
			}
		}
		return
	}

	pnl := (price - pos.EntryPrice) * req.Quantity
	if pos.Side == SideSell {
		pnl = -pnl
	}
	p.balances["USDT"] += pnl
	pos.Quantity -= req.Quantity
}

// ExecuteTrade places a market order and reports the outcome
func (p *PaperAdapter) ExecuteTrade(ctx context.Context, req OrderRequest) (*TradeResult, error) {
	if req.Type == "" {
		req.Type = OrderTypeMarket
	}
	ack, err := p.PlaceOrder(ctx, req)
	if err != nil {
		return &TradeResult{Success: false, Venue: p.name}, err
	}
	return &TradeResult{
		Success:        true,
		OrderID:        ack.OrderID,
		FilledQuantity: ack.ExecutedQty,
		AvgPrice:       ack.AvgPrice,
		Venue:          p.name,
		Metadata:       map[string]any{"paper": true},
	}, nil
}

// CancelOrder is a no-op for already-filled paper orders
func (p *PaperAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	return nil
}

// QueryOrder returns a previously placed order
func (p *PaperAdapter) QueryOrder(ctx context.Context, symbol, orderID string) (*OrderAck, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ack, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	out := *ack
	return &out, nil
}

// GetBalance returns the simulated balances
func (p *PaperAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(p.balances))
	for asset, amount := range p.balances {
		out[asset] = amount
	}
	return out, nil
}

// GetPositions returns the simulated open positions
func (p *PaperAdapter) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]VenuePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// Close is a no-op for the paper adapter
func (p *PaperAdapter) Close() error { return nil }

// SetFees overrides the fee model (tests)
func (p *PaperAdapter) SetFees(fees PaperFees) { p.fees = fees }
