package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PriceBook holds the latest traded price per symbol, fed by the trade
// stream and read by the scanner, execution algorithms, and position
// monitoring.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]Trade
}

// NewPriceBook creates an empty price book
func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[string]Trade)}
}

// Update records the latest trade for a symbol
func (b *PriceBook) Update(trade Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[trade.Symbol] = trade
}

// Price returns the latest price for a symbol
func (b *PriceBook) Price(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	trade, ok := b.prices[symbol]
	if !ok {
		return 0, false
	}
	return trade.Price, true
}

// Prices returns a snapshot of all latest prices
func (b *PriceBook) Prices() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.prices))
	for symbol, trade := range b.prices {
		out[symbol] = trade.Price
	}
	return out
}

// streamMessage is the combined-stream trade envelope
type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

// TradeStream consumes a combined trade stream over WebSocket and keeps
// the price book current. Reconnects with a 1s backoff on any close.
type TradeStream struct {
	url       string
	symbols   []string
	book      *PriceBook
	onTrade   func(Trade)
	reconnect time.Duration
}

// NewTradeStream creates a stream listener for the given symbols
func NewTradeStream(baseURL string, symbols []string, book *PriceBook) *TradeStream {
	return &TradeStream{
		url:       buildStreamURL(baseURL, symbols),
		symbols:   symbols,
		book:      book,
		reconnect: time.Second,
	}
}

// OnTrade registers a callback invoked for every trade tick
func (s *TradeStream) OnTrade(fn func(Trade)) { s.onTrade = fn }

func buildStreamURL(baseURL string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, symbol := range symbols {
		streams[i] = strings.ToLower(symbol) + "@trade"
	}
	return strings.TrimRight(baseURL, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Run consumes the stream until the context is cancelled
func (s *TradeStream) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("url", s.url).Msg("Trade stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

func (s *TradeStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Int("symbols", len(s.symbols)).Msg("Trade stream connected")

	// Unblock ReadMessage when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Msg("Skipping malformed stream message")
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}

		price, err := strconv.ParseFloat(msg.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		qty, _ := strconv.ParseFloat(msg.Data.Quantity, 64)

		trade := Trade{
			Symbol:    msg.Data.Symbol,
			Price:     price,
			Quantity:  qty,
			Timestamp: time.UnixMilli(msg.Data.TradeTime),
		}
		s.book.Update(trade)
		if s.onTrade != nil {
			s.onTrade(trade)
		}
	}
}
