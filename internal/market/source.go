package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
)

// DataSource provides raw candles and order book depth for a symbol
type DataSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	Depth(ctx context.Context, symbol string, limit int) (*OrderBook, error)
}

// BinanceSource fetches market data from a Binance-compatible REST API
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource creates a market data source. An empty baseURL keeps the
// client's default endpoint; venue-specific deployments override it.
func NewBinanceSource(apiKey, secretKey, baseURL string) *BinanceSource {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceSource{client: client}
}

// Candles fetches OHLCV bars
func (s *BinanceSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	klines, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		c := Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
		}
		c.Open, _ = strconv.ParseFloat(k.Open, 64)
		c.High, _ = strconv.ParseFloat(k.High, 64)
		c.Low, _ = strconv.ParseFloat(k.Low, 64)
		c.Close, _ = strconv.ParseFloat(k.Close, 64)
		c.Volume, _ = strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, c)
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("count", len(candles)).
		Msg("Candles fetched")

	return candles, nil
}

// Depth fetches the order book limited to the given number of levels
func (s *BinanceSource) Depth(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	depth, err := s.client.NewDepthService().
		Symbol(symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch depth for %s: %w", symbol, err)
	}

	book := &OrderBook{}
	for _, b := range depth.Bids {
		price, _ := strconv.ParseFloat(b.Price, 64)
		qty, _ := strconv.ParseFloat(b.Quantity, 64)
		book.Bids = append(book.Bids, [2]float64{price, qty})
	}
	for _, a := range depth.Asks {
		price, _ := strconv.ParseFloat(a.Price, 64)
		qty, _ := strconv.ParseFloat(a.Quantity, 64)
		book.Asks = append(book.Asks, [2]float64{price, qty})
	}

	return book, nil
}
