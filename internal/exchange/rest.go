package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RESTAdapter talks to a centralized-perp venue over signed HTTP/JSON.
// Requests are signed with HMAC-SHA256 over the canonical query string
// and authenticated with the X-MBX-APIKEY header.
type RESTAdapter struct {
	name       string
	apiKey     string
	secret     string
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	structures *StructureRegistry
	nowFunc    func() time.Time
}

// RESTConfig configures a signed REST venue adapter
type RESTConfig struct {
	Name    string
	APIKey  string
	Secret  string
	BaseURL string
	Retry   RetryConfig
}

// NewRESTAdapter creates a signed REST adapter for a venue
func NewRESTAdapter(cfg RESTConfig) *RESTAdapter {
	a := &RESTAdapter{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		secret:  cfg.Secret,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:   cfg.Retry,
		nowFunc: time.Now,
	}
	if a.retry.MaxRetries == 0 {
		a.retry = DefaultRetryConfig()
	}
	a.structures = NewStructureRegistry(a)
	return a
}

// Name returns the venue name
func (a *RESTAdapter) Name() string { return a.name }

// Structures returns the adapter's market structure registry
func (a *RESTAdapter) Structures() *StructureRegistry { return a.structures }

// venueError is a structured error response from the venue
type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *venueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}

func (a *RESTAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// doSigned issues a signed request. params must not include timestamp or
// signature; both are appended here. Encode sorts keys, which gives the
// deterministic parameter order the signature requires.
func (a *RESTAdapter) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(a.nowFunc().UnixMilli(), 10))

	query := params.Encode()
	query += "&signature=" + a.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ve venueError
		if json.Unmarshal(body, &ve) == nil && ve.Msg != "" {
			return nil, &ve
		}
		return nil, fmt.Errorf("venue returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (r orderResponse) toAck() *OrderAck {
	executed, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return &OrderAck{
		OrderID:     strconv.FormatInt(r.OrderID, 10),
		Status:      OrderStatus(r.Status),
		ExecutedQty: executed,
		AvgPrice:    avg,
	}
}

func (a *RESTAdapter) orderParams(req OrderRequest) url.Values {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	params.Set("newClientOrderId", clientID)
	return params
}

// SetLeverage sets the symbol's leverage on the venue
func (a *RESTAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := a.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// PlaceOrder submits an order. Quantity is normalized against the market
// structure first; structural violations are rejected before hitting the
// wire. A leverage rejection is retried once at 1x.
func (a *RESTAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	req.Quantity = a.structures.NormalizeQuantity(req.Symbol, req.Quantity)
	if err := a.structures.ValidateOrder(req.Symbol, req.Quantity, req.Price); err != nil {
		return nil, err
	}

	if req.Leverage > 0 {
		if err := a.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			log.Warn().Err(err).Str("symbol", req.Symbol).Int("leverage", req.Leverage).
				Msg("Leverage change failed, proceeding with current setting")
		}
	}

	ack, err := a.submitOrder(ctx, req)
	if err != nil && IsLeverageRejection(err) {
		log.Warn().Err(err).Str("symbol", req.Symbol).
			Msg("Order rejected over leverage, retrying at 1x")
		if levErr := a.SetLeverage(ctx, req.Symbol, 1); levErr != nil {
			return nil, fmt.Errorf("leverage fallback failed: %w", levErr)
		}
		ack, err = a.submitOrder(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (a *RESTAdapter) submitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	var body []byte
	err := WithRetry(ctx, a.retry, func() error {
		var opErr error
		body, opErr = a.doSigned(ctx, http.MethodPost, "/fapi/v1/order", a.orderParams(req))
		return opErr
	})
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return resp.toAck(), nil
}

// ExecuteTrade places a market order and reports the trade outcome.
// Success requires at least 95% of the requested quantity to fill.
func (a *RESTAdapter) ExecuteTrade(ctx context.Context, req OrderRequest) (*TradeResult, error) {
	if req.Type == "" {
		req.Type = OrderTypeMarket
	}
	ack, err := a.PlaceOrder(ctx, req)
	if err != nil {
		return &TradeResult{Success: false, Venue: a.name}, err
	}

	result := &TradeResult{
		Success:        ack.ExecutedQty >= 0.95*req.Quantity,
		OrderID:        ack.OrderID,
		FilledQuantity: ack.ExecutedQty,
		AvgPrice:       ack.AvgPrice,
		Venue:          a.name,
		Metadata:       map[string]any{"status": string(ack.Status)},
	}

	log.Info().
		Str("venue", a.name).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("requested", req.Quantity).
		Float64("filled", ack.ExecutedQty).
		Float64("avg_price", ack.AvgPrice).
		Bool("success", result.Success).
		Msg("Trade executed")
	return result, nil
}

// CancelOrder cancels an open order
func (a *RESTAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := a.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// QueryOrder fetches the current state of an order
func (a *RESTAdapter) QueryOrder(ctx context.Context, symbol, orderID string) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := a.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("failed to query order %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order status: %w", err)
	}
	return resp.toAck(), nil
}

// GetBalance returns available balance per asset
func (a *RESTAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	body, err := a.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	var entries []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}

	balances := make(map[string]float64, len(entries))
	for _, e := range entries {
		amount, _ := strconv.ParseFloat(e.AvailableBalance, 64)
		balances[e.Asset] = amount
	}
	return balances, nil
}

// GetPositions returns open venue positions with non-zero quantity
func (a *RESTAdapter) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	body, err := a.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	var entries []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}

	var positions []VenuePosition
	for _, e := range entries {
		amount, _ := strconv.ParseFloat(e.PositionAmt, 64)
		if amount == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(e.EntryPrice, 64)
		side := SideBuy
		if amount < 0 {
			side = SideSell
			amount = -amount
		}
		positions = append(positions, VenuePosition{
			Symbol:     e.Symbol,
			Side:       side,
			Quantity:   amount,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

// MarketStructures fetches exchange info and extracts per-symbol constraints
func (a *RESTAdapter) MarketStructures(ctx context.Context) ([]MarketStructure, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange info request failed: %w", err)
	}
	defer resp.Body.Close()

	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			QuantityPrecision int    `json:"quantityPrecision"`
			PricePrecision    int    `json:"pricePrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode exchange info: %w", err)
	}

	structures := make([]MarketStructure, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		entry := MarketStructure{
			Symbol:            s.Symbol,
			QuantityPrecision: s.QuantityPrecision,
			PricePrecision:    s.PricePrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				entry.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
				entry.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			case "MIN_NOTIONAL", "NOTIONAL":
				if f.Notional != "" {
					entry.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
				} else {
					entry.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
				}
			}
		}
		structures = append(structures, entry)
	}
	return structures, nil
}

// Close is a no-op for the REST adapter
func (a *RESTAdapter) Close() error { return nil }
