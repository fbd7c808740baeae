package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/precision"
)

// APIError is an error response from the Binance REST API
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error (http %d, code %d): %s", e.StatusCode, e.Code, e.Msg)
}

// Client is a spot REST adapter implementing exchange.Exchange
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int
	httpClient *http.Client
	limiter    *RateLimiter
	rules      *exchange.RulesCache
	connected  atomic.Bool
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter replaces the process-wide rate limiter
func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithRecvWindow sets the signed request validity window in milliseconds
func WithRecvWindow(ms int) ClientOption {
	return func(c *Client) { c.recvWindow = ms }
}

func NewClient(apiKey, secretKey, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: 5000,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    GetRateLimiter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rules = exchange.NewRulesCache(c)
	return c
}

func (c *Client) Name() string { return "binance" }

// Connect checks reachability and, when credentials are set, that they are accepted
func (c *Client) Connect(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/v3/ping", nil, false, PriorityHigh, nil); err != nil {
		return err
	}
	if c.apiKey != "" {
		var acct accountResponse
		if err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{"omitZeroBalances": {"true"}}, true, PriorityHigh, &acct); err != nil {
			return fmt.Errorf("verify credentials: %w", err)
		}
	}
	c.connected.Store(true)
	return nil
}

func (c *Client) Disconnect() error {
	c.connected.Store(false)
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) ensureConnected(op string) error {
	if !c.connected.Load() {
		return exchange.NewConnectionError(op, exchange.ErrNotConnected)
	}
	return nil
}

type ticker24hr struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	Volume             float64 `json:"volume,string"`
	CloseTime          int64   `json:"closeTime"`
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if err := c.ensureConnected("get ticker"); err != nil {
		return nil, err
	}
	var t ticker24hr
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, false, PriorityNormal, &t); err != nil {
		return nil, err
	}
	return &exchange.Ticker{
		Symbol:             t.Symbol,
		Price:              t.LastPrice,
		PriceChangePercent: t.PriceChangePercent,
		Volume:             t.Volume,
		Time:               time.UnixMilli(t.CloseTime),
	}, nil
}

func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	if err := c.ensureConnected("get candles"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/v3/klines", params, false, PriorityNormal, &raw); err != nil {
		return nil, err
	}

	candles := make([]exchange.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			return nil, fmt.Errorf("malformed kline with %d fields", len(k))
		}
		candles = append(candles, exchange.Candle{
			OpenTime:  time.UnixMilli(int64(parseFloat(k[0]))),
			Open:      parseFloat(k[1]),
			High:      parseFloat(k[2]),
			Low:       parseFloat(k[3]),
			Close:     parseFloat(k[4]),
			Volume:    parseFloat(k[5]),
			CloseTime: time.UnixMilli(int64(parseFloat(k[6]))),
		})
	}
	return candles, nil
}

var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	if err := c.ensureConnected("get order book"); err != nil {
		return nil, err
	}
	limit := depthLimits[len(depthLimits)-1]
	for _, l := range depthLimits {
		if depth <= l {
			limit = l
			break
		}
	}

	var resp struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/depth", params, false, PriorityNormal, &resp); err != nil {
		return nil, err
	}

	book := &exchange.OrderBook{Symbol: symbol, Bids: parseLevels(resp.Bids), Asks: parseLevels(resp.Asks)}
	if depth > 0 {
		if len(book.Bids) > depth {
			book.Bids = book.Bids[:depth]
		}
		if len(book.Asks) > depth {
			book.Asks = book.Asks[:depth]
		}
	}
	return book, nil
}

type accountResponse struct {
	CanTrade   bool  `json:"canTrade"`
	UpdateTime int64 `json:"updateTime"`
	Balances   []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"balances"`
}

func (c *Client) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	if err := c.ensureConnected("get account"); err != nil {
		return nil, err
	}
	var acct accountResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{"omitZeroBalances": {"true"}}, true, PriorityHigh, &acct); err != nil {
		return nil, err
	}

	info := &exchange.AccountInfo{CanTrade: acct.CanTrade, UpdateTime: time.UnixMilli(acct.UpdateTime)}
	for _, b := range acct.Balances {
		info.Balances = append(info.Balances, exchange.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return info, nil
}

func (c *Client) GetBalance(ctx context.Context, asset string) ([]exchange.Balance, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	var out []exchange.Balance
	for _, b := range info.Balances {
		if asset != "" && b.Asset != asset {
			continue
		}
		if asset == "" && b.Total() == 0 {
			continue
		}
		out = append(out, b)
	}
	if asset != "" && len(out) == 0 {
		out = []exchange.Balance{{Asset: asset}}
	}
	return out, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string                   `json:"symbol"`
		Status     string                   `json:"status"`
		BaseAsset  string                   `json:"baseAsset"`
		QuoteAsset string                   `json:"quoteAsset"`
		Filters    []map[string]interface{} `json:"filters"`
	} `json:"symbols"`
}

func (c *Client) GetExchangeInfo(ctx context.Context) (*exchange.ExchangeInfo, error) {
	if err := c.ensureConnected("get exchange info"); err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false, PriorityHigh, &resp); err != nil {
		return nil, err
	}

	info := &exchange.ExchangeInfo{Symbols: make(map[string]exchange.SymbolRules, len(resp.Symbols))}
	for _, s := range resp.Symbols {
		rules := exchange.SymbolRules{Symbol: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				rules.MinQty = parseFloat(f["minQty"])
				rules.MaxQty = parseFloat(f["maxQty"])
				rules.StepSize = parseFloat(f["stepSize"])
			case "PRICE_FILTER":
				rules.TickSize = parseFloat(f["tickSize"])
			case "MIN_NOTIONAL", "NOTIONAL":
				if v := parseFloat(f["minNotional"]); v > rules.MinNotional {
					rules.MinNotional = v
				}
			}
		}
		info.Symbols[s.Symbol] = rules
	}
	return info, nil
}

type orderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Time                int64   `json:"time"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

func (o orderResponse) toOrder() exchange.Order {
	created := o.TransactTime
	if created == 0 {
		created = o.Time
	}
	order := exchange.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          exchange.Side(o.Side),
		Type:          exchange.OrderType(o.Type),
		Status:        mapStatus(o.Status),
		Quantity:      o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		Price:         o.Price,
		CreatedAt:     time.UnixMilli(created),
	}
	if o.ExecutedQty > 0 && o.CummulativeQuoteQty > 0 {
		order.AvgPrice = o.CummulativeQuoteQty / o.ExecutedQty
	}
	return order
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return exchange.OrderStatusNew
	case "PARTIALLY_FILLED":
		return exchange.OrderStatusPartiallyFilled
	case "FILLED":
		return exchange.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.OrderStatusCanceled
	case "REJECTED":
		return exchange.OrderStatusRejected
	}
	return exchange.OrderStatus(s)
}

// PlaceOrder validates req against the symbol's rules and submits it.
// Quantities are sent exactly as given, formatted to the step size.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if err := c.ensureConnected("place order"); err != nil {
		return nil, err
	}
	rules, err := c.rules.Get(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := exchange.ValidateOrder(rules, req, 0); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", precision.Format(req.Quantity, rules.StepSize))
	params.Set("newOrderRespType", "FULL")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Type == exchange.OrderTypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", precision.Format(precision.RoundPrice(req.Price, rules.TickSize), rules.TickSize))
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true, PriorityCritical, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, &exchange.OrderRejectionError{Symbol: req.Symbol, Code: apiErr.Code, Reason: apiErr.Msg}
		}
		return nil, err
	}

	order := resp.toOrder()
	return &order, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	if err := c.ensureConnected("get open orders"); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []orderResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", params, true, PriorityHigh, &resp); err != nil {
		return nil, err
	}
	orders := make([]exchange.Order, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.ensureConnected("cancel order"); err != nil {
		return err
	}
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	return c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, PriorityCritical, nil)
}

// do sends one request. Transport failures, 5xx and rate limiting come back as
// *exchange.ConnectionError; other non-2xx responses as *APIError.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, signed bool, priority RequestPriority, out interface{}) error {
	op := method + " " + endpoint
	if params == nil {
		params = url.Values{}
	}

	if err := c.limiter.Wait(ctx, endpoint, priority); err != nil {
		return exchange.NewConnectionError(op, err)
	}

	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewConnectionError(op, err)
	}
	defer resp.Body.Close()

	if used, err := strconv.Atoi(resp.Header.Get("X-MBX-USED-WEIGHT-1M")); err == nil {
		c.limiter.UpdateFromHeaders(used)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewConnectionError(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		logging.BinanceAPIContext(endpoint, map[string]string{"method": method, "symbol": params.Get("symbol")}).
			WithDuration(time.Since(start)).
			Warn("Binance request failed", "status", resp.StatusCode, "code", apiErr.Code, "msg", apiErr.Msg)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
			retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			c.limiter.RecordRateLimitError(time.Duration(retryAfter) * time.Second)
			return exchange.NewConnectionError(op, apiErr)
		case resp.StatusCode >= 500:
			return exchange.NewConnectionError(op, apiErr)
		default:
			return apiErr
		}
	}

	c.limiter.RecordSuccess()
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseLevels(raw [][]string) []exchange.PriceLevel {
	levels := make([]exchange.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		levels = append(levels, exchange.PriceLevel{Price: parseFloat(l[0]), Quantity: parseFloat(l[1])})
	}
	return levels
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	case json.Number:
		f, _ := val.Float64()
		return f
	}
	return 0
}

var _ exchange.Exchange = (*Client)(nil)
