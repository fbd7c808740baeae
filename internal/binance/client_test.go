package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tradebot-engine/internal/exchange"
)

const (
	testAPIKey    = "test-api-key"
	testSecretKey = "test-secret"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","filters":[
	{"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000.00","tickSize":"0.01"},
	{"filterType":"LOT_SIZE","minQty":"0.00001","maxQty":"9000.00000000","stepSize":"0.00001"},
	{"filterType":"NOTIONAL","minNotional":"5.00000000","applyMinToMarket":true}
]}]}`

// fakeBinance is a minimal spot REST server
type fakeBinance struct {
	t *testing.T

	mu        sync.Mutex
	lastOrder map[string]string
	orderCode int    // HTTP status for POST /api/v3/order
	orderBody string // Body for a failing order
	down      bool
}

func (f *fakeBinance) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		if f.down {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code":-1001,"msg":"Internal error; unable to process your request."}`))
			return
		}

		switch r.URL.Path {
		case "/api/v3/ping":
			w.Write([]byte(`{}`))
		case "/api/v3/account":
			if !f.checkSigned(w, r) {
				return
			}
			w.Write([]byte(`{"canTrade":true,"updateTime":1700000000000,"balances":[
				{"asset":"USDT","free":"1000.50","locked":"10.00"},
				{"asset":"BTC","free":"0.01000000","locked":"0.00000000"}]}`))
		case "/api/v3/exchangeInfo":
			w.Write([]byte(exchangeInfoJSON))
		case "/api/v3/ticker/24hr":
			w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"45000.10","priceChangePercent":"-1.25","volume":"1234.5","closeTime":1700000000000}`))
		case "/api/v3/klines":
			w.Write([]byte(`[[1700000000000,"100.0","110.0","95.0","105.0","12.5",1700000059999,"1312.5",42,"6.0","630.0","0"],
				[1700000060000,"105.0","108.0","101.0","102.0","8.0",1700000119999,"816.0",30,"4.0","408.0","0"]]`))
		case "/api/v3/depth":
			if got := r.URL.Query().Get("limit"); got != "20" {
				f.t.Errorf("Expected depth limit normalized to 20, got %s", got)
			}
			w.Write([]byte(`{"lastUpdateId":1,"bids":[["44999.00","1.5"],["44998.00","2.0"]],"asks":[["45001.00","0.5"]]}`))
		case "/api/v3/order":
			if !f.checkSigned(w, r) {
				return
			}
			f.lastOrder = map[string]string{}
			for k, v := range r.URL.Query() {
				f.lastOrder[k] = v[0]
			}
			if f.orderCode != 0 {
				w.WriteHeader(f.orderCode)
				w.Write([]byte(f.orderBody))
				return
			}
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"` + r.URL.Query().Get("newClientOrderId") + `",
				"transactTime":1700000000000,"price":"0.00000000","origQty":"0.00123000","executedQty":"0.00123000",
				"cummulativeQuoteQty":"55.35000000","status":"FILLED","type":"MARKET","side":"BUY"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":-1,"msg":"not found"}`))
		}
	})
}

func (f *fakeBinance) checkSigned(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-MBX-APIKEY") != testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
		return false
	}
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if idx < 0 {
		f.t.Errorf("Signed request without signature: %s", raw)
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	mac := hmac.New(sha256.New, []byte(testSecretKey))
	mac.Write([]byte(raw[:idx]))
	if want := hex.EncodeToString(mac.Sum(nil)); raw[idx+len("&signature="):] != want {
		f.t.Errorf("Bad signature for %s", raw[:idx])
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
		return false
	}
	if r.URL.Query().Get("timestamp") == "" || r.URL.Query().Get("recvWindow") == "" {
		f.t.Errorf("Signed request missing timestamp/recvWindow: %s", raw)
	}
	return true
}

func newTestClient(t *testing.T, apiKey string) (*Client, *fakeBinance) {
	t.Helper()
	fake := &fakeBinance{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(apiKey, testSecretKey, srv.URL, WithRateLimiter(NewRateLimiter(6000))), fake
}

func connectedClient(t *testing.T) (*Client, *fakeBinance) {
	t.Helper()
	c, fake := newTestClient(t, testAPIKey)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, fake
}

func TestClient_RequiresConnect(t *testing.T) {
	c, _ := newTestClient(t, testAPIKey)
	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	if !errors.Is(err, exchange.ErrNotConnected) || !exchange.IsConnectionError(err) {
		t.Errorf("Expected not-connected ConnectionError, got %v", err)
	}
}

func TestClient_ConnectRejectsBadCredentials(t *testing.T) {
	c, _ := newTestClient(t, "wrong-key")
	err := c.Connect(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != -2015 {
		t.Fatalf("Expected APIError -2015, got %v", err)
	}
	if c.IsConnected() {
		t.Error("Client must stay disconnected after failed Connect")
	}
}

func TestClient_MarketData(t *testing.T) {
	c, _ := connectedClient(t)
	ctx := context.Background()

	ticker, err := c.GetTicker(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker.Price != 45000.10 || ticker.PriceChangePercent != -1.25 {
		t.Errorf("Unexpected ticker %+v", ticker)
	}

	candles, err := c.GetCandles(ctx, "BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 2 || candles[0].Close != 105 || candles[1].Low != 101 || candles[0].Volume != 12.5 {
		t.Errorf("Unexpected candles %+v", candles)
	}
	if candles[0].OpenTime.UnixMilli() != 1700000000000 {
		t.Errorf("Unexpected open time %v", candles[0].OpenTime)
	}

	book, err := c.GetOrderBook(ctx, "BTCUSDT", 15)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if book.BestBid() != 44999 || book.BestAsk() != 45001 || len(book.Bids) != 2 {
		t.Errorf("Unexpected book %+v", book)
	}
}

func TestClient_AccountAndBalances(t *testing.T) {
	c, _ := connectedClient(t)
	ctx := context.Background()

	bals, err := c.GetBalance(ctx, "USDT")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if len(bals) != 1 || bals[0].Free != 1000.5 || bals[0].Total() != 1010.5 {
		t.Errorf("Unexpected USDT balance %+v", bals)
	}

	bals, _ = c.GetBalance(ctx, "ETH")
	if len(bals) != 1 || bals[0].Asset != "ETH" || bals[0].Total() != 0 {
		t.Errorf("Missing asset should report zero, got %+v", bals)
	}

	all, _ := c.GetBalance(ctx, "")
	if len(all) != 2 {
		t.Errorf("Expected 2 non-zero balances, got %+v", all)
	}
}

func TestClient_ExchangeInfoFilters(t *testing.T) {
	c, _ := connectedClient(t)
	info, err := c.GetExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("GetExchangeInfo: %v", err)
	}
	r, ok := info.Symbols["BTCUSDT"]
	if !ok {
		t.Fatal("BTCUSDT missing")
	}
	if r.StepSize != 0.00001 || r.MinQty != 0.00001 || r.MaxQty != 9000 || r.TickSize != 0.01 || r.MinNotional != 5 {
		t.Errorf("Unexpected rules %+v", r)
	}
	if r.BaseAsset != "BTC" || r.QuoteAsset != "USDT" {
		t.Errorf("Unexpected assets %+v", r)
	}
}

func TestClient_PlaceMarketOrder(t *testing.T) {
	c, fake := connectedClient(t)

	order, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Quantity:      0.00123,
		ClientOrderID: "tbabc",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != exchange.OrderStatusFilled || order.ExecutedQty != 0.00123 || order.ID != "28" {
		t.Errorf("Unexpected order %+v", order)
	}
	if math.Abs(order.AvgPrice-45000) > 1e-6 {
		t.Errorf("Expected avg price 45000 from quote qty, got %v", order.AvgPrice)
	}

	fake.mu.Lock()
	sent := fake.lastOrder
	fake.mu.Unlock()
	if sent["quantity"] != "0.00123" || sent["newClientOrderId"] != "tbabc" || sent["type"] != "MARKET" {
		t.Errorf("Unexpected order params %v", sent)
	}
}

func TestClient_PlaceOrderValidatesLocally(t *testing.T) {
	c, fake := connectedClient(t)
	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: 0.000001,
	})
	if !exchange.IsOrderRejection(err) {
		t.Fatalf("Expected local rejection, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastOrder != nil {
		t.Error("Invalid order must not reach the exchange")
	}
}

func TestClient_OrderErrors(t *testing.T) {
	tests := []struct {
		name           string
		code           int
		body           string
		wantRejection  bool
		wantConnection bool
	}{
		{"insufficient balance", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, true, false},
		{"server error", http.StatusBadGateway, `bad gateway`, false, true},
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake := connectedClient(t)
			fake.mu.Lock()
			fake.orderCode, fake.orderBody = tt.code, tt.body
			fake.mu.Unlock()

			_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
				Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: 0.001,
			})
			if exchange.IsOrderRejection(err) != tt.wantRejection || exchange.IsConnectionError(err) != tt.wantConnection {
				t.Fatalf("Unexpected error classification: %v", err)
			}
			if tt.wantRejection {
				var rej *exchange.OrderRejectionError
				errors.As(err, &rej)
				if rej.Code != -2010 {
					t.Errorf("Expected Binance code -2010, got %d", rej.Code)
				}
			}
		})
	}
}

func TestClient_ServerDownIsConnectionError(t *testing.T) {
	c, fake := connectedClient(t)
	fake.mu.Lock()
	fake.down = true
	fake.mu.Unlock()

	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	if !exchange.IsConnectionError(err) {
		t.Errorf("Expected ConnectionError for 503, got %v", err)
	}
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(testAPIKey, testSecretKey, url, WithRateLimiter(NewRateLimiter(6000)))
	if err := c.Connect(context.Background()); !exchange.IsConnectionError(err) {
		t.Errorf("Expected ConnectionError for closed server, got %v", err)
	}
}

func TestClient_UpdatesLimiterFromHeaders(t *testing.T) {
	c, _ := connectedClient(t)
	if used, _ := c.limiter.Usage(); used < 42 {
		t.Errorf("Expected tracked weight >= 42 from headers, got %d", used)
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[string]exchange.OrderStatus{
		"NEW":              exchange.OrderStatusNew,
		"PARTIALLY_FILLED": exchange.OrderStatusPartiallyFilled,
		"FILLED":           exchange.OrderStatusFilled,
		"EXPIRED":          exchange.OrderStatusCanceled,
		"REJECTED":         exchange.OrderStatusRejected,
	}
	for in, want := range tests {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
