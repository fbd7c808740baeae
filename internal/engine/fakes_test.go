package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/strategy"
)

// fakeExchange is a scriptable in-memory venue
type fakeExchange struct {
	mu        sync.Mutex
	price     float64
	rules     exchange.SymbolRules
	quoteFree float64
	orders    []exchange.OrderRequest

	connectErr  error
	connected   atomic.Bool
	disconnects atomic.Int32

	tickerCalls atomic.Int32
	tickerFn    func(call int32) error // Optional per-call hook, may block
	placeFn     func(req exchange.OrderRequest) (*exchange.Order, error)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		price:     45000,
		quoteFree: 10000,
		rules: exchange.SymbolRules{
			Symbol:      "BTCUSDT",
			BaseAsset:   "BTC",
			QuoteAsset:  "USDT",
			MinQty:      0.00001,
			MaxQty:      9000,
			StepSize:    0.00001,
			TickSize:    0.01,
			MinNotional: 10,
		},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeExchange) Disconnect() error {
	f.connected.Store(false)
	f.disconnects.Add(1)
	return nil
}

func (f *fakeExchange) IsConnected() bool { return f.connected.Load() }

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	call := f.tickerCalls.Add(1)
	if f.tickerFn != nil {
		if err := f.tickerFn(call); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &exchange.Ticker{Symbol: symbol, Price: f.price, Time: time.Now()}, nil
}

func (f *fakeExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Candle, limit)
	for i := range out {
		out[i] = exchange.Candle{Open: f.price, High: f.price, Low: f.price, Close: f.price}
	}
	return out, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{Symbol: symbol}, nil
}

func (f *fakeExchange) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	bals, _ := f.GetBalance(ctx, "")
	return &exchange.AccountInfo{CanTrade: true, Balances: bals}, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, asset string) ([]exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []exchange.Balance{{Asset: "USDT", Free: f.quoteFree}}, nil
}

func (f *fakeExchange) GetExchangeInfo(ctx context.Context) (*exchange.ExchangeInfo, error) {
	return &exchange.ExchangeInfo{Symbols: map[string]exchange.SymbolRules{f.rules.Symbol: f.rules}}, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	price := f.price
	f.mu.Unlock()

	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return &exchange.Order{
		ID:            fmt.Sprintf("%d", time.Now().UnixNano()),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        exchange.OrderStatusFilled,
		Quantity:      req.Quantity,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		CreatedAt:     time.Now(),
	}, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func (f *fakeExchange) placed() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.orders...)
}

// fakeResolver hands out one exchange per user
type fakeResolver struct {
	mu      sync.Mutex
	ex      map[string]*fakeExchange
	failing map[string]error
	calls   atomic.Int32
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ex: make(map[string]*fakeExchange), failing: make(map[string]error)}
}

func (r *fakeResolver) Resolve(ctx context.Context, userID string, paper bool) (exchange.Exchange, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failing[userID]; ok {
		return nil, err
	}
	ex, ok := r.ex[userID]
	if !ok {
		ex = newFakeExchange()
		r.ex[userID] = ex
	}
	return ex, nil
}

func (r *fakeResolver) exchangeFor(userID string) *fakeExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.ex[userID]
	if !ok {
		ex = newFakeExchange()
		r.ex[userID] = ex
	}
	return ex
}

// venueResolver always resolves to the same exchange
type venueResolver struct {
	ex exchange.Exchange
}

func (r venueResolver) Resolve(ctx context.Context, userID string, paper bool) (exchange.Exchange, error) {
	return r.ex, nil
}

// memStats is an in-memory StatsStore
type memStats struct {
	mu      sync.Mutex
	records map[string]PersistedBotStats
	saveErr error
}

func newMemStats() *memStats {
	return &memStats{records: make(map[string]PersistedBotStats)}
}

func (m *memStats) LoadBotStats(ctx context.Context, botID string) (*PersistedBotStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[botID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStats) SaveBotStats(ctx context.Context, stats PersistedBotStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[stats.BotID] = stats
	return nil
}

func (m *memStats) GetUserAggregateStats(ctx context.Context, userID string) (*UserAggregateStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := &UserAggregateStats{UserID: userID}
	for _, rec := range m.records {
		if rec.UserID != userID {
			continue
		}
		agg.TotalBots++
		if rec.IsRunning {
			agg.RunningBots++
		}
		agg.Stats = agg.Stats.Add(rec.Stats)
	}
	return agg, nil
}

func (m *memStats) get(botID string) (PersistedBotStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[botID]
	return rec, ok
}

// memRuntime is an in-memory RuntimeStore
type memRuntime struct {
	mu    sync.Mutex
	snaps map[string]RuntimeSnapshot
}

func newMemRuntime() *memRuntime {
	return &memRuntime{snaps: make(map[string]RuntimeSnapshot)}
}

func (m *memRuntime) SaveRuntime(ctx context.Context, snap RuntimeSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.BotID] = snap
	return nil
}

func (m *memRuntime) LoadRuntime(ctx context.Context, botID string) (*RuntimeSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[botID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *memRuntime) DeleteRuntime(ctx context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, botID)
	return nil
}

func (m *memRuntime) get(botID string) (RuntimeSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[botID]
	return snap, ok
}

// scriptedSignals returns results from fn and counts evaluations
type scriptedSignals struct {
	calls atomic.Int32
	fn    func(call int32, in strategy.Input) strategy.Result
}

func (s *scriptedSignals) Evaluate(in strategy.Input) strategy.Result {
	call := s.calls.Add(1)
	if s.fn == nil {
		return strategy.Result{Kind: strategy.ResultHold, Reason: "scripted hold"}
	}
	return s.fn(call, in)
}

func buySignal(qty float64) strategy.Result {
	return strategy.Result{
		Kind: strategy.ResultSignal,
		Signal: strategy.TradingSignal{
			Action:     strategy.ActionBuy,
			Symbol:     "BTCUSDT",
			Quantity:   qty,
			Confidence: 0.9,
			Reason:     "scripted buy",
		},
	}
}

type harness struct {
	ctrl     *Controller
	resolver *fakeResolver
	stats    *memStats
	runtime  *memRuntime
	signals  *scriptedSignals
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithOptions(t, Options{
		InitialDelay: 0,
		StopTimeout:  2 * time.Second,
		CycleTimeout: 2 * time.Second,
	})
}

func newHarnessWithOptions(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		resolver: newFakeResolver(),
		stats:    newMemStats(),
		runtime:  newMemRuntime(),
		signals:  &scriptedSignals{},
	}
	ctrl, err := NewController(Dependencies{
		Exchanges: h.resolver,
		Stats:     h.stats,
		Runtime:   h.runtime,
		Signals:   h.signals,
		Logger:    logging.New(&logging.Config{Level: "ERROR", Output: "stderr", JSONFormat: true}),
	}, opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return h
}

func spec(id, user, strategyName, cfg string) BotSpec {
	return BotSpec{
		ID:           id,
		UserID:       user,
		StrategyName: strategyName,
		Config:       []byte(cfg),
		Status:       BotStatusActive,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

var errFeedDown = errors.New("feed down")
