package binance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradebot-engine/internal/exchange"
)

// Base prices the paper venue starts from
var defaultPaperPrices = map[string]float64{
	"BTCUSDT":  104500.00,
	"ETHUSDT":  3900.00,
	"BNBUSDT":  710.00,
	"SOLUSDT":  220.00,
	"XRPUSDT":  2.35,
	"ADAUSDT":  1.05,
	"DOGEUSDT": 0.40,
	"LINKUSDT": 28.00,
	"LTCUSDT":  115.00,
	"ETHBTC":   0.037,
}

var paperQuotes = []string{"USDT", "FDUSD", "USDC", "BTC"}

// PaperClient is a simulated spot venue. Prices random-walk on every ticker read,
// MARKET orders fill immediately at the current price and LIMIT orders rest until
// the price crosses them.
type PaperClient struct {
	mu         sync.Mutex
	prices     map[string]float64
	rules      map[string]exchange.SymbolRules
	balances   map[string]*exchange.Balance
	openOrders map[string]*exchange.Order
	rng        *rand.Rand
	volatility float64
	now        func() time.Time

	connected atomic.Bool
}

// PaperOption customizes a PaperClient
type PaperOption func(*PaperClient)

// WithPaperPrices replaces the starting prices
func WithPaperPrices(prices map[string]float64) PaperOption {
	return func(p *PaperClient) {
		p.prices = make(map[string]float64, len(prices))
		for s, v := range prices {
			p.prices[s] = v
		}
	}
}

// WithPaperVolatility sets the maximum relative move per ticker read. Zero freezes prices.
func WithPaperVolatility(v float64) PaperOption {
	return func(p *PaperClient) { p.volatility = v }
}

// WithPaperSeed makes the random walk reproducible
func WithPaperSeed(seed int64) PaperOption {
	return func(p *PaperClient) { p.rng = rand.New(rand.NewSource(seed)) }
}

// NewPaperClient creates a venue holding startingBalance USDT
func NewPaperClient(startingBalance float64, opts ...PaperOption) *PaperClient {
	p := &PaperClient{
		balances:   map[string]*exchange.Balance{"USDT": {Asset: "USDT", Free: startingBalance}},
		openOrders: make(map[string]*exchange.Order),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		volatility: 0.01,
		now:        time.Now,
	}
	WithPaperPrices(defaultPaperPrices)(p)
	for _, opt := range opts {
		opt(p)
	}

	p.rules = make(map[string]exchange.SymbolRules, len(p.prices))
	for sym, price := range p.prices {
		p.rules[sym] = paperRules(sym, price)
	}
	return p
}

// paperRules derives plausible trading rules from a symbol's price
func paperRules(symbol string, price float64) exchange.SymbolRules {
	base, quote := symbol, "USDT"
	for _, q := range paperQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			base, quote = strings.TrimSuffix(symbol, q), q
			break
		}
	}

	step, tick := 1.0, 0.00001
	switch {
	case price >= 1000:
		step, tick = 0.00001, 0.01
	case price >= 10:
		step, tick = 0.001, 0.01
	case price >= 1:
		step, tick = 0.1, 0.0001
	}
	minNotional := 5.0
	if quote == "BTC" {
		step, tick, minNotional = 0.0001, 0.00001, 0.0001
	}
	return exchange.SymbolRules{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		MinQty:      step,
		MaxQty:      9000000,
		StepSize:    step,
		TickSize:    tick,
		MinNotional: minNotional,
	}
}

func (p *PaperClient) Name() string { return "paper" }

func (p *PaperClient) Connect(ctx context.Context) error {
	p.connected.Store(true)
	return nil
}

func (p *PaperClient) Disconnect() error {
	p.connected.Store(false)
	return nil
}

func (p *PaperClient) IsConnected() bool {
	return p.connected.Load()
}

func (p *PaperClient) ensureConnected(op string) error {
	if !p.connected.Load() {
		return exchange.NewConnectionError(op, exchange.ErrNotConnected)
	}
	return nil
}

func (p *PaperClient) priceLocked(symbol string) (float64, error) {
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("paper venue: unknown symbol %s", symbol)
	}
	return price, nil
}

func (p *PaperClient) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if err := p.ensureConnected("get ticker"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, err := p.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	price := prev * (1 + (p.rng.Float64()-0.5)*p.volatility)
	p.prices[symbol] = price
	p.matchRestingLocked(symbol, price)

	return &exchange.Ticker{
		Symbol:             symbol,
		Price:              price,
		PriceChangePercent: (price - prev) / prev * 100,
		Volume:             price * (1000 + p.rng.Float64()*5000),
		Time:               p.now(),
	}, nil
}

func (p *PaperClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	if err := p.ensureConnected("get candles"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, err := p.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	step := intervalDuration(interval)
	end := p.now().Truncate(step)

	// Built backwards so the newest close is the current price
	candles := make([]exchange.Candle, limit)
	closePrice := price
	for i := limit - 1; i >= 0; i-- {
		change := (p.rng.Float64() - 0.5) * 2 * p.volatility
		open := closePrice / (1 + change)
		high := math.Max(open, closePrice) * (1 + p.rng.Float64()*p.volatility*0.5)
		low := math.Min(open, closePrice) * (1 - p.rng.Float64()*p.volatility*0.5)
		openTime := end.Add(-time.Duration(limit-1-i) * step)
		candles[i] = exchange.Candle{
			OpenTime:  openTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    1000 + p.rng.Float64()*5000,
			CloseTime: openTime.Add(step - time.Millisecond),
		}
		closePrice = open
	}
	return candles, nil
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	}
	return time.Minute
}

func (p *PaperClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	if err := p.ensureConnected("get order book"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, err := p.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 20
	}
	book := &exchange.OrderBook{Symbol: symbol}
	for i := 1; i <= depth; i++ {
		offset := 0.0001 * float64(i)
		book.Bids = append(book.Bids, exchange.PriceLevel{Price: price * (1 - offset), Quantity: p.rng.Float64() * 5})
		book.Asks = append(book.Asks, exchange.PriceLevel{Price: price * (1 + offset), Quantity: p.rng.Float64() * 5})
	}
	return book, nil
}

func (p *PaperClient) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	bals, err := p.GetBalance(ctx, "")
	if err != nil {
		return nil, err
	}
	return &exchange.AccountInfo{CanTrade: true, Balances: bals, UpdateTime: p.now()}, nil
}

func (p *PaperClient) GetBalance(ctx context.Context, asset string) ([]exchange.Balance, error) {
	if err := p.ensureConnected("get balance"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if asset != "" {
		if b, ok := p.balances[asset]; ok {
			return []exchange.Balance{*b}, nil
		}
		return []exchange.Balance{{Asset: asset}}, nil
	}

	out := make([]exchange.Balance, 0, len(p.balances))
	for _, b := range p.balances {
		if b.Total() > 0 {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (p *PaperClient) GetExchangeInfo(ctx context.Context) (*exchange.ExchangeInfo, error) {
	if err := p.ensureConnected("get exchange info"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	info := &exchange.ExchangeInfo{Symbols: make(map[string]exchange.SymbolRules, len(p.rules))}
	for sym, r := range p.rules {
		info.Symbols[sym] = r
	}
	return info, nil
}

func (p *PaperClient) balanceLocked(asset string) *exchange.Balance {
	b, ok := p.balances[asset]
	if !ok {
		b = &exchange.Balance{Asset: asset}
		p.balances[asset] = b
	}
	return b
}

// RestoreHolding credits quantity of the symbol's base asset, paid from the quote
// balance at entryPrice as far as it covers it.
func (p *PaperClient) RestoreHolding(symbol string, quantity, entryPrice float64) error {
	if quantity <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rules, ok := p.rules[symbol]
	if !ok {
		return fmt.Errorf("paper venue: unknown symbol %s", symbol)
	}
	p.balanceLocked(rules.BaseAsset).Free += quantity
	quote := p.balanceLocked(rules.QuoteAsset)
	quote.Free = math.Max(0, quote.Free-quantity*entryPrice)
	return nil
}

// PlaceOrder validates req against the paper rules and either fills it (MARKET)
// or reserves funds and rests it (LIMIT). Spot semantics: selling needs holdings.
func (p *PaperClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if err := p.ensureConnected("place order"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, err := p.priceLocked(req.Symbol)
	if err != nil {
		return nil, err
	}
	rules := p.rules[req.Symbol]
	if err := exchange.ValidateOrder(rules, req, price); err != nil {
		return nil, err
	}

	execPrice := price
	if req.Type == exchange.OrderTypeLimit {
		execPrice = req.Price
	}
	base := p.balanceLocked(rules.BaseAsset)
	quote := p.balanceLocked(rules.QuoteAsset)
	switch req.Side {
	case exchange.SideBuy:
		if cost := req.Quantity * execPrice; quote.Free < cost {
			return nil, &exchange.OrderRejectionError{
				Symbol: req.Symbol,
				Code:   -2010,
				Reason: fmt.Sprintf("insufficient %s balance: need %.8f, have %.8f", rules.QuoteAsset, cost, quote.Free),
			}
		}
	case exchange.SideSell:
		if base.Free < req.Quantity {
			return nil, &exchange.OrderRejectionError{
				Symbol: req.Symbol,
				Code:   -2010,
				Reason: fmt.Sprintf("insufficient %s balance: need %.8f, have %.8f", rules.BaseAsset, req.Quantity, base.Free),
			}
		}
	default:
		return nil, &exchange.OrderRejectionError{Symbol: req.Symbol, Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	order := &exchange.Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		CreatedAt:     p.now(),
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = order.ID
	}

	if req.Type == exchange.OrderTypeLimit {
		if req.Side == exchange.SideBuy {
			quote.Free -= req.Quantity * req.Price
			quote.Locked += req.Quantity * req.Price
		} else {
			base.Free -= req.Quantity
			base.Locked += req.Quantity
		}
		order.Status = exchange.OrderStatusPending
		p.openOrders[order.ID] = order
		out := *order
		return &out, nil
	}

	if req.Side == exchange.SideBuy {
		quote.Free -= req.Quantity * price
		base.Free += req.Quantity
	} else {
		base.Free -= req.Quantity
		quote.Free += req.Quantity * price
	}
	order.Status = exchange.OrderStatusFilled
	order.ExecutedQty = req.Quantity
	order.AvgPrice = price
	return order, nil
}

// matchRestingLocked fills resting LIMIT orders the new price has crossed
func (p *PaperClient) matchRestingLocked(symbol string, price float64) {
	for id, o := range p.openOrders {
		if o.Symbol != symbol {
			continue
		}
		crossed := (o.Side == exchange.SideBuy && price <= o.Price) ||
			(o.Side == exchange.SideSell && price >= o.Price)
		if !crossed {
			continue
		}
		rules := p.rules[symbol]
		base := p.balanceLocked(rules.BaseAsset)
		quote := p.balanceLocked(rules.QuoteAsset)
		if o.Side == exchange.SideBuy {
			quote.Locked -= o.Quantity * o.Price
			base.Free += o.Quantity
		} else {
			base.Locked -= o.Quantity
			quote.Free += o.Quantity * o.Price
		}
		delete(p.openOrders, id)
	}
}

func (p *PaperClient) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	if err := p.ensureConnected("get open orders"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []exchange.Order
	for _, o := range p.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := p.ensureConnected("cancel order"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.openOrders[orderID]
	if !ok || o.Symbol != symbol {
		return &exchange.OrderRejectionError{Symbol: symbol, Code: -2011, Reason: "Unknown order sent."}
	}
	rules := p.rules[symbol]
	if o.Side == exchange.SideBuy {
		quote := p.balanceLocked(rules.QuoteAsset)
		quote.Locked -= o.Quantity * o.Price
		quote.Free += o.Quantity * o.Price
	} else {
		base := p.balanceLocked(rules.BaseAsset)
		base.Locked -= o.Quantity
		base.Free += o.Quantity
	}
	delete(p.openOrders, orderID)
	return nil
}

var _ exchange.Exchange = (*PaperClient)(nil)
