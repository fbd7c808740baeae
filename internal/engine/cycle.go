package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/precision"
	"tradebot-engine/internal/strategy"
)

// runLoop is the per-bot scheduler: an optional initial delay, one immediate cycle,
// then one cycle per tick. Cycles run on this goroutine so they never overlap;
// ticks that fire during a slow cycle are dropped by the ticker.
func (c *Controller) runLoop(b *bot) {
	defer close(b.done)

	if c.opts.InitialDelay > 0 {
		delay := time.NewTimer(c.opts.InitialDelay)
		select {
		case <-b.stop:
			delay.Stop()
			return
		case <-delay.C:
		}
	}
	if b.stopRequested() {
		return
	}

	c.runCycle(b)

	ticker := time.NewTicker(b.cfg.TradingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if b.stopRequested() {
				return
			}
			c.runCycle(b)
		}
	}
}

// runCycle executes one cycle and contains its failure
func (c *Controller) runCycle(b *bot) {
	ctx, cancel := context.WithTimeout(b.ctx, c.opts.CycleTimeout)
	defer cancel()

	start := time.Now()
	err := c.safeCycle(ctx, b)
	if err == nil {
		return
	}
	if b.ctx.Err() != nil {
		b.log.Debug("Cycle cancelled by stop", "error", err)
		return
	}

	b.recordError()
	log := b.log.WithError(err).WithDuration(time.Since(start))
	switch {
	case exchange.IsOrderRejection(err):
		log.Warn("Order rejected by exchange")
	case exchange.IsConnectionError(err):
		log.Warn("Exchange unavailable, cycle aborted")
	default:
		log.Error("Cycle failed")
	}
	c.bus.PublishCycleFailed(b.spec.ID, b.spec.UserID, err)
	c.persistStats(b, false)
}

func (c *Controller) safeCycle(ctx context.Context, b *bot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return c.executeCycle(ctx, b)
}

// executeCycle fetches market data, evaluates a signal and places at most one order
func (c *Controller) executeCycle(ctx context.Context, b *bot) error {
	symbol := b.cfg.Symbol

	ticker, err := b.ex.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}

	limit := c.opts.CandleLimit
	if need := b.cfg.RequiredCandles(); need > limit {
		limit = need
	}
	candles, err := b.ex.GetCandles(ctx, symbol, b.cfg.CandleInterval, limit)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}

	book, err := b.ex.GetOrderBook(ctx, symbol, c.opts.OrderBookDepth)
	if err != nil {
		return fmt.Errorf("fetch order book: %w", err)
	}

	rules, err := b.rules.Get(ctx, symbol)
	if err != nil {
		return fmt.Errorf("symbol rules: %w", err)
	}

	positions := b.openPositions()
	equity, err := c.equity(ctx, b, rules, ticker.Price, positions)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}

	res := c.signals.Evaluate(strategy.Input{
		Ticker:    ticker,
		Candles:   candles,
		OrderBook: book,
		Config:    b.cfg,
		Equity:    equity,
		Positions: positions,
	})
	now := time.Now()
	b.recordEvaluation(now, res)

	if res.Action() == strategy.ActionHold {
		b.log.Debug("Holding", "kind", res.Kind.String(), "reason", res.Reason)
		return nil
	}

	sig := res.Signal
	c.bus.PublishSignal(b.spec.ID, b.spec.UserID, symbol, string(sig.Action), sig.Reason, sig.Confidence, ticker.Price)

	qty := precision.AdjustQuantity(sig.Quantity, rules, ticker.Price)
	if qty <= 0 {
		b.log.Info("Signal quantity below exchange minimums, holding",
			"action", string(sig.Action),
			"raw_quantity", sig.Quantity,
			"min_qty", rules.MinQty,
			"min_notional", rules.MinNotional)
		return nil
	}

	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          sig.Action.Side(),
		Type:          exchange.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	}
	orderLog := logging.OrderContext(b.log, req.ClientOrderID, symbol, string(req.Side), string(req.Type))

	order, err := b.ex.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place %s order: %w", req.Side, err)
	}

	c.bus.PublishOrderPlaced(b.spec.ID, b.spec.UserID, order.ID, symbol, string(order.Type), string(order.Side),
		string(order.Status), order.AvgPrice, order.Quantity)

	filled := order.ExecutedQty
	if filled <= 0 && order.Status == exchange.OrderStatusFilled {
		filled = order.Quantity
	}
	if filled <= 0 {
		orderLog.Info("Order accepted without fill", "order_id", order.ID, "status", string(order.Status))
		return nil
	}
	fillPrice := order.AvgPrice
	if fillPrice <= 0 {
		fillPrice = ticker.Price
	}

	closed := b.applyFill(req.Side, filled, fillPrice, now)
	orderLog.Info("Order filled",
		"order_id", order.ID,
		"quantity", filled,
		"price", fillPrice,
		"confidence", sig.Confidence,
		"reason", sig.Reason,
		"closed_positions", len(closed))

	for _, t := range closed {
		c.bus.PublishTradeClosed(b.spec.ID, b.spec.UserID, symbol, t.EntryPrice, t.ExitPrice, t.Quantity, t.PnL)
	}

	c.persistStats(b, false)
	c.persistRuntime(b, false)
	return nil
}

// equity values the account in the quote asset: quote balance plus open longs at the current price
func (c *Controller) equity(ctx context.Context, b *bot, rules exchange.SymbolRules, price float64, positions []strategy.Position) (float64, error) {
	quote := rules.QuoteAsset
	if quote == "" {
		quote = quoteAssetOf(b.cfg.Symbol)
	}
	balances, err := b.ex.GetBalance(ctx, quote)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, bal := range balances {
		if bal.Asset == quote {
			total += bal.Total()
		}
	}
	for _, p := range positions {
		if p.Side == exchange.SideBuy {
			total += p.Quantity * price
		}
	}
	return total, nil
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "USD"}

func quoteAssetOf(symbol string) string {
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return q
		}
	}
	return "USDT"
}

// newClientOrderID fits the 36 character client order id limit
func newClientOrderID() string {
	return "tb" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
