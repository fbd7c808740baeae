package exchange

import (
	"context"
	"fmt"
	"sync"
)

// tolerance absorbs float noise when comparing pre-rounded quantities against limits
const tolerance = 1e-12

// RulesCache holds SymbolRules for one exchange session. Rules are fetched once
// through GetExchangeInfo and treated as immutable afterwards.
type RulesCache struct {
	ex    Exchange
	mu    sync.RWMutex
	rules map[string]SymbolRules
}

// NewRulesCache creates a cache backed by ex
func NewRulesCache(ex Exchange) *RulesCache {
	return &RulesCache{ex: ex}
}

// Get returns the rules for symbol, loading the exchange info on first use
func (c *RulesCache) Get(ctx context.Context, symbol string) (SymbolRules, error) {
	c.mu.RLock()
	if c.rules != nil {
		r, ok := c.rules[symbol]
		c.mu.RUnlock()
		if !ok {
			return SymbolRules{}, fmt.Errorf("no trading rules for symbol %s", symbol)
		}
		return r, nil
	}
	c.mu.RUnlock()

	info, err := c.ex.GetExchangeInfo(ctx)
	if err != nil {
		return SymbolRules{}, fmt.Errorf("load exchange info: %w", err)
	}

	c.mu.Lock()
	if c.rules == nil {
		c.rules = make(map[string]SymbolRules, len(info.Symbols))
		for sym, r := range info.Symbols {
			c.rules[sym] = r
		}
	}
	r, ok := c.rules[symbol]
	c.mu.Unlock()

	if !ok {
		return SymbolRules{}, fmt.Errorf("no trading rules for symbol %s", symbol)
	}
	return r, nil
}

// ValidateOrder checks req against rules at the given reference price.
// It never modifies the request; violations come back as *OrderRejectionError.
func ValidateOrder(rules SymbolRules, req OrderRequest, price float64) error {
	if req.Quantity <= 0 {
		return &OrderRejectionError{Symbol: req.Symbol, Reason: "quantity must be positive"}
	}
	if rules.MinQty > 0 && req.Quantity+tolerance < rules.MinQty {
		return &OrderRejectionError{
			Symbol: req.Symbol,
			Reason: fmt.Sprintf("quantity %.8f below minimum %.8f", req.Quantity, rules.MinQty),
		}
	}
	if rules.MaxQty > 0 && req.Quantity-tolerance > rules.MaxQty {
		return &OrderRejectionError{
			Symbol: req.Symbol,
			Reason: fmt.Sprintf("quantity %.8f above maximum %.8f", req.Quantity, rules.MaxQty),
		}
	}
	if req.Type == OrderTypeLimit {
		if req.Price <= 0 {
			return &OrderRejectionError{Symbol: req.Symbol, Reason: "limit order requires a price"}
		}
		price = req.Price
	}
	if rules.MinNotional > 0 && price > 0 && req.Quantity*price+tolerance < rules.MinNotional {
		return &OrderRejectionError{
			Symbol: req.Symbol,
			Reason: fmt.Sprintf("notional %.8f below minimum %.8f", req.Quantity*price, rules.MinNotional),
		}
	}
	return nil
}
