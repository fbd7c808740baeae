package exchange

import "time"

// Side is the direction of an order or position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the venue-reported lifecycle of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsFilled reports whether any quantity has executed
func (s OrderStatus) IsFilled() bool {
	return s == OrderStatusFilled || s == OrderStatusPartiallyFilled
}

// Ticker is a last-price snapshot with 24h statistics
type Ticker struct {
	Symbol             string    `json:"symbol"`
	Price              float64   `json:"price"`
	PriceChangePercent float64   `json:"price_change_percent"`
	Volume             float64   `json:"volume"`
	Time               time.Time `json:"time"`
}

// Candle is one OHLCV bar. Series are ordered oldest first.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// PriceLevel is one row of an order book side
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook holds bids (best first, descending) and asks (best first, ascending)
type OrderBook struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, or zero when the side is empty
func (b *OrderBook) BestBid() float64 {
	if b == nil || len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero when the side is empty
func (b *OrderBook) BestAsk() float64 {
	if b == nil || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Imbalance returns (bidVolume-askVolume)/(bidVolume+askVolume) in [-1, 1]
func (b *OrderBook) Imbalance() float64 {
	if b == nil {
		return 0
	}
	var bidVol, askVol float64
	for _, l := range b.Bids {
		bidVol += l.Quantity
	}
	for _, l := range b.Asks {
		askVol += l.Quantity
	}
	if bidVol+askVol == 0 {
		return 0
	}
	return (bidVol - askVol) / (bidVol + askVol)
}

// Balance is the holding of one asset
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// AccountInfo describes the trading account behind an Exchange
type AccountInfo struct {
	CanTrade   bool      `json:"can_trade"`
	Balances   []Balance `json:"balances"`
	UpdateTime time.Time `json:"update_time"`
}

// SymbolRules are the venue's trading constraints for one symbol
type SymbolRules struct {
	Symbol      string  `json:"symbol"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	StepSize    float64 `json:"step_size"`
	TickSize    float64 `json:"tick_size"`
	MinNotional float64 `json:"min_notional"`
}

// ExchangeInfo maps symbols to their trading rules
type ExchangeInfo struct {
	Symbols map[string]SymbolRules `json:"symbols"`
}

// OrderRequest is an order as submitted by the engine
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"` // LIMIT only
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Order is the venue's view of a submitted order
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Quantity      float64     `json:"quantity"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Price         float64     `json:"price"`
	CreatedAt     time.Time   `json:"created_at"`
}
