// Package exchange defines the venue-independent capability the bot engine trades against.
// Concrete venues (Binance REST, the paper venue) live in their own packages.
package exchange

import "context"

// Exchange is the capability set a bot needs from a trading venue.
//
// Connect must succeed before any other call; operations on a disconnected
// instance fail with ErrNotConnected wrapped in a *ConnectionError.
// Quantities and prices in OrderRequest are expected to be pre-rounded to the
// venue's rules. Implementations must reject requests that violate minimums
// with an *OrderRejectionError instead of re-rounding them.
type Exchange interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	// GetBalance returns the balance for asset. An empty asset returns every non-zero balance.
	GetBalance(ctx context.Context, asset string) ([]Balance, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// GetOpenOrders returns resting orders; an empty symbol returns all of them.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// HoldingRestorer is implemented by simulated venues whose balances do not outlive
// the process. The engine hands it the open longs restored from a runtime snapshot
// so they can be closed on the venue.
type HoldingRestorer interface {
	RestoreHolding(symbol string, quantity, entryPrice float64) error
}
