// File: pkg/broker/brokers.go
package broker

import (
	"context"
	"errors"
	"time"

	"riptide/utilities"
)

// Error kinds the engine branches on. Adapters wrap exchange-specific
// failures into one of these so the engine never inspects exchange codes.
var (
	// ErrRateLimited means the exchange told us to back off.
	ErrRateLimited = errors.New("broker: rate limited")

	// ErrOrderNotFound means the order ID is unknown to the exchange.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrInsufficientData means the exchange returned fewer bars than requested.
	ErrInsufficientData = errors.New("broker: insufficient market data")
)

// Broker defines the interface for interacting with a cryptocurrency exchange.
// All pair parameters use the common "BASE/QUOTE" form (e.g., "XRP/USDT");
// each adapter translates to its exchange's native symbol.
type Broker interface {
	// RefreshMarkets ensures the adapter has current pair metadata
	// (lot steps, minimum notionals). Called at startup and on demand.
	RefreshMarkets(ctx context.Context) error

	// GetMarketInfo returns the trading constraints for a pair.
	GetMarketInfo(pair string) (MarketInfo, error)

	// GetLastNOHLCVBars retrieves the last N closed OHLCV bars for a pair
	// and timeframe (e.g., "15m", "1h"), oldest first.
	GetLastNOHLCVBars(ctx context.Context, pair, timeframe string, nBars int) ([]utilities.OHLCVBar, error)

	// GetTicker retrieves current ticker data for a pair.
	GetTicker(ctx context.Context, pair string) (TickerData, error)

	// GetAllTickers retrieves 24h ticker statistics for every pair quoted
	// in the given currency. Used by the volatility scanner.
	GetAllTickers(ctx context.Context, quoteCurrency string) ([]TickerStats, error)

	// GetBalance retrieves the account balance for a single currency.
	GetBalance(ctx context.Context, currency string) (Balance, error)

	// GetAllBalances retrieves every non-zero account balance.
	GetAllBalances(ctx context.Context) ([]Balance, error)

	// PlaceOrder submits a new order and returns the exchange order ID.
	// orderType is "limit" or "market"; price is ignored for market orders.
	PlaceOrder(ctx context.Context, pair, side, orderType string, volume, price float64) (string, error)

	// CancelOrder cancels an open order by its ID.
	CancelOrder(ctx context.Context, pair, orderID string) error

	// GetOrderStatus retrieves the current state of an order.
	GetOrderStatus(ctx context.Context, pair, orderID string) (Order, error)

	// GetOpenOrders lists all open orders, optionally filtered to one pair
	// (empty pair means all).
	GetOpenOrders(ctx context.Context, pair string) ([]Order, error)
}

// MarketInfo holds the exchange-imposed trading constraints for one pair.
type MarketInfo struct {
	Pair        string  `json:"pair"`
	NativePair  string  `json:"native_pair"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	LotStep     float64 `json:"lot_step"`     // quantity increment
	PriceTick   float64 `json:"price_tick"`   // price increment
	MinNotional float64 `json:"min_notional"` // minimum order value in quote currency
}

// Order represents a trade order's state and details.
type Order struct {
	ID           string    `json:"id"`
	Pair         string    `json:"pair"`
	Side         string    `json:"side"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Price        float64   `json:"price,omitempty"`
	Volume       float64   `json:"volume"`
	FilledVolume float64   `json:"filled_volume"`
	AvgFillPrice float64   `json:"avg_fill_price,omitempty"`
	Cost         float64   `json:"cost,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// IsTerminal reports whether the order can no longer change state.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case "filled", "canceled", "rejected", "expired":
		return true
	}
	return false
}

// FillRatio returns the filled fraction of the requested volume.
func (o Order) FillRatio() float64 {
	if o.Volume <= 0 {
		return 0
	}
	return o.FilledVolume / o.Volume
}

// TickerData contains current market ticker information for a trading pair.
type TickerData struct {
	Pair      string    `json:"pair"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// TickerStats contains 24h rolling statistics for a trading pair.
type TickerStats struct {
	Pair          string  `json:"pair"`
	LastPrice     float64 `json:"last_price"`
	ChangePercent float64 `json:"change_percent"` // 24h price change, percent
	QuoteVolume   float64 `json:"quote_volume"`   // 24h volume in quote currency
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
}

// Balance represents the balance of a single currency.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}
