// File: pkg/broker/binance/client.go
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"riptide/pkg/broker"
	"riptide/utilities"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"
)

// Client wraps the Binance SDK with request pacing, retry, and the
// common-to-native symbol translation layer. All exchange I/O for the
// bot funnels through here.
type Client struct {
	api     *gobinance.Client
	cfg     *utilities.BinanceConfig
	logger  *utilities.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	markets  map[string]broker.MarketInfo // keyed by common pair, e.g. "XRP/USDT"
	byNative map[string]string            // native symbol -> common pair
}

func NewClient(cfg *utilities.BinanceConfig, logger *utilities.Logger) *Client {
	api := gobinance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		api.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		markets:  make(map[string]broker.MarketInfo),
		byNative: make(map[string]string),
	}
}

// NativeSymbol converts a common pair ("XRP/USDT") to Binance's
// concatenated form ("XRPUSDT").
func NativeSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

// wait blocks until the pacer allows another request.
func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance client: rate limiter wait: %w", err)
	}
	return nil
}

// classifyError translates Binance API errors into the broker error kinds
// the engine understands.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return fmt.Errorf("%w: %s", broker.ErrRateLimited, apiErr.Message)
		case -2013:
			return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, apiErr.Message)
		}
	}
	return err
}

// RefreshMarkets pulls exchange info and rebuilds the pair metadata map.
func (c *Client) RefreshMarkets(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance client: exchange info: %w", classifyError(err))
	}

	markets := make(map[string]broker.MarketInfo, len(info.Symbols))
	byNative := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		mi := broker.MarketInfo{
			Pair:       s.BaseAsset + "/" + s.QuoteAsset,
			NativePair: s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			filterType, _ := f["filterType"].(string)
			switch filterType {
			case "LOT_SIZE":
				if v, err := utilities.ParseFloatFromInterface(f["stepSize"]); err == nil {
					mi.LotStep = v
				}
			case "PRICE_FILTER":
				if v, err := utilities.ParseFloatFromInterface(f["tickSize"]); err == nil {
					mi.PriceTick = v
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if v, err := utilities.ParseFloatFromInterface(f["minNotional"]); err == nil {
					mi.MinNotional = v
				}
			}
		}
		markets[mi.Pair] = mi
		byNative[mi.NativePair] = mi.Pair
	}

	c.mu.Lock()
	c.markets = markets
	c.byNative = byNative
	c.mu.Unlock()
	c.logger.LogInfo("binance client: refreshed metadata for %d trading pairs", len(markets))
	return nil
}

// MarketInfo returns the cached constraints for a common pair.
func (c *Client) MarketInfo(pair string) (broker.MarketInfo, error) {
	c.mu.RLock()
	mi, ok := c.markets[strings.ToUpper(pair)]
	c.mu.RUnlock()
	if !ok {
		return broker.MarketInfo{}, fmt.Errorf("binance client: unknown pair %s (markets not refreshed?)", pair)
	}
	return mi, nil
}

// CommonPair translates a native symbol ("XRPUSDT") back to its common
// form ("XRP/USDT"). Unknown symbols come back unchanged.
func (c *Client) CommonPair(native string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pair, ok := c.byNative[strings.ToUpper(native)]; ok {
		return pair
	}
	return native
}

// Klines fetches up to limit closed candles for a native symbol and interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]utilities.OHLCVBar, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	// Fetch one extra so the still-forming candle can be dropped.
	klines, err := c.api.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit + 1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance client: klines %s/%s: %w", symbol, interval, classifyError(err))
	}

	now := time.Now().UnixMilli()
	bars := make([]utilities.OHLCVBar, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime > now {
			continue // candle still open
		}
		open, eo := utilities.ParseFloatFromInterface(k.Open)
		high, eh := utilities.ParseFloatFromInterface(k.High)
		low, el := utilities.ParseFloatFromInterface(k.Low)
		closeVal, ec := utilities.ParseFloatFromInterface(k.Close)
		volume, ev := utilities.ParseFloatFromInterface(k.Volume)
		if eo != nil || eh != nil || el != nil || ec != nil || ev != nil {
			continue
		}
		bars = append(bars, utilities.OHLCVBar{
			Timestamp: k.OpenTime,
			Open:      open, High: high, Low: low, Close: closeVal, Volume: volume,
		})
	}
	utilities.SortBarsByTimestamp(bars)
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// BookTicker returns the current best bid/ask for a native symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	if err := c.wait(ctx); err != nil {
		return 0, 0, err
	}
	books, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("binance client: book ticker %s: %w", symbol, classifyError(err))
	}
	if len(books) == 0 {
		return 0, 0, fmt.Errorf("binance client: book ticker %s: empty response", symbol)
	}
	bid, errB := utilities.ParseFloatFromInterface(books[0].BidPrice)
	ask, errA := utilities.ParseFloatFromInterface(books[0].AskPrice)
	if errB != nil || errA != nil {
		return 0, 0, fmt.Errorf("binance client: book ticker %s: unparseable prices", symbol)
	}
	return bid, ask, nil
}

// PriceChangeStats returns 24h rolling statistics. With an empty symbol it
// returns stats for every pair on the exchange.
func (c *Client) PriceChangeStats(ctx context.Context, symbol string) ([]*gobinance.PriceChangeStats, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	svc := c.api.NewListPriceChangeStatsService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	stats, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance client: 24h stats: %w", classifyError(err))
	}
	return stats, nil
}

// Account returns the spot account snapshot, including all balances.
func (c *Client) Account(ctx context.Context) (*gobinance.Account, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance client: account: %w", classifyError(err))
	}
	return acct, nil
}

// CreateOrder submits an order and returns the exchange order ID.
func (c *Client) CreateOrder(ctx context.Context, symbol, side, orderType, quantity, price string) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	svc := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(gobinance.SideType(strings.ToUpper(side))).
		Quantity(quantity)
	switch strings.ToLower(orderType) {
	case "limit":
		svc = svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(gobinance.TimeInForceTypeGTC).
			Price(price)
	case "market":
		svc = svc.Type(gobinance.OrderTypeMarket)
	default:
		return 0, fmt.Errorf("binance client: unsupported order type %q", orderType)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance client: create %s %s %s: %w", side, orderType, symbol, classifyError(err))
	}
	return resp.OrderID, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*gobinance.Order, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	order, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance client: get order %d on %s: %w", orderID, symbol, classifyError(err))
	}
	return order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance client: cancel order %d on %s: %w", orderID, symbol, classifyError(err))
	}
	return nil
}

// OpenOrders lists open orders, for one symbol or (with empty symbol) all.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]*gobinance.Order, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	svc := c.api.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance client: open orders: %w", classifyError(err))
	}
	return orders, nil
}
