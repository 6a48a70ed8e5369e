// File: pkg/broker/binance/adapter.go
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"riptide/dataprovider"
	"riptide/pkg/broker"
	"riptide/utilities"

	gobinance "github.com/adshao/go-binance/v2"
)

// Adapter implements broker.Broker on top of the Binance client, adding
// the candle cache so repeated indicator reads don't hammer the API.
type Adapter struct {
	client *Client
	logger *utilities.Logger
	cache  *dataprovider.SQLiteCache
}

func NewAdapter(cfg *utilities.BinanceConfig, logger *utilities.Logger, cache *dataprovider.SQLiteCache) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("binance adapter: config cannot be nil")
	}
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("binance adapter: logger fallback used")
	}
	if cache == nil {
		return nil, errors.New("binance adapter: candle cache cannot be nil")
	}
	return &Adapter{
		client: NewClient(cfg, logger),
		logger: logger,
		cache:  cache,
	}, nil
}

func (a *Adapter) RefreshMarkets(ctx context.Context) error {
	return a.client.RefreshMarkets(ctx)
}

func (a *Adapter) GetMarketInfo(pair string) (broker.MarketInfo, error) {
	return a.client.MarketInfo(pair)
}

func (a *Adapter) GetLastNOHLCVBars(ctx context.Context, pair, timeframe string, nBars int) ([]utilities.OHLCVBar, error) {
	interval, err := utilities.ConvertTFToBinanceInterval(timeframe)
	if err != nil {
		return nil, err
	}

	tfDur, err := timeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	// The freshest candle must have closed inside the last two periods,
	// otherwise the cache is stale and we go to the API.
	now := time.Now()
	startMs := now.Add(-time.Duration(nBars+1) * tfDur).UnixMilli()
	cached, err := a.cache.GetBars(pair, timeframe, startMs, now.UnixMilli())
	if err != nil {
		a.logger.LogWarn("binance adapter [%s %s]: candle cache read failed: %v", pair, timeframe, err)
	}
	if len(cached) >= nBars {
		newest := cached[len(cached)-1].Timestamp
		if now.UnixMilli()-newest < 2*tfDur.Milliseconds() {
			return cached[len(cached)-nBars:], nil
		}
	}

	bars, err := a.client.Klines(ctx, NativeSymbol(pair), interval, nBars)
	if err != nil {
		return nil, err
	}
	if len(bars) < nBars {
		return bars, fmt.Errorf("%w: got %d of %d bars for %s %s", broker.ErrInsufficientData, len(bars), nBars, pair, timeframe)
	}
	for _, bar := range bars {
		if err := a.cache.SaveBar(pair, timeframe, bar); err != nil {
			a.logger.LogWarn("binance adapter [%s %s]: candle cache write failed: %v", pair, timeframe, err)
		}
	}
	return bars, nil
}

func (a *Adapter) GetTicker(ctx context.Context, pair string) (broker.TickerData, error) {
	symbol := NativeSymbol(pair)
	bid, ask, err := a.client.BookTicker(ctx, symbol)
	if err != nil {
		return broker.TickerData{}, err
	}
	last := (bid + ask) / 2
	return broker.TickerData{
		Pair:      pair,
		Bid:       bid,
		Ask:       ask,
		LastPrice: last,
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) GetAllTickers(ctx context.Context, quoteCurrency string) ([]broker.TickerStats, error) {
	stats, err := a.client.PriceChangeStats(ctx, "")
	if err != nil {
		return nil, err
	}
	quote := strings.ToUpper(quoteCurrency)
	out := make([]broker.TickerStats, 0, len(stats))
	for _, s := range stats {
		if !strings.HasSuffix(s.Symbol, quote) {
			continue
		}
		base := strings.TrimSuffix(s.Symbol, quote)
		if base == "" {
			continue
		}
		last, el := utilities.ParseFloatFromInterface(s.LastPrice)
		change, ec := utilities.ParseFloatFromInterface(s.PriceChangePercent)
		qvol, ev := utilities.ParseFloatFromInterface(s.QuoteVolume)
		high, _ := utilities.ParseFloatFromInterface(s.HighPrice)
		low, _ := utilities.ParseFloatFromInterface(s.LowPrice)
		if el != nil || ec != nil || ev != nil {
			continue
		}
		out = append(out, broker.TickerStats{
			Pair:          base + "/" + quote,
			LastPrice:     last,
			ChangePercent: change,
			QuoteVolume:   qvol,
			High:          high,
			Low:           low,
		})
	}
	return out, nil
}

func (a *Adapter) GetBalance(ctx context.Context, currency string) (broker.Balance, error) {
	acct, err := a.client.Account(ctx)
	if err != nil {
		return broker.Balance{}, err
	}
	want := strings.ToUpper(currency)
	for _, b := range acct.Balances {
		if strings.ToUpper(b.Asset) != want {
			continue
		}
		free, ef := utilities.ParseFloatFromInterface(b.Free)
		locked, el := utilities.ParseFloatFromInterface(b.Locked)
		if ef != nil || el != nil {
			return broker.Balance{}, fmt.Errorf("binance adapter: unparseable balance for %s", currency)
		}
		return broker.Balance{Currency: want, Available: free, Total: free + locked}, nil
	}
	// An asset never held simply doesn't appear in the account snapshot.
	return broker.Balance{Currency: want}, nil
}

func (a *Adapter) GetAllBalances(ctx context.Context) ([]broker.Balance, error) {
	acct, err := a.client.Account(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.Balance
	for _, b := range acct.Balances {
		free, ef := utilities.ParseFloatFromInterface(b.Free)
		locked, el := utilities.ParseFloatFromInterface(b.Locked)
		if ef != nil || el != nil {
			continue
		}
		if free+locked <= 0 {
			continue
		}
		out = append(out, broker.Balance{
			Currency:  strings.ToUpper(b.Asset),
			Available: free,
			Total:     free + locked,
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, pair, side, orderType string, volume, price float64) (string, error) {
	mi, err := a.client.MarketInfo(pair)
	if err != nil {
		return "", err
	}
	qtyStr := formatByStep(volume, mi.LotStep)
	priceStr := ""
	if strings.EqualFold(orderType, "limit") {
		priceStr = formatByStep(price, mi.PriceTick)
	}
	orderID, err := a.client.CreateOrder(ctx, mi.NativePair, side, orderType, qtyStr, priceStr)
	if err != nil {
		return "", err
	}
	a.logger.LogInfo("binance adapter [%s]: placed %s %s qty=%s price=%s id=%d", pair, side, orderType, qtyStr, priceStr, orderID)
	return strconv.FormatInt(orderID, 10), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, pair, orderID string) error {
	mi, err := a.client.MarketInfo(pair)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance adapter: bad order ID %q: %w", orderID, err)
	}
	return a.client.CancelOrder(ctx, mi.NativePair, id)
}

func (a *Adapter) GetOrderStatus(ctx context.Context, pair, orderID string) (broker.Order, error) {
	mi, err := a.client.MarketInfo(pair)
	if err != nil {
		return broker.Order{}, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return broker.Order{}, fmt.Errorf("binance adapter: bad order ID %q: %w", orderID, err)
	}
	o, err := a.client.GetOrder(ctx, mi.NativePair, id)
	if err != nil {
		return broker.Order{}, err
	}
	return translateOrder(pair, o), nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, pair string) ([]broker.Order, error) {
	symbol := ""
	if pair != "" {
		mi, err := a.client.MarketInfo(pair)
		if err != nil {
			return nil, err
		}
		symbol = mi.NativePair
	}
	orders, err := a.client.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(orders))
	for _, o := range orders {
		commonPair := pair
		if commonPair == "" {
			// Orders reported exchange-wide carry the native symbol;
			// translate so callers can feed Pair back into this API.
			commonPair = a.client.CommonPair(o.Symbol)
		}
		out = append(out, translateOrder(commonPair, o))
	}
	return out, nil
}

// translateOrder maps a Binance order into the broker-neutral shape.
func translateOrder(pair string, o *gobinance.Order) broker.Order {
	price, _ := utilities.ParseFloatFromInterface(o.Price)
	vol, _ := utilities.ParseFloatFromInterface(o.OrigQuantity)
	filled, _ := utilities.ParseFloatFromInterface(o.ExecutedQuantity)
	cost, _ := utilities.ParseFloatFromInterface(o.CummulativeQuoteQuantity)
	avg := 0.0
	if filled > 0 {
		avg = cost / filled
	}
	return broker.Order{
		ID:           strconv.FormatInt(o.OrderID, 10),
		Pair:         pair,
		Side:         strings.ToLower(string(o.Side)),
		Type:         strings.ToLower(string(o.Type)),
		Status:       translateStatus(o.Status),
		Price:        price,
		Volume:       vol,
		FilledVolume: filled,
		AvgFillPrice: avg,
		Cost:         cost,
		CreatedAt:    time.UnixMilli(o.Time),
		UpdatedAt:    time.UnixMilli(o.UpdateTime),
	}
}

func translateStatus(s gobinance.OrderStatusType) string {
	switch s {
	case gobinance.OrderStatusTypeNew:
		return "open"
	case gobinance.OrderStatusTypePartiallyFilled:
		return "partially_filled"
	case gobinance.OrderStatusTypeFilled:
		return "filled"
	case gobinance.OrderStatusTypeCanceled, gobinance.OrderStatusTypePendingCancel:
		return "canceled"
	case gobinance.OrderStatusTypeRejected:
		return "rejected"
	case gobinance.OrderStatusTypeExpired:
		return "expired"
	default:
		return strings.ToLower(string(s))
	}
}

// formatByStep renders a value with exactly the decimals its step implies,
// truncating rather than rounding so we never exceed a balance.
func formatByStep(v, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	decimals := 0
	for s := step; s < 0.9 && decimals < 12; s *= 10 {
		decimals++
	}
	return strconv.FormatFloat(utilities.FloorToPrecision(v, step), 'f', decimals, 64)
}

func timeframeDuration(tf string) (time.Duration, error) {
	switch strings.ToLower(tf) {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported timeframe: %s", tf)
}
