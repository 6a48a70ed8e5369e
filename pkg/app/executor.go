// File: pkg/app/executor.go
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"riptide/pkg/broker"
	"riptide/pkg/metrics"
	"riptide/utilities"
)

// OrderExecutor wraps the raw broker with the safety rails every order
// needs: bounded retries with backoff, a long cooldown on rate limits,
// lot-step flooring, minimum-notional checks, and sell-quantity clamping.
type OrderExecutor struct {
	broker broker.Broker
	cfg    *utilities.BinanceConfig
	logger *utilities.Logger

	// overridable in tests
	sleep func(time.Duration)
}

func NewOrderExecutor(b broker.Broker, cfg *utilities.BinanceConfig, logger *utilities.Logger) *OrderExecutor {
	return &OrderExecutor{broker: b, cfg: cfg, logger: logger, sleep: time.Sleep}
}

// PlaceOrder floors the quantity to the pair's lot step, enforces the
// minimum notional, and submits with retry. Returns the exchange order ID.
func (e *OrderExecutor) PlaceOrder(ctx context.Context, pair, side, orderType string, qty, price float64) (string, error) {
	mi, err := e.broker.GetMarketInfo(pair)
	if err != nil {
		return "", err
	}
	qty = utilities.FloorToPrecision(qty, mi.LotStep)
	if qty <= 0 {
		return "", fmt.Errorf("executor: quantity rounds to zero for %s", pair)
	}
	notionalPrice := price
	if notionalPrice <= 0 {
		ticker, terr := e.broker.GetTicker(ctx, pair)
		if terr != nil {
			return "", terr
		}
		notionalPrice = ticker.LastPrice
	}
	if mi.MinNotional > 0 && qty*notionalPrice < mi.MinNotional {
		return "", fmt.Errorf("executor: order value %.4f below min notional %.4f for %s", qty*notionalPrice, mi.MinNotional, pair)
	}

	var orderID string
	err = e.withRetry(ctx, fmt.Sprintf("place %s %s %s", side, orderType, pair), func() error {
		var perr error
		orderID, perr = e.broker.PlaceOrder(ctx, pair, side, orderType, qty, price)
		return perr
	})
	if err != nil {
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues(strings.ToLower(side)).Inc()
	return orderID, nil
}

// ClampedSellQty returns qty clamped to the free base balance and floored
// to the lot step. Never oversell: the exchange's number wins.
func (e *OrderExecutor) ClampedSellQty(ctx context.Context, pair string, qty float64) (float64, error) {
	mi, err := e.broker.GetMarketInfo(pair)
	if err != nil {
		return 0, err
	}
	bal, err := e.broker.GetBalance(ctx, mi.BaseAsset)
	if err != nil {
		return 0, err
	}
	if bal.Available < qty {
		e.logger.LogWarn("executor [%s]: clamping sell qty %.8f to free balance %.8f", pair, qty, bal.Available)
		qty = bal.Available
	}
	return utilities.FloorToPrecision(qty, mi.LotStep), nil
}

// MeetsMinNotional reports whether a leg of qty at price clears the pair's
// minimum order value.
func (e *OrderExecutor) MeetsMinNotional(pair string, qty, price float64) bool {
	mi, err := e.broker.GetMarketInfo(pair)
	if err != nil {
		return false
	}
	return mi.MinNotional <= 0 || qty*price >= mi.MinNotional
}

// CancelAndConfirm cancels an order and then fetches its status so the
// caller knows the order is really gone, not just that the cancel request
// was accepted. An already-missing order counts as success.
func (e *OrderExecutor) CancelAndConfirm(ctx context.Context, pair, orderID string) error {
	err := e.withRetry(ctx, fmt.Sprintf("cancel %s on %s", orderID, pair), func() error {
		return e.broker.CancelOrder(ctx, pair, orderID)
	})
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		return err
	}
	order, err := e.broker.GetOrderStatus(ctx, pair, orderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return nil
		}
		return fmt.Errorf("executor: cancel confirmation fetch failed: %w", err)
	}
	if !order.IsTerminal() {
		return fmt.Errorf("executor: order %s on %s still %s after cancel", orderID, pair, order.Status)
	}
	return nil
}

// GetOrder fetches order state with retry.
func (e *OrderExecutor) GetOrder(ctx context.Context, pair, orderID string) (broker.Order, error) {
	var order broker.Order
	err := e.withRetry(ctx, fmt.Sprintf("status of %s on %s", orderID, pair), func() error {
		var gerr error
		order, gerr = e.broker.GetOrderStatus(ctx, pair, orderID)
		return gerr
	})
	return order, err
}

// withRetry runs op up to MaxRetries+1 times with exponential backoff.
// A rate-limit response triggers the long cooldown sleep instead of the
// normal backoff. Order-not-found is never retried.
func (e *OrderExecutor) withRetry(ctx context.Context, what string, op func() error) error {
	var lastErr error
	delay := time.Duration(e.cfg.RetryDelaySec) * time.Second
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, broker.ErrOrderNotFound) {
			return lastErr
		}
		if errors.Is(lastErr, broker.ErrRateLimited) {
			cooldown := time.Duration(e.cfg.RateLimitCooldownSec) * time.Second
			e.logger.LogWarn("executor: rate limited during %s, cooling down %s", what, cooldown)
			e.sleep(cooldown)
			continue
		}
		e.logger.LogWarn("executor: %s failed (attempt %d/%d): %v", what, attempt+1, e.cfg.MaxRetries+1, lastErr)
		if attempt < e.cfg.MaxRetries {
			e.sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("executor: %s failed after %d attempts: %w", what, e.cfg.MaxRetries+1, lastErr)
}
