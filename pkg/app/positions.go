// File: pkg/app/positions.go
package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"riptide/strategy"
	"riptide/utilities"
)

// tpPriceTolerance is how close an exchange-reported sell order must be to
// an expected TP price to count as that TP still resting.
const tpPriceTolerance = 0.001

// managePosition evaluates the exit triggers for one open position, in
// fixed precedence: ATR stop-loss, trailing stop, TP ladder, adaptive RSI
// exit, stale-trade timeout. Only one trigger fires per cycle.
func (e *EngineState) managePosition(ctx context.Context, symbol string, fast, slow strategy.Snapshot) {
	ticker, err := e.broker.GetTicker(ctx, symbol)
	if err != nil {
		e.logger.LogWarn("engine [%s]: no ticker in managePosition: %v", symbol, err)
		return
	}
	price := ticker.LastPrice

	e.stateMutex.Lock()
	pos, exists := e.openPositions[symbol]
	if !exists {
		e.stateMutex.Unlock()
		return
	}
	// The high-water mark ratchets every cycle regardless of exit.
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}
	snapshot := *pos
	tcfg := e.config.Trading
	e.stateMutex.Unlock()

	trend := "Above SMA"
	if slow.SMA > 0 && price < slow.SMA {
		trend = "Below SMA"
	}

	// 1. ATR stop-loss.
	stopPrice := snapshot.EntryPrice - fast.ATR*tcfg.StopLossATRMultiplier
	if price <= stopPrice {
		loss := (snapshot.EntryPrice - price) * snapshot.Qty
		e.risk.RecordLoss(ctx, loss)
		e.closePosition(ctx, symbol, price, fmt.Sprintf("ATR Stop-loss | SMA Trend: %s", trend))
		return
	}

	// 2. ATR trailing stop.
	trailingThreshold := snapshot.HighestPrice - fast.ATR*tcfg.TrailingATRMultiplier
	if price <= trailingThreshold {
		profitLoss := (price - snapshot.EntryPrice) * snapshot.Qty
		e.risk.RecordLoss(ctx, -profitLoss)
		e.closePosition(ctx, symbol, price, fmt.Sprintf("ATR Trailing stop | SMA Trend: %s", trend))
		return
	}

	// 3. TP ladder. A reached stage only fires when momentum is fading
	// (RSI above midline, MACD under its signal); otherwise the exit is
	// deferred deliberately and the ride continues.
	for i, tp := range snapshot.TPPrices {
		if price < tp || snapshot.TPTriggered(tp) {
			continue
		}
		if fast.RSI > 50 && fast.MACDLine < fast.MACDSignal {
			e.executeTPStage(ctx, symbol, i, tp, price, trend)
			return
		}
		reason := "RSI ≤ 50"
		if fast.RSI > 50 {
			reason = "MACD Bullish"
		}
		e.logger.LogInfo("engine [%s]: TP %d reached but skipped: %s", symbol, i+1, reason)
		e.notify(fmt.Sprintf("🚫 TP %d Skipped for %s: %s | RSI: %.2f | MACD: %.4f/%.4f", i+1, symbol, reason, fast.RSI, fast.MACDLine, fast.MACDSignal))
	}

	// 4. Adaptive RSI exit.
	sellLevel := strategy.AdaptiveRSISell(tcfg.RSISellBase, fast.ATR, price, tcfg.RSIATRMultiplier, tcfg.RSISellMin, tcfg.RSISellMax)
	if fast.RSI >= float64(sellLevel) {
		profitLoss := (price - snapshot.EntryPrice) * snapshot.Qty
		e.risk.RecordLoss(ctx, -profitLoss)
		e.closePosition(ctx, symbol, price, fmt.Sprintf("RSI sell %.2f ≥ Adaptive %d | SMA Trend: %s", fast.RSI, sellLevel, trend))
		return
	}

	// 5. Stale-trade timeout (only when configured).
	if tcfg.MaxTradeDurationMin > 0 {
		held := snapshot.HeldFor(time.Now())
		if held > time.Duration(tcfg.MaxTradeDurationMin)*time.Minute {
			profitLoss := (price - snapshot.EntryPrice) * snapshot.Qty
			e.risk.RecordLoss(ctx, -profitLoss)
			e.closePosition(ctx, symbol, price, fmt.Sprintf("Max trade duration %dmin exceeded", tcfg.MaxTradeDurationMin))
		}
	}
}

// executeTPStage sells the staged share of the remaining quantity: 50% for
// every stage but the last, all of it on the last.
func (e *EngineState) executeTPStage(ctx context.Context, symbol string, stage int, tp, price float64, trend string) {
	e.stateMutex.Lock()
	pos, exists := e.openPositions[symbol]
	if !exists {
		e.stateMutex.Unlock()
		return
	}
	share := 0.5
	if stage == len(pos.TPPrices)-1 {
		share = 1.0
	}
	qtyToSell := pos.Qty * share
	entry := pos.EntryPrice
	e.stateMutex.Unlock()

	sold, err := e.sellMarket(ctx, symbol, qtyToSell)
	if err != nil {
		e.logger.LogError("engine [%s]: TP %d sell failed: %v", symbol, stage+1, err)
		e.notify(fmt.Sprintf("⚠️ TP %d sell failed for %s: %v", stage+1, symbol, err))
		return
	}
	if sold <= 0 {
		// Balance clamped the sell to nothing; the stage has not fired.
		e.logger.LogWarn("engine [%s]: TP %d sell clamped to zero, stage left pending", symbol, stage+1)
		return
	}

	profit := (price - entry) * sold
	e.risk.RecordLoss(ctx, -profit)

	e.stateMutex.Lock()
	if pos, ok := e.openPositions[symbol]; ok {
		pos.TPsTriggered = append(pos.TPsTriggered, tp)
		pos.Qty -= sold
		if pos.Qty <= 0 {
			delete(e.openPositions, symbol)
			e.lastClose = &tradeRecord{Symbol: symbol, Price: price, Qty: sold, Reason: fmt.Sprintf("TP %d (final)", stage+1), Time: time.Now()}
		}
		e.persistPositionsLocked()
	}
	e.stateMutex.Unlock()

	msg := fmt.Sprintf("✅ TP %d hit for %s: sold %.6f @ %.4f | P/L: $%.2f | SMA Trend: %s", stage+1, symbol, sold, price, profit, trend)
	e.logger.LogInfo(msg)
	e.notify(msg)
}

// sellMarket clamps qty to the free base balance and submits a market sell.
// A quantity that clamps to zero sells nothing and returns 0.
func (e *EngineState) sellMarket(ctx context.Context, symbol string, qty float64) (float64, error) {
	clamped, err := e.exec.ClampedSellQty(ctx, symbol, qty)
	if err != nil {
		return 0, err
	}
	if clamped <= 0 {
		return 0, nil
	}
	if _, err := e.exec.PlaceOrder(ctx, symbol, "sell", "market", clamped, 0); err != nil {
		return 0, err
	}
	return clamped, nil
}

// closePosition fully exits a position at market and drops it from the
// active set. A sell quantity that clamps to zero (balance already gone)
// still drops the position: qty 0 means gone, immediately.
func (e *EngineState) closePosition(ctx context.Context, symbol string, price float64, reason string) {
	e.stateMutex.RLock()
	pos, exists := e.openPositions[symbol]
	if !exists {
		e.stateMutex.RUnlock()
		return
	}
	snapshot := *pos
	e.stateMutex.RUnlock()

	sold, err := e.sellMarket(ctx, symbol, snapshot.Qty)
	if err != nil {
		e.logger.LogError("engine [%s]: close failed: %v", symbol, err)
		e.notify(fmt.Sprintf("🚫 close %s failed: %v", symbol, err))
		return
	}

	pl := (price - snapshot.EntryPrice) * sold
	timeHeld := snapshot.HeldFor(time.Now()).Round(time.Minute)
	loss, startingBalance := e.risk.Snapshot(ctx)
	remaining := e.config.Risk.MaxDailyLossPercent/100*startingBalance - loss

	e.stateMutex.Lock()
	delete(e.openPositions, symbol)
	e.lastClose = &tradeRecord{Symbol: symbol, Price: price, Qty: sold, Reason: reason, Time: time.Now()}
	e.persistPositionsLocked()
	e.stateMutex.Unlock()

	msg := fmt.Sprintf(
		"✅ SELL %s qty:%.6f @ %.4f (%s)\n🔸 Position Size: $%.2f | P/L: $%.2f\n🔸 Time Held: %s\n🔸 Daily Loss: $%.2f | Remaining: $%.2f",
		symbol, sold, price, reason, sold*price, pl, timeHeld, loss, remaining)
	e.notify(msg)
	e.logger.LogInfo(msg)
}

// monitorOrders detects a manually canceled TP: an expected ladder price
// with no matching open sell order. The first detection stamps the
// reset-delay window during which TP (re)placement is suppressed; the
// stamp is not refreshed while the order stays missing, so the window can
// expire and reconciliation can restore the ladder.
func (e *EngineState) monitorOrders(ctx context.Context, symbol string) {
	e.stateMutex.RLock()
	pos, exists := e.openPositions[symbol]
	var expected []float64
	if exists {
		expected = append(expected, pos.TPPrices...)
	}
	e.stateMutex.RUnlock()
	if len(expected) == 0 {
		return
	}

	openOrders, err := e.broker.GetOpenOrders(ctx, symbol)
	if err != nil {
		e.logger.LogWarn("engine [%s]: monitorOrders fetch failed: %v", symbol, err)
		return
	}
	var activeSellPrices []float64
	for _, o := range openOrders {
		if o.Side == "sell" {
			activeSellPrices = append(activeSellPrices, o.Price)
		}
	}

	for _, tp := range expected {
		missing := true
		for _, p := range activeSellPrices {
			if math.Abs(tp-p) <= tpPriceTolerance {
				missing = false
				break
			}
		}
		if missing {
			e.stateMutex.Lock()
			_, alreadyStamped := e.tpCancelledAt[symbol]
			if !alreadyStamped {
				e.tpCancelledAt[symbol] = time.Now()
			}
			e.stateMutex.Unlock()
			if !alreadyStamped {
				e.logger.LogInfo("engine [%s]: manual TP cancel detected at %.4f, pausing TP placement %ds", symbol, tp, e.config.Trading.TPResetDelaySec)
			}
			break
		}
	}
}

// inTPResetWindow reports whether TP placement is currently suppressed.
func (e *EngineState) inTPResetWindow(symbol string) bool {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	cancelledAt, ok := e.tpCancelledAt[symbol]
	if !ok {
		return false
	}
	delay := time.Duration(e.config.Trading.TPResetDelaySec) * time.Second
	return time.Since(cancelledAt) < delay
}

// setTakeProfits places the limit-sell ladder for a position and records
// the placed prices on it. Stages sell 50% of the remaining quantity each,
// except the final stage which sells everything left. Legs below the
// market's minimum notional are skipped, not submitted. Suppressed inside
// the TP-reset-delay window.
func (e *EngineState) setTakeProfits(ctx context.Context, symbol string, atr float64) {
	if e.inTPResetWindow(symbol) {
		e.logger.LogInfo("engine [%s]: skipping TP setup inside reset-delay window", symbol)
		return
	}

	e.stateMutex.RLock()
	pos, exists := e.openPositions[symbol]
	if !exists {
		e.stateMutex.RUnlock()
		return
	}
	entry := pos.Qty
	entryPrice := pos.EntryPrice
	e.stateMutex.RUnlock()

	multipliers := e.config.Trading.TPMultipliers
	var placed []float64
	remaining := entry
	for i, mult := range multipliers {
		tpPrice := entryPrice + atr*mult
		qty := remaining * 0.5
		if i == len(multipliers)-1 {
			qty = remaining
		}
		if !e.exec.MeetsMinNotional(symbol, qty, tpPrice) {
			e.logger.LogWarn("engine [%s]: TP %d skipped, value %.4f below min notional", symbol, i+1, qty*tpPrice)
			continue
		}
		if _, err := e.exec.PlaceOrder(ctx, symbol, "sell", "limit", qty, tpPrice); err != nil {
			e.logger.LogError("engine [%s]: placing TP %d failed: %v", symbol, i+1, err)
			continue
		}
		placed = append(placed, tpPrice)
		remaining -= qty
		e.logger.LogInfo("engine [%s]: set TP %d: %.6f @ %.4f", symbol, i+1, qty, tpPrice)
	}

	e.stateMutex.Lock()
	if pos, ok := e.openPositions[symbol]; ok {
		pos.TPPrices = placed
		e.persistPositionsLocked()
	}
	// A fresh ladder closes out any pending cancel window.
	delete(e.tpCancelledAt, symbol)
	e.stateMutex.Unlock()
}

// syncPositions reconciles the believed position set against actual
// exchange balances. Exchange state wins: untracked non-zero balances are
// adopted, tracked symbols with zero balance are dropped, and tracked
// positions keep their entry/highest/TP history while adopting the
// exchange-reported quantity. Idempotent: when belief already matches, no
// state changes and no orders are placed.
func (e *EngineState) syncPositions(ctx context.Context) error {
	balances, err := e.broker.GetAllBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	byAsset := make(map[string]float64, len(balances))
	for _, b := range balances {
		byAsset[b.Currency] = b.Available
	}

	quote := e.config.Trading.QuoteCurrency
	if free := byAsset[quote]; free < e.config.Trading.MinimumBalance {
		e.logger.LogWarn("engine: low %s balance: %.4f", quote, free)
	}

	// Symbol universe: configured list plus anything currently tracked.
	e.stateMutex.RLock()
	universe := make(map[string]bool, len(e.config.Trading.Symbols)+len(e.openPositions))
	for _, sym := range e.config.Trading.Symbols {
		universe[sym] = true
	}
	for sym := range e.openPositions {
		universe[sym] = true
	}
	e.stateMutex.RUnlock()

	symbols := make([]string, 0, len(universe))
	for sym := range universe {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var adopted []string
	changed := false
	for _, symbol := range symbols {
		qty := byAsset[baseAsset(symbol)]

		e.stateMutex.RLock()
		pos, tracked := e.openPositions[symbol]
		var trackedQty float64
		if tracked {
			trackedQty = pos.Qty
		}
		e.stateMutex.RUnlock()

		if qty <= 0 {
			if tracked {
				e.stateMutex.Lock()
				delete(e.openPositions, symbol)
				e.stateMutex.Unlock()
				changed = true
				e.logger.LogInfo("engine [%s]: balance gone, dropping tracked position", symbol)
			}
			continue
		}

		if tracked && utilities.AlmostEqual(trackedQty, qty, 1e-9) {
			continue // belief matches exchange, nothing to do
		}

		ticker, err := e.broker.GetTicker(ctx, symbol)
		if err != nil {
			e.logger.LogWarn("engine [%s]: sync skipped, no ticker: %v", symbol, err)
			continue
		}
		bars, err := e.broker.GetLastNOHLCVBars(ctx, symbol, e.config.Trading.Timeframe, candleWindow)
		var atr float64
		if err == nil {
			if fresh, aerr := strategy.CalculateATR(bars, e.config.Indicators.ATRPeriod); aerr == nil {
				atr = fresh
			}
		}

		e.stateMutex.Lock()
		if pos, tracked := e.openPositions[symbol]; tracked {
			pos.Qty = qty
			pos.StopLoss = pos.EntryPrice - atr*e.config.Trading.StopLossATRMultiplier
		} else {
			e.openPositions[symbol] = &utilities.Position{
				Symbol:       symbol,
				EntryPrice:   ticker.LastPrice,
				Qty:          qty,
				HighestPrice: ticker.LastPrice,
				StopLoss:     ticker.LastPrice - atr*e.config.Trading.StopLossATRMultiplier,
				ATRAtEntry:   atr,
				EntryTime:    time.Now().Unix(),
				Strategy:     "reconciled",
			}
			adopted = append(adopted, symbol)
		}
		e.stateMutex.Unlock()
		changed = true
	}

	// TP ladders for positions we just adopted; tracked positions keep
	// whatever ladder they already carry.
	for _, symbol := range adopted {
		e.replaceLadder(ctx, symbol)
	}

	// Ladders lost to a manual cancel come back once the reset delay has
	// passed. Records for symbols no longer tracked are stale; drop them.
	delay := time.Duration(e.config.Trading.TPResetDelaySec) * time.Second
	e.stateMutex.Lock()
	var expired []string
	for sym, at := range e.tpCancelledAt {
		if _, ok := e.openPositions[sym]; !ok {
			delete(e.tpCancelledAt, sym)
			continue
		}
		if time.Since(at) >= delay {
			expired = append(expired, sym)
		}
	}
	e.stateMutex.Unlock()
	sort.Strings(expired)
	for _, symbol := range expired {
		e.logger.LogInfo("engine [%s]: TP reset delay over, restoring ladder", symbol)
		e.replaceLadder(ctx, symbol)
	}

	if changed {
		e.stateMutex.Lock()
		e.persistPositionsLocked()
		e.stateMutex.Unlock()
	}
	return nil
}

// replaceLadder places the TP ladder for a tracked position using the ATR
// recorded at entry.
func (e *EngineState) replaceLadder(ctx context.Context, symbol string) {
	e.stateMutex.RLock()
	pos, ok := e.openPositions[symbol]
	var atr float64
	if ok {
		atr = pos.ATRAtEntry
	}
	e.stateMutex.RUnlock()
	if ok {
		e.setTakeProfits(ctx, symbol, atr)
	}
}

// panicClose closes every open position at market.
func (e *EngineState) panicClose(ctx context.Context) {
	e.stateMutex.RLock()
	symbols := make([]string, 0, len(e.openPositions))
	for sym := range e.openPositions {
		symbols = append(symbols, sym)
	}
	e.stateMutex.RUnlock()
	sort.Strings(symbols)

	for _, symbol := range symbols {
		ticker, err := e.broker.GetTicker(ctx, symbol)
		if err != nil {
			e.notify(fmt.Sprintf("⚠️ Failed to close %s: %v", symbol, err))
			continue
		}
		e.closePosition(ctx, symbol, ticker.LastPrice, "panic close")
	}
}

// cancelAllOrders cancels every open order across all symbols. Per-order
// failures are tolerated so one stuck order doesn't block the rest.
func (e *EngineState) cancelAllOrders(ctx context.Context) {
	orders, err := e.broker.GetOpenOrders(ctx, "")
	if err != nil {
		e.notify(fmt.Sprintf("⚠️ Failed to list open orders: %v", err))
		return
	}
	cancelled := 0
	for _, o := range orders {
		if err := e.exec.CancelAndConfirm(ctx, o.Pair, o.ID); err != nil {
			e.logger.LogWarn("engine [%s]: could not cancel order %s: %v", o.Pair, o.ID, err)
			continue
		}
		cancelled++
	}
	e.notify(fmt.Sprintf("✅ Cancelled %d pending order(s).", cancelled))
}
