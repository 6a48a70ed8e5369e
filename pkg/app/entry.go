// File: pkg/app/entry.go
package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"riptide/pkg/metrics"
	"riptide/strategy"
	"riptide/utilities"
)

// minFillRatio is the fraction of the requested quantity that must fill
// before an entry order counts as a position.
const minFillRatio = 0.99

// seekEntry runs the full entry gate for one symbol: capacity, cooldown,
// balance, daily-loss circuit breaker, signal bundles, slow-timeframe RSI
// confirmation, and the adaptive RSI zone match. A passing gate places a
// limit buy and promotes it to a position only on a near-complete fill.
func (e *EngineState) seekEntry(ctx context.Context, symbol string, fast, slow strategy.Snapshot) {
	tcfg := e.config.Trading

	e.stateMutex.RLock()
	_, alreadyOpen := e.openPositions[symbol]
	openCount := len(e.openPositions)
	lastTrade := e.cooldowns[symbol]
	e.stateMutex.RUnlock()

	if alreadyOpen {
		return
	}
	if openCount >= tcfg.MaxConcurrentTrades {
		e.logger.LogDebug("engine [%s]: max concurrent trades reached (%d)", symbol, tcfg.MaxConcurrentTrades)
		return
	}
	if lastTrade > 0 && time.Since(time.Unix(lastTrade, 0)) < time.Duration(tcfg.TradeCooldownSec)*time.Second {
		e.logger.LogDebug("engine [%s]: cooldown active", symbol)
		return
	}

	freeQuote, err := e.freeQuoteBalance(ctx)
	if err != nil {
		e.logger.LogWarn("engine [%s]: balance fetch failed: %v", symbol, err)
		return
	}
	if freeQuote < tcfg.MinimumBalance {
		e.logger.LogInfo("engine [%s]: insufficient %s balance %.4f", symbol, tcfg.QuoteCurrency, freeQuote)
		return
	}

	if !e.risk.CanTrade(ctx) {
		loss, _ := e.risk.Snapshot(ctx)
		e.logger.LogInfo("engine [%s]: daily loss limit reached", symbol)
		e.notify(fmt.Sprintf("🚫 Daily loss limit reached for %s | Daily Loss: $%.2f", symbol, loss))
		return
	}

	budget := utilities.Clamp(freeQuote*tcfg.PercentPerTrade, tcfg.MinTradeQuote, tcfg.MaxTradeQuote)

	passed, bundle, explanation := strategy.EvaluateEntry(fast, slow)
	if !passed {
		e.maybeSendNoEntryDiagnostic(symbol, explanation)
		return
	}
	e.logger.LogInfo("engine [%s]: entry logic passed: %s | %s", symbol, bundle, explanation)
	metrics.EntrySignals.WithLabelValues(bundle).Inc()

	// Slow-timeframe confirmation: don't chase an already-overbought hour.
	confirmed := slow.RSI < tcfg.RSI1hMax

	levels := strategy.AdaptiveRSILevels(tcfg.RSIEntryZones, fast.ATR, fast.Close, tcfg.RSIATRMultiplier)
	for _, level := range levels {
		dedupKey := fmt.Sprintf("%s_%d", symbol, level)

		e.stateMutex.RLock()
		alerted := e.rsiAlerts[dedupKey]
		e.stateMutex.RUnlock()
		if alerted {
			continue
		}

		if !confirmed || math.Abs(fast.RSI-float64(level)) > tcfg.RSITolerance {
			e.maybeSendNoEntryDiagnostic(symbol, fmt.Sprintf("not within RSI tolerance of level %d (RSI %.2f, 1h RSI %.2f)", level, fast.RSI, slow.RSI))
			continue
		}

		if e.enterPosition(ctx, symbol, budget, level, bundle, fast, slow) {
			return
		}
	}
}

// enterPosition places the limit buy and promotes it to a tracked position
// when the fill clears the threshold. Returns true when a position was
// opened or the attempt is final for this cycle.
func (e *EngineState) enterPosition(ctx context.Context, symbol string, budget float64, level int, bundle string, fast, slow strategy.Snapshot) bool {
	tcfg := e.config.Trading

	ticker, err := e.broker.GetTicker(ctx, symbol)
	if err != nil {
		e.logger.LogError("engine [%s]: no ticker data: %v", symbol, err)
		return false
	}
	limitPrice := ticker.Ask * (1 + tcfg.LimitOrderOffset)
	qty := budget / limitPrice
	if qty <= 0 {
		e.logger.LogInfo("engine [%s]: quantity %.8f too low, skipping", symbol, qty)
		return false
	}

	orderID, err := e.exec.PlaceOrder(ctx, symbol, "buy", "limit", qty, limitPrice)
	if err != nil {
		e.logger.LogError("engine [%s]: entry order failed: %v", symbol, err)
		e.notify(fmt.Sprintf("❌ Trade error for %s: %v", symbol, err))
		return true
	}

	// Give the order a moment to fill before judging it.
	sleepCtx(ctx, time.Duration(tcfg.FillSettleDelayMs)*time.Millisecond)

	order, err := e.exec.GetOrder(ctx, symbol, orderID)
	if err != nil {
		e.logger.LogError("engine [%s]: entry fill check failed: %v", symbol, err)
		e.notify(fmt.Sprintf("❌ Could not verify entry order for %s: %v", symbol, err))
		return true
	}

	if order.Status != "filled" || order.FilledVolume < order.Volume*minFillRatio {
		fillPct := "Unknown"
		if order.Volume > 0 {
			fillPct = fmt.Sprintf("%.0f%%", order.FillRatio()*100)
		}
		e.logger.LogWarn("engine [%s]: order not filled: status %s, filled %.8f/%.8f", symbol, order.Status, order.FilledVolume, order.Volume)
		e.notify(fmt.Sprintf("🚫 Order not filled for %s. Status: %s | Fill: %s", symbol, order.Status, fillPct))
		// Abandon: cancel whatever is left resting so no surprise fill later.
		if !order.IsTerminal() {
			if cerr := e.exec.CancelAndConfirm(ctx, symbol, orderID); cerr != nil {
				e.logger.LogWarn("engine [%s]: could not cancel abandoned entry: %v", symbol, cerr)
			}
		}
		return true
	}

	entryPrice := order.AvgFillPrice
	if entryPrice <= 0 {
		entryPrice = fast.Close
	}

	e.stateMutex.Lock()
	e.openPositions[symbol] = &utilities.Position{
		Symbol:       symbol,
		EntryPrice:   entryPrice,
		Qty:          order.FilledVolume,
		HighestPrice: fast.Close,
		StopLoss:     entryPrice - fast.ATR*tcfg.StopLossATRMultiplier,
		ATRAtEntry:   fast.ATR,
		EntryTime:    time.Now().Unix(),
		Strategy:     bundle,
	}
	e.rsiAlerts[fmt.Sprintf("%s_%d", symbol, level)] = true
	e.cooldowns[symbol] = time.Now().Unix()
	e.lastEntry = &tradeRecord{Symbol: symbol, Price: entryPrice, Qty: order.FilledVolume, Reason: bundle, Time: time.Now()}
	e.persistPositionsLocked()
	e.persistCooldownsLocked()
	e.persistAlertsLocked()
	e.stateMutex.Unlock()

	e.setTakeProfits(ctx, symbol, fast.ATR)

	e.stateMutex.RLock()
	var tpPrices []float64
	if pos, ok := e.openPositions[symbol]; ok {
		tpPrices = append(tpPrices, pos.TPPrices...)
	}
	e.stateMutex.RUnlock()

	tpStrs := make([]string, 0, len(tpPrices))
	for _, p := range tpPrices {
		tpStrs = append(tpStrs, fmt.Sprintf("$%.4f", p))
	}
	trend := "Above SMA"
	if fast.Close < slow.SMA {
		trend = "Below SMA"
	}
	msg := fmt.Sprintf(
		"📈 Entry Signal: %s @ RSI ≈ %d (±%.0f)\n💡 Strategy: %s\n💰 Price: %.4f | Limit Order\n📊 RSI(%s): %.2f | RSI(%s): %.2f\n📊 MACD Hist: %.4f\n📊 Bollinger: Lower BB: %.4f | Price: %.4f\n📊 Volume: %.0f ≥ Avg: %.0f\n📊 SMA Trend: %s\n📊 ATR: %.4f\n🎯 TPs: %s\n🧮 Position Size: $%.2f\n✅ Entry Confirmed!",
		symbol, level, tcfg.RSITolerance, bundle, entryPrice,
		tcfg.Timeframe, fast.RSI, tcfg.SlowTimeframe, slow.RSI,
		fast.MACDHist, fast.LowerBand, fast.Close, fast.Volume, fast.AvgVolume,
		trend, fast.ATR, strings.Join(tpStrs, ", "), order.FilledVolume*entryPrice)
	e.notify(msg)
	e.logger.LogInfo(msg)

	if fn, ok := e.notifier.(fillNotifier); ok {
		if err := fn.NotifyOrderFilled(order, fmt.Sprintf("Strategy: %s | Entry level: RSI %d", bundle, level)); err != nil {
			e.logger.LogWarn("engine [%s]: fill notification failed: %v", symbol, err)
		}
	}
	return true
}

// maybeSendNoEntryDiagnostic notifies why no entry happened, rate-limited
// per symbol so a flat market doesn't flood the channel.
func (e *EngineState) maybeSendNoEntryDiagnostic(symbol, detail string) {
	e.stateMutex.Lock()
	last, ok := e.noEntryAlerts[symbol]
	if ok && time.Since(last) < noEntryAlertInterval {
		e.stateMutex.Unlock()
		return
	}
	e.noEntryAlerts[symbol] = time.Now()
	e.stateMutex.Unlock()

	e.logger.LogInfo("engine [%s]: no entry: %s", symbol, detail)
	e.notify(fmt.Sprintf("ℹ️ No entry for %s: %s", symbol, detail))
}
