// File: pkg/app/commands.go
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"riptide/pkg/metrics"
	"riptide/strategy"
)

const helpText = `Commands:
/start - resume trading
/stop - pause trading
/status - engine status
/panicclose - market-close every position
/cancelall - cancel all open orders
/buy <symbol> <amount> - manual market buy for <amount> quote
/sell <symbol> - market-close one position
/cancel <symbol> - cancel open orders for one symbol
/balance - free quote balance
/portfolio - all non-zero balances
/orders - open orders
/openpositions - tracked positions
/position <symbol> - one position in detail
/lastentry - most recent entry
/lastclose - most recent close
/scanner - latest volatility scan
/recommend <symbol> - evaluate entry bundles now
/help - this text`

// HandleCommand dispatches one operator command and returns the reply text.
// All three duplicated pollers of old collapse into this single handler;
// the transport only delivers authorized text and sends replies back.
func (e *EngineState) HandleCommand(ctx context.Context, text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return ""
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]
	metrics.Commands.WithLabelValues(command).Inc()

	switch command {
	case "/start":
		if e.setRunning(true) {
			return "▶️ Bot resumed."
		}
		return "Bot is already running."

	case "/stop":
		if e.setRunning(false) {
			return "⏸️ Bot paused. Open positions are still managed by sync."
		}
		return "Bot is already paused."

	case "/status":
		return e.statusReply(ctx)

	case "/panicclose":
		e.panicClose(ctx)
		return "🚨 Panic close executed."

	case "/cancelall":
		e.cancelAllOrders(ctx)
		return ""

	case "/buy":
		if len(args) != 2 {
			return "Usage: /buy <symbol> <amount>"
		}
		return e.manualBuy(ctx, normalizeSymbol(args[0], e.config.Trading.QuoteCurrency), args[1])

	case "/sell":
		if len(args) != 1 {
			return "Usage: /sell <symbol>"
		}
		return e.manualSell(ctx, normalizeSymbol(args[0], e.config.Trading.QuoteCurrency))

	case "/cancel":
		if len(args) != 1 {
			return "Usage: /cancel <symbol>"
		}
		return e.cancelSymbolOrders(ctx, normalizeSymbol(args[0], e.config.Trading.QuoteCurrency))

	case "/balance":
		free, err := e.freeQuoteBalance(ctx)
		if err != nil {
			return fmt.Sprintf("⚠️ Balance fetch failed: %v", err)
		}
		return fmt.Sprintf("💰 Free %s: %.2f", e.config.Trading.QuoteCurrency, free)

	case "/portfolio":
		return e.portfolioReply(ctx)

	case "/orders":
		return e.ordersReply(ctx)

	case "/openpositions":
		return e.openPositionsReply()

	case "/position":
		if len(args) != 1 {
			return "Usage: /position <symbol>"
		}
		return e.positionReply(normalizeSymbol(args[0], e.config.Trading.QuoteCurrency))

	case "/lastentry":
		return formatTradeRecord("Last entry", e.lastEntryRecord())

	case "/lastclose":
		return formatTradeRecord("Last close", e.lastCloseRecord())

	case "/scanner":
		return e.scannerReply()

	case "/recommend":
		if len(args) != 1 {
			return "Usage: /recommend <symbol>"
		}
		return e.recommendReply(ctx, normalizeSymbol(args[0], e.config.Trading.QuoteCurrency))

	case "/help":
		return helpText
	}
	return ""
}

// normalizeSymbol upper-cases a symbol argument and appends the quote
// currency when the operator typed just the base asset.
func normalizeSymbol(arg, quote string) string {
	sym := strings.ToUpper(arg)
	if !strings.Contains(sym, "/") {
		sym = sym + "/" + strings.ToUpper(quote)
	}
	return sym
}

func (e *EngineState) statusReply(ctx context.Context) string {
	loss, starting := e.risk.Snapshot(ctx)
	e.stateMutex.RLock()
	running := e.running
	open := len(e.openPositions)
	e.stateMutex.RUnlock()

	state := "running ▶️"
	if !running {
		state = "paused ⏸️"
	}
	return fmt.Sprintf("🤖 %s %s\nState: %s\nOpen positions: %d\nDaily loss: $%.2f of $%.2f starting balance",
		e.config.AppName, e.config.Version, state, open, loss, starting)
}

func (e *EngineState) manualBuy(ctx context.Context, symbol, amountArg string) string {
	var amount float64
	if _, err := fmt.Sscanf(amountArg, "%f", &amount); err != nil || amount <= 0 {
		return fmt.Sprintf("Invalid amount %q", amountArg)
	}
	ticker, err := e.broker.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Sprintf("⚠️ No ticker for %s: %v", symbol, err)
	}
	qty := amount / ticker.Ask
	orderID, err := e.exec.PlaceOrder(ctx, symbol, "buy", "market", qty, 0)
	if err != nil {
		return fmt.Sprintf("❌ Manual buy failed for %s: %v", symbol, err)
	}
	return fmt.Sprintf("✅ Manual buy placed for %s: ~%.6f (order %s). Sync will adopt the position.", symbol, qty, orderID)
}

func (e *EngineState) manualSell(ctx context.Context, symbol string) string {
	e.stateMutex.RLock()
	_, exists := e.openPositions[symbol]
	e.stateMutex.RUnlock()
	if !exists {
		return fmt.Sprintf("No tracked position for %s.", symbol)
	}
	ticker, err := e.broker.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Sprintf("⚠️ No ticker for %s: %v", symbol, err)
	}
	e.closePosition(ctx, symbol, ticker.LastPrice, "manual sell")
	return ""
}

func (e *EngineState) cancelSymbolOrders(ctx context.Context, symbol string) string {
	orders, err := e.broker.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Sprintf("⚠️ Could not list orders for %s: %v", symbol, err)
	}
	cancelled := 0
	for _, o := range orders {
		if err := e.exec.CancelAndConfirm(ctx, symbol, o.ID); err != nil {
			e.logger.LogWarn("engine [%s]: cancel %s failed: %v", symbol, o.ID, err)
			continue
		}
		cancelled++
	}
	return fmt.Sprintf("✅ Cancelled %d order(s) for %s.", cancelled, symbol)
}

func (e *EngineState) portfolioReply(ctx context.Context) string {
	balances, err := e.broker.GetAllBalances(ctx)
	if err != nil {
		return fmt.Sprintf("⚠️ Balance fetch failed: %v", err)
	}
	var b strings.Builder
	b.WriteString("📊 Portfolio:\n")
	for _, bal := range balances {
		fmt.Fprintf(&b, "• %s: %.6f (free %.6f)\n", bal.Currency, bal.Total, bal.Available)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *EngineState) ordersReply(ctx context.Context) string {
	orders, err := e.broker.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Sprintf("⚠️ Could not list open orders: %v", err)
	}
	if len(orders) == 0 {
		return "No open orders."
	}
	var b strings.Builder
	b.WriteString("📋 Open orders:\n")
	for _, o := range orders {
		fmt.Fprintf(&b, "• %s %s %s %.6f @ %.4f (%s)\n", o.Pair, o.Side, o.Type, o.Volume, o.Price, o.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *EngineState) openPositionsReply() string {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	if len(e.openPositions) == 0 {
		return "No open positions."
	}
	symbols := make([]string, 0, len(e.openPositions))
	for sym := range e.openPositions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	var b strings.Builder
	b.WriteString("📈 Open positions:\n")
	for _, sym := range symbols {
		pos := e.openPositions[sym]
		fmt.Fprintf(&b, "• %s: %.6f @ %.4f | high %.4f | TPs hit %d/%d\n",
			sym, pos.Qty, pos.EntryPrice, pos.HighestPrice, len(pos.TPsTriggered), len(pos.TPPrices))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *EngineState) positionReply(symbol string) string {
	e.stateMutex.RLock()
	pos, exists := e.openPositions[symbol]
	var snapshot struct {
		entry, qty, highest, stop, atr float64
		strategyName                   string
		entryTime                      int64
		tps, triggered                 []float64
	}
	if exists {
		snapshot.entry = pos.EntryPrice
		snapshot.qty = pos.Qty
		snapshot.highest = pos.HighestPrice
		snapshot.stop = pos.StopLoss
		snapshot.atr = pos.ATRAtEntry
		snapshot.strategyName = pos.Strategy
		snapshot.entryTime = pos.EntryTime
		snapshot.tps = append(snapshot.tps, pos.TPPrices...)
		snapshot.triggered = append(snapshot.triggered, pos.TPsTriggered...)
	}
	e.stateMutex.RUnlock()

	if !exists {
		return fmt.Sprintf("No tracked position for %s.", symbol)
	}
	held := time.Since(time.Unix(snapshot.entryTime, 0)).Round(time.Minute)
	return fmt.Sprintf("📈 %s\nEntry: %.4f | Qty: %.6f\nHighest: %.4f | Stop: %.4f\nATR at entry: %.4f\nTPs: %v (hit: %v)\nStrategy: %s\nHeld: %s",
		symbol, snapshot.entry, snapshot.qty, snapshot.highest, snapshot.stop, snapshot.atr, snapshot.tps, snapshot.triggered, snapshot.strategyName, held)
}

func (e *EngineState) lastEntryRecord() *tradeRecord {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	return e.lastEntry
}

func (e *EngineState) lastCloseRecord() *tradeRecord {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	return e.lastClose
}

func formatTradeRecord(label string, r *tradeRecord) string {
	if r == nil {
		return fmt.Sprintf("%s: none yet.", label)
	}
	return fmt.Sprintf("%s: %s %.6f @ %.4f (%s) at %s", label, r.Symbol, r.Qty, r.Price, r.Reason, r.Time.Format(time.RFC3339))
}

func (e *EngineState) scannerReply() string {
	e.stateMutex.RLock()
	hits := e.scannerHits
	e.stateMutex.RUnlock()
	if e.scanner == nil {
		return "Volatility scanner is disabled."
	}
	if len(hits) == 0 {
		return "No volatile pairs detected yet."
	}
	var b strings.Builder
	b.WriteString("🔥 Volatile pairs:\n")
	for _, d := range hits {
		fmt.Fprintf(&b, "• %s | %.2f%% | vol $%.0f\n", d.Pair, d.ChangePercent, d.QuoteVolume)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *EngineState) recommendReply(ctx context.Context, symbol string) string {
	fastBars, err := e.broker.GetLastNOHLCVBars(ctx, symbol, e.config.Trading.Timeframe, candleWindow)
	if err != nil {
		return fmt.Sprintf("⚠️ Could not fetch %s candles: %v", symbol, err)
	}
	slowBars, err := e.broker.GetLastNOHLCVBars(ctx, symbol, e.config.Trading.SlowTimeframe, candleWindow)
	if err != nil {
		return fmt.Sprintf("⚠️ Could not fetch %s candles: %v", symbol, err)
	}
	fast, err := strategy.ComputeSnapshot(fastBars, e.config.Indicators)
	if err != nil {
		return fmt.Sprintf("⚠️ Indicators unavailable for %s: %v", symbol, err)
	}
	slow, err := strategy.ComputeSnapshot(slowBars, e.config.Indicators)
	if err != nil {
		return fmt.Sprintf("⚠️ Indicators unavailable for %s: %v", symbol, err)
	}
	passed, bundle, explanation := strategy.EvaluateEntry(fast, slow)
	if passed {
		return fmt.Sprintf("✅ %s: %s | %s", symbol, bundle, explanation)
	}
	return fmt.Sprintf("❌ %s: %s", symbol, explanation)
}
