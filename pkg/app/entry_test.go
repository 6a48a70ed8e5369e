package app

import (
	"context"
	"math"
	"testing"
	"time"

	"riptide/pkg/broker"
	"riptide/strategy"
	"riptide/utilities"
)

// entrySnapshot passes the 4-condition bundle: oversold RSI, bullish MACD
// histogram, price under the lower band, volume above baseline.
func entrySnapshot() strategy.Snapshot {
	return strategy.Snapshot{
		Close:     2.0,
		RSI:       29,
		MACDHist:  0.5,
		LowerBand: 2.5,
		Volume:    200,
		AvgVolume: 100,
		ATR:       0, // quiet market keeps the adaptive levels at their base
	}
}

func TestSeekEntryOpensPositionWithClampedBudget(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Bid: 1.99, Ask: 2.0, LastPrice: 2.0}
	e, notifier := newTestEngine(t, m)

	// Free balance 160 at 10% per trade is 16, clamped to the $10 cap.
	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50, SMA: 1.5})

	placed := m.placedOrders()
	if len(placed) == 0 {
		t.Fatal("expected an entry order")
	}
	buy := placed[0]
	if buy.Side != "buy" || buy.Type != "limit" {
		t.Fatalf("first order = %+v, want a limit buy", buy)
	}
	if math.Abs(buy.Price-2.0) > 1e-9 {
		t.Errorf("limit price = %f, want ask 2.0 with zero offset", buy.Price)
	}
	if math.Abs(buy.Volume-5.0) > 1e-6 {
		t.Errorf("volume = %f, want 10/2.0 = 5 from the clamped budget", buy.Volume)
	}

	e.stateMutex.RLock()
	pos, exists := e.openPositions["XRP/USDT"]
	alerted := e.rsiAlerts["XRP/USDT_30"]
	_, cooled := e.cooldowns["XRP/USDT"]
	e.stateMutex.RUnlock()
	if !exists {
		t.Fatal("expected a tracked position after the fill")
	}
	if pos.EntryPrice != 2.0 || math.Abs(pos.Qty-5.0) > 1e-6 {
		t.Errorf("position = %+v", pos)
	}
	if pos.Strategy != "Default Logic" {
		t.Errorf("strategy = %q", pos.Strategy)
	}
	if !alerted {
		t.Error("the matched RSI level must be marked alerted")
	}
	if !cooled {
		t.Error("a fill must start the cooldown")
	}
	if !notifier.contains("Entry Signal") {
		t.Error("expected an entry notification")
	}
}

func TestEntrySendsRichFillNotification(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Bid: 1.99, Ask: 2.0, LastPrice: 2.0}
	e, notifier := newTestEngine(t, m)

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50, SMA: 1.5})

	fills := notifier.filledOrders()
	if len(fills) != 1 {
		t.Fatalf("rich fill notifications = %d, want 1", len(fills))
	}
	if fills[0].Pair != "XRP/USDT" || fills[0].Side != "buy" {
		t.Errorf("notified order = %+v", fills[0])
	}
	if fills[0].Status != "filled" {
		t.Errorf("notified order status = %q, want filled", fills[0].Status)
	}
}

func TestSeekEntrySkipsWhenPositionOpen(t *testing.T) {
	m := newMockBroker()
	e, _ := newTestEngine(t, m)
	e.addPosition(&utilities.Position{Symbol: "XRP/USDT", EntryPrice: 1, Qty: 5, EntryTime: time.Now().Unix()})

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50})

	if len(m.placedOrders()) != 0 {
		t.Errorf("no order expected for an already-held symbol, got %+v", m.placedOrders())
	}
}

func TestSeekEntryRespectsMaxConcurrentTrades(t *testing.T) {
	m := newMockBroker()
	e, _ := newTestEngine(t, m)
	e.addPosition(&utilities.Position{Symbol: "DOGE/USDT", EntryPrice: 1, Qty: 5, EntryTime: time.Now().Unix()})

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50})

	if len(m.placedOrders()) != 0 {
		t.Errorf("capacity is 1 and one position is open; got %+v", m.placedOrders())
	}
}

func TestSeekEntryRespectsCooldown(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Ask: 2.0, LastPrice: 2.0}
	e, _ := newTestEngine(t, m)
	e.stateMutex.Lock()
	e.cooldowns["XRP/USDT"] = time.Now().Unix()
	e.stateMutex.Unlock()

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50})

	if len(m.placedOrders()) != 0 {
		t.Errorf("cooldown must block the entry, got %+v", m.placedOrders())
	}
}

func TestSeekEntryBlockedByDailyLossBreaker(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Ask: 2.0, LastPrice: 2.0}
	e, notifier := newTestEngine(t, m)
	e.risk.RecordLoss(context.Background(), 8) // 5% of the 160 baseline

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50})

	if len(m.placedOrders()) != 0 {
		t.Errorf("breaker must block the entry, got %+v", m.placedOrders())
	}
	if !notifier.contains("Daily loss limit reached") {
		t.Error("expected a breaker notification")
	}
}

func TestSeekEntrySkipsSlowTimeframeOverbought(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Ask: 2.0, LastPrice: 2.0}
	e, _ := newTestEngine(t, m)

	// 1h RSI at 75 is past the 70 confirmation ceiling.
	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 75})

	if len(m.placedOrders()) != 0 {
		t.Errorf("overbought hour must block the entry, got %+v", m.placedOrders())
	}
}

func TestSeekEntryDedupByLevel(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Ask: 2.0, LastPrice: 2.0}
	e, _ := newTestEngine(t, m)
	e.stateMutex.Lock()
	e.rsiAlerts["XRP/USDT_30"] = true // only level within tolerance of RSI 29
	e.stateMutex.Unlock()

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50})

	if len(m.placedOrders()) != 0 {
		t.Errorf("already-alerted level must not fire again, got %+v", m.placedOrders())
	}
}

func TestEnterPositionAbandonsPoorFill(t *testing.T) {
	m := newMockBroker()
	m.tickers["XRP/USDT"] = broker.TickerData{Pair: "XRP/USDT", Ask: 2.0, LastPrice: 2.0}
	m.fillStatus = "open"
	m.fillFraction = 0.2
	e, notifier := newTestEngine(t, m)

	e.seekEntry(context.Background(), "XRP/USDT", entrySnapshot(), strategy.Snapshot{RSI: 50, SMA: 1.5})

	e.stateMutex.RLock()
	_, exists := e.openPositions["XRP/USDT"]
	e.stateMutex.RUnlock()
	if exists {
		t.Fatal("a 20% fill must not become a position")
	}
	if !notifier.contains("Order not filled") {
		t.Error("expected an unfilled-order notification")
	}

	// The resting remainder must have been canceled.
	m.mu.Lock()
	order := m.orders["order-1"]
	m.mu.Unlock()
	if order.Status != "canceled" {
		t.Errorf("abandoned order status = %q, want canceled", order.Status)
	}
}

func TestNoEntryDiagnosticIsRateLimited(t *testing.T) {
	m := newMockBroker()
	e, notifier := newTestEngine(t, m)

	e.maybeSendNoEntryDiagnostic("XRP/USDT", "flat market")
	e.maybeSendNoEntryDiagnostic("XRP/USDT", "flat market")
	e.maybeSendNoEntryDiagnostic("XRP/USDT", "flat market")

	notifier.mu.Lock()
	count := len(notifier.msgs)
	notifier.mu.Unlock()
	if count != 1 {
		t.Errorf("diagnostics sent = %d, want 1 inside the rate-limit window", count)
	}
}
