// File: pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"riptide/dataprovider"
	"riptide/pkg/broker"
	"riptide/pkg/metrics"
	"riptide/pkg/scanner"
	"riptide/strategy"
	"riptide/utilities"
)

// StateStore keys.
const (
	positionsStateKey = "open_positions"
	cooldownsStateKey = "cooldowns"
	rsiAlertsStateKey = "rsi_alerts"
)

// candleWindow is how many closed candles each snapshot is computed from.
const candleWindow = 100

// noEntryAlertInterval rate-limits the "why no entry" diagnostics per symbol.
const noEntryAlertInterval = 120 * time.Second

// fetchErrorThreshold is how many consecutive symbol fetch failures trigger
// the long cooldown sleep in the scan loop.
const fetchErrorThreshold = 3

// Notifier is the outbound notification sink.
type Notifier interface {
	SendMessage(message string) error
}

// fillNotifier is implemented by channels that can render a rich
// order-filled notification in addition to plain text.
type fillNotifier interface {
	NotifyOrderFilled(order broker.Order, details string) error
}

// tradeRecord captures the most recent entry or close for reporting commands.
type tradeRecord struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Qty    float64   `json:"qty"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// EngineState aggregates every piece of shared mutable state the three
// loops touch, guarded by one coarse mutex. The mutex is held only across
// read-modify-write sections, never across a network call; persistence
// happens while still holding the lock that produced the snapshot.
type EngineState struct {
	config   *utilities.AppConfig
	logger   *utilities.Logger
	broker   broker.Broker
	exec     *OrderExecutor
	notifier Notifier
	store    *dataprovider.StateStore
	risk     *RiskGuard
	scanner  *scanner.Scanner // nil when disabled

	stateMutex    sync.RWMutex
	running       bool
	openPositions map[string]*utilities.Position
	cooldowns     map[string]int64          // symbol -> last trade unix time
	rsiAlerts     map[string]bool           // "SYM_level" -> already alerted
	noEntryAlerts map[string]time.Time      // symbol -> last diagnostic sent
	tpCancelledAt map[string]time.Time      // symbol -> manual TP cancel detected
	scannerHits   []scanner.Detection       // last scanner result, for /scanner
	lastEntry     *tradeRecord
	lastClose     *tradeRecord
}

func NewEngine(cfg *utilities.AppConfig, logger *utilities.Logger, b broker.Broker, notifier Notifier, store *dataprovider.StateStore) *EngineState {
	e := &EngineState{
		config:        cfg,
		logger:        logger,
		broker:        b,
		exec:          NewOrderExecutor(b, &cfg.Binance, logger),
		notifier:      notifier,
		store:         store,
		running:       true,
		openPositions: make(map[string]*utilities.Position),
		cooldowns:     make(map[string]int64),
		rsiAlerts:     make(map[string]bool),
		noEntryAlerts: make(map[string]time.Time),
		tpCancelledAt: make(map[string]time.Time),
	}
	e.risk = NewRiskGuard(cfg.Risk, store, logger, e.freeQuoteBalance)
	if cfg.Scanner.Enabled {
		e.scanner = scanner.New(b, cfg.Scanner, cfg.Trading.QuoteCurrency, logger)
	}
	e.loadState()
	return e
}

// loadState restores the persisted engine state. Missing files mean a cold
// start and leave the empty maps in place.
func (e *EngineState) loadState() {
	if _, err := e.store.Load(positionsStateKey, &e.openPositions); err != nil {
		e.logger.LogWarn("engine: could not load open positions: %v", err)
	}
	if _, err := e.store.Load(cooldownsStateKey, &e.cooldowns); err != nil {
		e.logger.LogWarn("engine: could not load cooldowns: %v", err)
	}
	if _, err := e.store.Load(rsiAlertsStateKey, &e.rsiAlerts); err != nil {
		e.logger.LogWarn("engine: could not load alert dedup map: %v", err)
	}
	// Positions with no quantity must never survive a restart.
	for sym, pos := range e.openPositions {
		if pos == nil || pos.Qty <= 0 {
			delete(e.openPositions, sym)
		}
	}
	metrics.PositionsOpen.Set(float64(len(e.openPositions)))
	if len(e.openPositions) > 0 {
		e.logger.LogInfo("engine: resumed %d open position(s) from disk", len(e.openPositions))
	}
}

// persistPositionsLocked saves the position table. Caller holds stateMutex.
func (e *EngineState) persistPositionsLocked() {
	metrics.PositionsOpen.Set(float64(len(e.openPositions)))
	if err := e.store.Save(positionsStateKey, e.openPositions); err != nil {
		e.logger.LogError("engine: persisting positions failed: %v", err)
		e.notify(fmt.Sprintf("⚠️ Persisting positions failed: %v", err))
	}
}

func (e *EngineState) persistCooldownsLocked() {
	if err := e.store.Save(cooldownsStateKey, e.cooldowns); err != nil {
		e.logger.LogError("engine: persisting cooldowns failed: %v", err)
	}
}

func (e *EngineState) persistAlertsLocked() {
	if err := e.store.Save(rsiAlertsStateKey, e.rsiAlerts); err != nil {
		e.logger.LogError("engine: persisting alert dedup map failed: %v", err)
	}
}

// notify forwards to the notifier; delivery failures are logged, never fatal.
func (e *EngineState) notify(message string) {
	if err := e.notifier.SendMessage(message); err != nil {
		e.logger.LogWarn("engine: notification failed: %v", err)
	}
}

// freeQuoteBalance returns the free quote-currency balance.
func (e *EngineState) freeQuoteBalance(ctx context.Context) (float64, error) {
	bal, err := e.broker.GetBalance(ctx, e.config.Trading.QuoteCurrency)
	if err != nil {
		return 0, err
	}
	return bal.Available, nil
}

// Run performs the startup sequence and drives the scan loop until ctx is
// canceled. The fast-sync loop runs as a sibling goroutine; the command
// loop is wired by the caller (see run.go).
func (e *EngineState) Run(ctx context.Context) error {
	e.logger.LogInfo("engine: starting %s %s", e.config.AppName, e.config.Version)

	if err := e.broker.RefreshMarkets(ctx); err != nil {
		return fmt.Errorf("engine: market metadata refresh failed: %w", err)
	}

	// Startup API-key validation: a balance fetch proves the credentials.
	balance, err := e.freeQuoteBalance(ctx)
	if err != nil {
		e.notify(fmt.Sprintf("❌ Startup aborted: API validation failed: %v", err))
		return fmt.Errorf("engine: API key validation failed: %w", err)
	}
	e.notify(fmt.Sprintf("🤖 Bot started. Free %s balance: %.2f", e.config.Trading.QuoteCurrency, balance))

	go e.syncLoop(ctx)
	e.scanLoop(ctx)

	e.notify("🛑 Bot shutting down.")
	return ctx.Err()
}

// scanLoop is the coarse cadence: symbol selection, candle fetch, order
// monitoring, position management, and entry evaluation.
func (e *EngineState) scanLoop(ctx context.Context) {
	interval := time.Duration(e.config.Trading.ScanIntervalSec) * time.Second
	consecutiveFetchErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !e.IsRunning() {
			e.logger.LogInfo("engine: paused, skipping scan cycle")
			sleepCtx(ctx, 5*time.Second)
			continue
		}

		symbols := e.tradableSymbols(ctx)
		for _, symbol := range symbols {
			if ctx.Err() != nil {
				return
			}
			// Pause must take effect between symbols, not just between cycles.
			if !e.IsRunning() {
				break
			}
			if err := e.processSymbol(ctx, symbol); err != nil {
				consecutiveFetchErrors++
				e.logger.LogWarn("engine [%s]: cycle skipped: %v", symbol, err)
				if consecutiveFetchErrors >= fetchErrorThreshold {
					e.logger.LogWarn("engine: %d consecutive fetch failures, backing off 60s", consecutiveFetchErrors)
					sleepCtx(ctx, 60*time.Second)
					consecutiveFetchErrors = 0
				}
				continue
			}
			consecutiveFetchErrors = 0
		}

		metrics.ScanCycles.Inc()
		sleepCtx(ctx, interval)
	}
}

// processSymbol runs one symbol's full cycle: monitor TP orders, manage the
// open position, then look for an entry. Returns an error only for data
// failures that should count toward the consecutive-failure backoff.
func (e *EngineState) processSymbol(ctx context.Context, symbol string) error {
	fastBars, err := e.broker.GetLastNOHLCVBars(ctx, symbol, e.config.Trading.Timeframe, candleWindow)
	if err != nil {
		return fmt.Errorf("fetch %s candles: %w", e.config.Trading.Timeframe, err)
	}
	slowBars, err := e.broker.GetLastNOHLCVBars(ctx, symbol, e.config.Trading.SlowTimeframe, candleWindow)
	if err != nil {
		return fmt.Errorf("fetch %s candles: %w", e.config.Trading.SlowTimeframe, err)
	}

	fast, err := strategy.ComputeSnapshot(fastBars, e.config.Indicators)
	if err != nil {
		e.logger.LogWarn("engine [%s]: %s indicators unavailable: %v", symbol, e.config.Trading.Timeframe, err)
		return nil
	}
	slow, err := strategy.ComputeSnapshot(slowBars, e.config.Indicators)
	if err != nil {
		e.logger.LogWarn("engine [%s]: %s indicators unavailable: %v", symbol, e.config.Trading.SlowTimeframe, err)
		return nil
	}

	// TP-cancel detection runs before management so a manual cancel in this
	// cycle suppresses TP placement in the same cycle.
	e.monitorOrders(ctx, symbol)
	e.managePosition(ctx, symbol, fast, slow)
	e.seekEntry(ctx, symbol, fast, slow)
	return nil
}

// tradableSymbols returns the symbol set for this cycle: the scanner's
// picks when enabled (excluding symbols already held), otherwise the
// configured list.
func (e *EngineState) tradableSymbols(ctx context.Context) []string {
	if e.scanner == nil {
		return e.config.Trading.Symbols
	}
	detections, err := e.scanner.TopVolatile(ctx)
	if err != nil {
		e.logger.LogWarn("engine: volatility scan failed, falling back to configured symbols: %v", err)
		return e.config.Trading.Symbols
	}

	e.stateMutex.Lock()
	e.scannerHits = detections
	held := make(map[string]bool, len(e.openPositions))
	for sym := range e.openPositions {
		held[sym] = true
	}
	e.stateMutex.Unlock()

	symbols := make([]string, 0, len(detections))
	for _, d := range detections {
		if held[d.Pair] {
			continue
		}
		symbols = append(symbols, d.Pair)
		e.logger.LogInfo("engine: volatile pair %s | %.2f%% | vol $%.0f", d.Pair, d.ChangePercent, d.QuoteVolume)
	}
	// Held symbols still need management even if the scanner dropped them.
	e.stateMutex.RLock()
	for sym := range e.openPositions {
		symbols = append(symbols, sym)
	}
	e.stateMutex.RUnlock()
	sort.Strings(symbols)
	return symbols
}

// syncLoop is the fine cadence: continuous reconciliation against the
// exchange. Exchange state is authoritative.
func (e *EngineState) syncLoop(ctx context.Context) {
	interval := time.Duration(e.config.Trading.SyncIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.syncPositions(ctx); err != nil {
				e.logger.LogWarn("engine: position sync failed: %v", err)
			}
		}
	}
}

// IsRunning reports the pause flag.
func (e *EngineState) IsRunning() bool {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	return e.running
}

// setRunning flips the pause flag and reports whether the value changed.
func (e *EngineState) setRunning(v bool) bool {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	if e.running == v {
		return false
	}
	e.running = v
	return true
}

// baseAsset extracts the base asset from a "BASE/QUOTE" symbol.
func baseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// sleepCtx sleeps for d or until ctx is canceled, whichever is first.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
