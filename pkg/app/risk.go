// File: pkg/app/risk.go
package app

import (
	"context"
	"sync"
	"time"

	"riptide/dataprovider"
	"riptide/pkg/metrics"
	"riptide/utilities"
)

const dailyLossStateKey = "daily_loss"

// dailyLossState is the persisted daily-loss record. Loss is signed:
// positive is net loss, negative is net profit-to-date.
type dailyLossState struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	Loss            float64 `json:"loss"`
	StartingBalance float64 `json:"starting_balance"`
}

// RiskGuard tracks realized daily P/L against a starting-balance snapshot
// and blocks new entries once the configured loss percentage is hit. It is
// the only writer of the loss record.
type RiskGuard struct {
	mu          sync.Mutex
	state       dailyLossState
	maxLossPct  float64
	store       *dataprovider.StateStore
	logger      *utilities.Logger
	freeBalance func(ctx context.Context) (float64, error)
}

func NewRiskGuard(cfg utilities.RiskConfig, store *dataprovider.StateStore, logger *utilities.Logger, freeBalance func(ctx context.Context) (float64, error)) *RiskGuard {
	g := &RiskGuard{
		maxLossPct:  cfg.MaxDailyLossPercent,
		store:       store,
		logger:      logger,
		freeBalance: freeBalance,
	}
	if found, err := store.Load(dailyLossStateKey, &g.state); err != nil {
		logger.LogWarn("risk guard: could not load persisted daily loss: %v", err)
	} else if found {
		logger.LogInfo("risk guard: resumed daily loss %s: $%.2f of $%.2f starting balance", g.state.Date, g.state.Loss, g.state.StartingBalance)
	}
	return g
}

// RecordLoss adds a signed amount to today's loss (negative = profit) and
// persists the record before releasing the lock.
func (g *RiskGuard) RecordLoss(ctx context.Context, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	g.state.Loss += amount
	metrics.DailyLoss.Set(g.state.Loss)
	if err := g.store.Save(dailyLossStateKey, g.state); err != nil {
		g.logger.LogError("risk guard: persisting daily loss failed: %v", err)
	}
	g.logger.LogInfo("risk guard: recorded %+.2f, daily loss now $%.2f", amount, g.state.Loss)
}

// CanTrade reports whether new entries are allowed. Open positions are not
// force-closed by this check; it only gates entries.
func (g *RiskGuard) CanTrade(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	if g.state.StartingBalance <= 0 {
		return true
	}
	return g.state.Loss/g.state.StartingBalance < g.maxLossPct/100
}

// Snapshot returns a copy of the current record for reporting.
func (g *RiskGuard) Snapshot(ctx context.Context) (loss, startingBalance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	return g.state.Loss, g.state.StartingBalance
}

// rolloverLocked resets the record exactly once per calendar day, lazily on
// first touch. The balance fetch is a network call, so the lock is dropped
// around it; the date is re-checked afterwards in case another caller won
// the race.
func (g *RiskGuard) rolloverLocked(ctx context.Context) {
	today := time.Now().Format("2006-01-02")
	if g.state.Date == today {
		return
	}

	g.mu.Unlock()
	balance, err := g.freeBalance(ctx)
	g.mu.Lock()

	if g.state.Date == today {
		return
	}
	if err != nil {
		g.logger.LogError("risk guard: day rollover balance fetch failed, keeping previous snapshot: %v", err)
		balance = g.state.StartingBalance
	}

	g.logger.LogInfo("risk guard: new trading day %s, starting balance $%.2f (was %s, loss $%.2f)", today, balance, g.state.Date, g.state.Loss)
	g.state = dailyLossState{Date: today, Loss: 0, StartingBalance: balance}
	metrics.DailyLoss.Set(0)
	if err := g.store.Save(dailyLossStateKey, g.state); err != nil {
		g.logger.LogError("risk guard: persisting rollover failed: %v", err)
	}
}
