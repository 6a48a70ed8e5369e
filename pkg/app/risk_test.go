package app

import (
	"context"
	"errors"
	"testing"

	"riptide/utilities"
)

func newTestRiskGuard(t *testing.T, startingBalance float64) *RiskGuard {
	t.Helper()
	store := newTestStateStore(t)
	return NewRiskGuard(
		utilities.RiskConfig{MaxDailyLossPercent: 5},
		store,
		utilities.NewLogger(utilities.Error),
		func(ctx context.Context) (float64, error) { return startingBalance, nil },
	)
}

func TestRiskGuardAccumulatesLoss(t *testing.T) {
	g := newTestRiskGuard(t, 160)
	ctx := context.Background()

	g.RecordLoss(ctx, 3)
	g.RecordLoss(ctx, 2)

	loss, starting := g.Snapshot(ctx)
	if loss != 5 {
		t.Errorf("loss = %f, want 5", loss)
	}
	if starting != 160 {
		t.Errorf("starting balance = %f, want 160", starting)
	}
}

func TestRiskGuardProfitOffsetsLoss(t *testing.T) {
	g := newTestRiskGuard(t, 160)
	ctx := context.Background()

	g.RecordLoss(ctx, 10)
	g.RecordLoss(ctx, -6) // profit

	loss, _ := g.Snapshot(ctx)
	if loss != 4 {
		t.Errorf("loss = %f, want 4", loss)
	}
	if !g.CanTrade(ctx) {
		t.Error("loss below the limit must allow trading")
	}
}

func TestRiskGuardBlocksAtLimit(t *testing.T) {
	g := newTestRiskGuard(t, 160)
	ctx := context.Background()

	g.RecordLoss(ctx, 7.99)
	if !g.CanTrade(ctx) {
		t.Fatal("7.99 of 160 is under 5%, trading must be allowed")
	}

	g.RecordLoss(ctx, 0.01) // exactly 8 = 5% of 160
	if g.CanTrade(ctx) {
		t.Fatal("reaching the daily limit must block new entries")
	}
}

func TestRiskGuardAllowsWithoutBaseline(t *testing.T) {
	store := newTestStateStore(t)
	g := NewRiskGuard(
		utilities.RiskConfig{MaxDailyLossPercent: 5},
		store,
		utilities.NewLogger(utilities.Error),
		func(ctx context.Context) (float64, error) { return 0, nil },
	)
	g.RecordLoss(context.Background(), 1000)
	if !g.CanTrade(context.Background()) {
		t.Error("without a starting-balance snapshot the breaker must not block")
	}
}

func TestRiskGuardDailyRollover(t *testing.T) {
	store := newTestStateStore(t)
	// Yesterday's record, already over any limit.
	stale := dailyLossState{Date: "2001-01-01", Loss: 999, StartingBalance: 100}
	if err := store.Save(dailyLossStateKey, stale); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	g := NewRiskGuard(
		utilities.RiskConfig{MaxDailyLossPercent: 5},
		store,
		utilities.NewLogger(utilities.Error),
		func(ctx context.Context) (float64, error) { return 160, nil },
	)

	ctx := context.Background()
	if !g.CanTrade(ctx) {
		t.Error("a new day must reset the breaker")
	}
	loss, starting := g.Snapshot(ctx)
	if loss != 0 {
		t.Errorf("loss after rollover = %f, want 0", loss)
	}
	if starting != 160 {
		t.Errorf("starting balance after rollover = %f, want fresh 160", starting)
	}
}

func TestRiskGuardRolloverKeepsBaselineOnFetchError(t *testing.T) {
	store := newTestStateStore(t)
	stale := dailyLossState{Date: "2001-01-01", Loss: 12, StartingBalance: 100}
	if err := store.Save(dailyLossStateKey, stale); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	g := NewRiskGuard(
		utilities.RiskConfig{MaxDailyLossPercent: 5},
		store,
		utilities.NewLogger(utilities.Error),
		func(ctx context.Context) (float64, error) { return 0, errors.New("api down") },
	)

	loss, starting := g.Snapshot(context.Background())
	if loss != 0 {
		t.Errorf("loss = %f, want reset to 0", loss)
	}
	if starting != 100 {
		t.Errorf("starting balance = %f, want previous 100 kept", starting)
	}
}
