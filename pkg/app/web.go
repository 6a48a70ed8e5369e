// File: pkg/app/web.go
package app

import (
	"context"

	"riptide/utilities"
	"riptide/web"
)

// GetDashboardData implements web.AppController.
func (e *EngineState) GetDashboardData() web.DashboardData {
	ctx := context.Background()
	loss, starting := e.risk.Snapshot(ctx)
	allowed := e.risk.CanTrade(ctx)

	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()

	positions := make(map[string]utilities.Position, len(e.openPositions))
	for sym, pos := range e.openPositions {
		positions[sym] = *pos
	}
	return web.DashboardData{
		Running:        e.running,
		Version:        e.config.Version,
		QuoteCurrency:  e.config.Trading.QuoteCurrency,
		OpenPositions:  positions,
		DailyLoss:      loss,
		StartingBal:    starting,
		TradingAllowed: allowed,
	}
}

// GetConfig implements web.AppController.
func (e *EngineState) GetConfig() utilities.AppConfig {
	return *e.config
}

// Logger implements web.AppController.
func (e *EngineState) Logger() *utilities.Logger {
	return e.logger
}
