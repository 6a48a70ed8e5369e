package web

import (
	"riptide/utilities"
)

// DashboardData is the snapshot the status endpoints serve. It is assembled
// under the engine's lock so every field is from the same instant.
type DashboardData struct {
	Running        bool                          `json:"running"`
	Version        string                        `json:"version"`
	QuoteCurrency  string                        `json:"quote_currency"`
	OpenPositions  map[string]utilities.Position `json:"open_positions"`
	DailyLoss      float64                       `json:"daily_loss"`
	StartingBal    float64                       `json:"starting_balance"`
	TradingAllowed bool                          `json:"trading_allowed"`
}

// AppController is the interface the web package needs from the trading
// engine. The engine implements it; handlers never touch engine internals.
type AppController interface {
	GetDashboardData() DashboardData
	GetConfig() utilities.AppConfig
	Logger() *utilities.Logger
}
