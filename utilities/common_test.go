package utilities

import (
	"testing"
	"time"
)

func validConfig() AppConfig {
	cfg := AppConfig{}
	cfg.Binance.APIKey = "key"
	cfg.Binance.APISecret = "secret"
	cfg.Trading.Symbols = []string{"XRP/USDT"}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := AppConfig{}
	cfg.ApplyDefaults()

	if cfg.Trading.Timeframe != "15m" || cfg.Trading.SlowTimeframe != "1h" {
		t.Errorf("timeframe defaults = %s/%s", cfg.Trading.Timeframe, cfg.Trading.SlowTimeframe)
	}
	if cfg.Trading.TradeCooldownSec != 120 {
		t.Errorf("cooldown default = %d, want 120", cfg.Trading.TradeCooldownSec)
	}
	if cfg.Risk.MaxDailyLossPercent != 5 {
		t.Errorf("max daily loss default = %f, want 5", cfg.Risk.MaxDailyLossPercent)
	}
	if len(cfg.Trading.TPMultipliers) != 3 || cfg.Trading.TPMultipliers[0] != 2 {
		t.Errorf("tp multipliers default = %v", cfg.Trading.TPMultipliers)
	}
	if cfg.Trading.MaxConcurrentTrades != 1 {
		t.Errorf("max concurrent default = %d, want 1", cfg.Trading.MaxConcurrentTrades)
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"missing keys", func(c *AppConfig) { c.Binance.APIKey = "" }},
		{"no symbols without scanner", func(c *AppConfig) { c.Trading.Symbols = nil }},
		{"bad symbol form", func(c *AppConfig) { c.Trading.Symbols = []string{"XRPUSDT"} }},
		{"descending tp multipliers", func(c *AppConfig) { c.Trading.TPMultipliers = []float64{6, 4, 2} }},
		{"percent per trade over 1", func(c *AppConfig) { c.Trading.PercentPerTrade = 1.5 }},
		{"min over max trade", func(c *AppConfig) { c.Trading.MinTradeQuote = 50; c.Trading.MaxTradeQuote = 10 }},
		{"offset out of range", func(c *AppConfig) { c.Trading.LimitOrderOffset = 0.2 }},
		{"loss percent over 100", func(c *AppConfig) { c.Risk.MaxDailyLossPercent = 150 }},
		{"bad timeframe", func(c *AppConfig) { c.Trading.Timeframe = "7m" }},
		{"token without chat id", func(c *AppConfig) { c.Telegram.Token = "t"; c.Telegram.ChatID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPositionTPTriggered(t *testing.T) {
	pos := Position{TPsTriggered: []float64{1.10, 1.20}}
	if !pos.TPTriggered(1.10) {
		t.Error("1.10 should count as triggered")
	}
	if pos.TPTriggered(1.30) {
		t.Error("1.30 should not count as triggered")
	}
}

func TestPositionHeldFor(t *testing.T) {
	now := time.Now()
	pos := Position{EntryTime: now.Add(-90 * time.Minute).Unix()}
	held := pos.HeldFor(now)
	if held < 89*time.Minute || held > 91*time.Minute {
		t.Errorf("held = %s, want about 90m", held)
	}
	empty := Position{}
	if empty.HeldFor(now) != 0 {
		t.Error("position without entry time should report zero hold")
	}
}
