package utilities

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// --- Types (Alphabetized) ---

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string           `mapstructure:"app_name"`
	Version     string           `mapstructure:"version"`
	Environment string           `mapstructure:"environment"`
	Binance     BinanceConfig    `mapstructure:"binance"`
	DB          DatabaseConfig   `mapstructure:"database"`
	Indicators  IndicatorsConfig `mapstructure:"indicators"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Risk        RiskConfig       `mapstructure:"risk"`
	Scanner     ScannerConfig    `mapstructure:"scanner"`
	State       StateConfig      `mapstructure:"state"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
	Discord     DiscordConfig    `mapstructure:"discord"`
	Trading     TradingConfig    `mapstructure:"trading"`
	Web         WebConfig        `mapstructure:"web"`
}

// BinanceConfig holds all settings for the Binance exchange integration.
type BinanceConfig struct {
	APIKey               string  `mapstructure:"api_key"`
	APISecret            string  `mapstructure:"api_secret"`
	BaseURL              string  `mapstructure:"base_url"`
	RequestTimeoutSec    int     `mapstructure:"request_timeout_sec"`
	MaxRetries           int     `mapstructure:"max_retries"`
	RetryDelaySec        int     `mapstructure:"retry_delay_sec"`
	RateLimitPerSec      float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst       int     `mapstructure:"rate_limit_burst"`
	RateLimitCooldownSec int     `mapstructure:"rate_limit_cooldown_sec"`
}

// DatabaseConfig holds settings for the candle cache database.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// IndicatorsConfig holds parameters for the technical indicators.
type IndicatorsConfig struct {
	RSIPeriod        int     `mapstructure:"rsi_period"`
	MACDFastPeriod   int     `mapstructure:"macd_fast_period"`
	MACDSlowPeriod   int     `mapstructure:"macd_slow_period"`
	MACDSignalPeriod int     `mapstructure:"macd_signal_period"`
	BBPeriod         int     `mapstructure:"bb_period"`
	BBStdDev         float64 `mapstructure:"bb_std_dev"`
	SMAPeriod        int     `mapstructure:"sma_period"`
	ATRPeriod        int     `mapstructure:"atr_period"`
	VolumeLookback   int     `mapstructure:"volume_lookback"`
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// OHLCVBar represents a single Open, High, Low, Close, Volume data point.
type OHLCVBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Position holds the state of one active trade. One position per symbol;
// a position whose quantity reaches zero is removed, never kept around.
type Position struct {
	Symbol       string    `json:"symbol"`
	EntryPrice   float64   `json:"entry_price"`
	Qty          float64   `json:"qty"`
	HighestPrice float64   `json:"highest_price"`
	StopLoss     float64   `json:"stop_loss"`
	TPPrices     []float64 `json:"tp_prices"`
	TPsTriggered []float64 `json:"tps_triggered"`
	ATRAtEntry   float64   `json:"atr_at_entry"`
	EntryTime    int64     `json:"entry_time"`
	Strategy     string    `json:"strategy,omitempty"`
}

// RiskConfig holds the daily-loss circuit breaker parameters.
type RiskConfig struct {
	MaxDailyLossPercent float64 `mapstructure:"max_daily_loss_percent"`
}

// ScannerConfig holds settings for the volatility symbol scanner.
type ScannerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	TopN             int     `mapstructure:"top_n"`
	MinQuoteVolume   float64 `mapstructure:"min_quote_volume"`
	MinChangePercent float64 `mapstructure:"min_change_percent"`
	MaxPrice         float64 `mapstructure:"max_price"`
}

// StateConfig holds settings for the JSON state snapshots.
type StateConfig struct {
	Dir       string `mapstructure:"dir"`
	BackupDir string `mapstructure:"backup_dir"`
}

// TelegramConfig holds settings for the Telegram command/notification channel.
type TelegramConfig struct {
	Token        string   `mapstructure:"token"`
	ChatID       string   `mapstructure:"chat_id"`
	AllowedUsers []string `mapstructure:"allowed_users"`
	PollDelaySec int      `mapstructure:"poll_delay_sec"`
	BaseURL      string   `mapstructure:"base_url"`
}

// DiscordConfig holds settings for the optional Discord webhook mirror.
type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// TradingConfig holds general trading parameters.
type TradingConfig struct {
	QuoteCurrency         string    `mapstructure:"quote_currency"`
	Symbols               []string  `mapstructure:"symbols"`
	Timeframe             string    `mapstructure:"timeframe"`
	SlowTimeframe         string    `mapstructure:"slow_timeframe"`
	ScanIntervalSec       int       `mapstructure:"scan_interval_sec"`
	SyncIntervalMs        int       `mapstructure:"sync_interval_ms"`
	MaxConcurrentTrades   int       `mapstructure:"max_concurrent_trades"`
	TradeCooldownSec      int       `mapstructure:"trade_cooldown_sec"`
	MinimumBalance        float64   `mapstructure:"minimum_balance"`
	PercentPerTrade       float64   `mapstructure:"percent_per_trade"`
	MinTradeQuote         float64   `mapstructure:"min_trade_quote"`
	MaxTradeQuote         float64   `mapstructure:"max_trade_quote"`
	LimitOrderOffset      float64   `mapstructure:"limit_order_offset"`
	FillSettleDelayMs     int       `mapstructure:"fill_settle_delay_ms"`
	StopLossATRMultiplier float64   `mapstructure:"stop_loss_atr_multiplier"`
	TrailingATRMultiplier float64   `mapstructure:"trailing_atr_multiplier"`
	TPMultipliers         []float64 `mapstructure:"tp_multipliers"`
	TPResetDelaySec       int       `mapstructure:"tp_reset_delay_sec"`
	RSIEntryZones         []float64 `mapstructure:"rsi_entry_zones"`
	RSITolerance          float64   `mapstructure:"rsi_tolerance"`
	RSI1hMax              float64   `mapstructure:"rsi_1h_max"`
	RSIATRMultiplier      float64   `mapstructure:"rsi_atr_multiplier"`
	RSISellBase           float64   `mapstructure:"rsi_sell_base"`
	RSISellMin            float64   `mapstructure:"rsi_sell_min"`
	RSISellMax            float64   `mapstructure:"rsi_sell_max"`
	MaxTradeDurationMin   int       `mapstructure:"max_trade_duration_min"`
}

// WebConfig holds settings for the status web server.
type WebConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// --- Config methods ---

// ApplyDefaults fills every optional field with its documented default.
// Required fields (API keys, symbols, multipliers) stay empty and are
// rejected by Validate.
func (c *AppConfig) ApplyDefaults() {
	if c.AppName == "" {
		c.AppName = "riptide"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Binance.RequestTimeoutSec <= 0 {
		c.Binance.RequestTimeoutSec = 15
	}
	if c.Binance.MaxRetries <= 0 {
		c.Binance.MaxRetries = 3
	}
	if c.Binance.RetryDelaySec <= 0 {
		c.Binance.RetryDelaySec = 2
	}
	if c.Binance.RateLimitPerSec <= 0 {
		c.Binance.RateLimitPerSec = 10
	}
	if c.Binance.RateLimitBurst <= 0 {
		c.Binance.RateLimitBurst = 5
	}
	if c.Binance.RateLimitCooldownSec <= 0 {
		c.Binance.RateLimitCooldownSec = 60
	}
	if c.DB.DBPath == "" {
		c.DB.DBPath = "data/riptide.db"
	}
	if c.State.Dir == "" {
		c.State.Dir = "data/state"
	}
	if c.State.BackupDir == "" {
		c.State.BackupDir = c.State.Dir + "/backups"
	}
	if c.Telegram.PollDelaySec <= 0 {
		c.Telegram.PollDelaySec = 2
	}
	if c.Telegram.BaseURL == "" {
		c.Telegram.BaseURL = "https://api.telegram.org"
	}
	if c.Trading.QuoteCurrency == "" {
		c.Trading.QuoteCurrency = "USDT"
	}
	if c.Trading.Timeframe == "" {
		c.Trading.Timeframe = "15m"
	}
	if c.Trading.SlowTimeframe == "" {
		c.Trading.SlowTimeframe = "1h"
	}
	if c.Trading.ScanIntervalSec <= 0 {
		c.Trading.ScanIntervalSec = 60
	}
	if c.Trading.SyncIntervalMs <= 0 {
		c.Trading.SyncIntervalMs = 1200
	}
	if c.Trading.MaxConcurrentTrades <= 0 {
		c.Trading.MaxConcurrentTrades = 1
	}
	if c.Trading.TradeCooldownSec <= 0 {
		c.Trading.TradeCooldownSec = 120
	}
	if c.Trading.PercentPerTrade <= 0 {
		c.Trading.PercentPerTrade = 0.10
	}
	if c.Trading.MinTradeQuote <= 0 {
		c.Trading.MinTradeQuote = 5
	}
	if c.Trading.MaxTradeQuote <= 0 {
		c.Trading.MaxTradeQuote = 10
	}
	if c.Trading.FillSettleDelayMs <= 0 {
		c.Trading.FillSettleDelayMs = 1500
	}
	if c.Trading.RSITolerance <= 0 {
		c.Trading.RSITolerance = 5
	}
	if c.Trading.RSI1hMax <= 0 {
		c.Trading.RSI1hMax = 70
	}
	if c.Trading.RSIATRMultiplier <= 0 {
		c.Trading.RSIATRMultiplier = 1.5
	}
	if c.Trading.RSISellBase <= 0 {
		c.Trading.RSISellBase = 70
	}
	if c.Trading.RSISellMin <= 0 {
		c.Trading.RSISellMin = 60
	}
	if c.Trading.RSISellMax <= 0 {
		c.Trading.RSISellMax = 80
	}
	if c.Trading.TPResetDelaySec <= 0 {
		c.Trading.TPResetDelaySec = 60
	}
	if len(c.Trading.TPMultipliers) == 0 {
		c.Trading.TPMultipliers = []float64{2, 4, 6}
	}
	if len(c.Trading.RSIEntryZones) == 0 {
		c.Trading.RSIEntryZones = []float64{55, 50, 45, 40, 35, 30}
	}
	if c.Trading.StopLossATRMultiplier <= 0 {
		c.Trading.StopLossATRMultiplier = 1.5
	}
	if c.Trading.TrailingATRMultiplier <= 0 {
		c.Trading.TrailingATRMultiplier = 2.0
	}
	if c.Risk.MaxDailyLossPercent <= 0 {
		c.Risk.MaxDailyLossPercent = 5
	}
	if c.Indicators.RSIPeriod <= 0 {
		c.Indicators.RSIPeriod = 14
	}
	if c.Indicators.MACDFastPeriod <= 0 {
		c.Indicators.MACDFastPeriod = 12
	}
	if c.Indicators.MACDSlowPeriod <= 0 {
		c.Indicators.MACDSlowPeriod = 26
	}
	if c.Indicators.MACDSignalPeriod <= 0 {
		c.Indicators.MACDSignalPeriod = 9
	}
	if c.Indicators.BBPeriod <= 0 {
		c.Indicators.BBPeriod = 20
	}
	if c.Indicators.BBStdDev <= 0 {
		c.Indicators.BBStdDev = 2
	}
	if c.Indicators.SMAPeriod <= 0 {
		c.Indicators.SMAPeriod = 50
	}
	if c.Indicators.ATRPeriod <= 0 {
		c.Indicators.ATRPeriod = 14
	}
	if c.Indicators.VolumeLookback <= 0 {
		c.Indicators.VolumeLookback = 20
	}
	if c.Scanner.TopN <= 0 {
		c.Scanner.TopN = 10
	}
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = ":8080"
	}
}

// Validate rejects a configuration that would let the bot trade with
// undefined risk parameters. Every problem here is fatal at startup.
func (c *AppConfig) Validate() error {
	if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return errors.New("binance.api_key and binance.api_secret are required")
	}
	if !c.Scanner.Enabled && len(c.Trading.Symbols) == 0 {
		return errors.New("trading.symbols must list at least one symbol when the scanner is disabled")
	}
	for _, sym := range c.Trading.Symbols {
		if !strings.Contains(sym, "/") {
			return fmt.Errorf("trading.symbols entry %q must be in BASE/QUOTE form", sym)
		}
	}
	if !sort.Float64sAreSorted(c.Trading.TPMultipliers) {
		return errors.New("trading.tp_multipliers must be ascending")
	}
	if c.Trading.PercentPerTrade > 1 {
		return fmt.Errorf("trading.percent_per_trade (%.2f) must be in (0, 1]", c.Trading.PercentPerTrade)
	}
	if c.Trading.MinTradeQuote > c.Trading.MaxTradeQuote {
		return fmt.Errorf("trading.min_trade_quote (%.2f) exceeds max_trade_quote (%.2f)", c.Trading.MinTradeQuote, c.Trading.MaxTradeQuote)
	}
	if c.Trading.LimitOrderOffset < 0 || c.Trading.LimitOrderOffset > 0.05 {
		return fmt.Errorf("trading.limit_order_offset (%.4f) out of realistic range", c.Trading.LimitOrderOffset)
	}
	if c.Risk.MaxDailyLossPercent > 100 {
		return fmt.Errorf("risk.max_daily_loss_percent (%.2f) must be in (0, 100]", c.Risk.MaxDailyLossPercent)
	}
	if c.Trading.RSISellMin > c.Trading.RSISellMax {
		return fmt.Errorf("trading.rsi_sell_min (%.0f) exceeds rsi_sell_max (%.0f)", c.Trading.RSISellMin, c.Trading.RSISellMax)
	}
	if err := ValidateTimeframe(c.Trading.Timeframe); err != nil {
		return err
	}
	if err := ValidateTimeframe(c.Trading.SlowTimeframe); err != nil {
		return err
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == "" {
		return errors.New("telegram.chat_id is required when telegram.token is set")
	}
	return nil
}

// --- Logger ---

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[Riptide] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}

// --- Position helpers ---

// TPTriggered reports whether the given take-profit price has already fired.
// Prices round-trip through JSON, so compare with a small epsilon.
func (p *Position) TPTriggered(tp float64) bool {
	for _, t := range p.TPsTriggered {
		if AlmostEqual(t, tp, 1e-9) {
			return true
		}
	}
	return false
}

// HeldFor returns how long the position has been open.
func (p *Position) HeldFor(now time.Time) time.Duration {
	if p.EntryTime == 0 {
		return 0
	}
	return now.Sub(time.Unix(p.EntryTime, 0))
}
