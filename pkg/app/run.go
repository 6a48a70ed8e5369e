// File: pkg/app/run.go
package app

import (
	"context"
	"fmt"
	"time"

	"riptide/dataprovider"
	"riptide/notification/discord"
	"riptide/notification/telegram"
	"riptide/pkg/broker"
	brokerbinance "riptide/pkg/broker/binance"
	"riptide/utilities"
	"riptide/web"
)

// fanoutNotifier mirrors every message to each configured channel. A failure
// on one channel does not stop delivery to the others; the first error wins.
type fanoutNotifier struct {
	channels []Notifier
}

func (f *fanoutNotifier) SendMessage(message string) error {
	var firstErr error
	for _, ch := range f.channels {
		if err := ch.SendMessage(message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NotifyOrderFilled forwards the rich fill notification to the channels
// that support it; plain-text channels already got the SendMessage copy.
func (f *fanoutNotifier) NotifyOrderFilled(order broker.Order, details string) error {
	var firstErr error
	for _, ch := range f.channels {
		fn, ok := ch.(fillNotifier)
		if !ok {
			continue
		}
		if err := fn.NotifyOrderFilled(order, details); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run wires every component together and blocks until ctx is cancelled or
// the engine stops with an error. Construction order matters: cache before
// broker (the adapter writes candles through), store before engine (state
// is loaded during construction), loops last.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	cache, err := dataprovider.NewSQLiteCache(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open candle cache: %w", err)
	}
	defer cache.Close()
	cache.StartScheduledCleanup(6 * time.Hour)

	store, err := dataprovider.NewStateStore(cfg.State, logger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	adapter, err := brokerbinance.NewAdapter(&cfg.Binance, logger, cache)
	if err != nil {
		return fmt.Errorf("failed to build exchange adapter: %w", err)
	}

	tg := telegram.NewClient(cfg.Telegram, logger)
	var notifier Notifier = tg
	if cfg.Discord.WebhookURL != "" {
		notifier = &fanoutNotifier{channels: []Notifier{tg, discord.NewClient(cfg.Discord, logger)}}
	}

	engine := NewEngine(cfg, logger, adapter, notifier, store)

	go tg.CommandLoop(ctx, engine.HandleCommand)

	if cfg.Web.Enabled {
		web.StartWebServer(ctx, engine)
	}

	return engine.Run(ctx)
}
