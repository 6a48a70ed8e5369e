// File: pkg/scanner/scanner.go
package scanner

import (
	"context"
	"fmt"
	"sort"

	"riptide/pkg/broker"
	"riptide/utilities"
)

// Detection is one symbol the scanner flagged as unusually volatile.
type Detection struct {
	Pair          string
	ChangePercent float64
	QuoteVolume   float64
	LastPrice     float64
}

// Scanner derives a tradable symbol set from 24h exchange statistics
// instead of a fixed config list.
type Scanner struct {
	broker broker.Broker
	cfg    utilities.ScannerConfig
	quote  string
	logger *utilities.Logger
}

func New(b broker.Broker, cfg utilities.ScannerConfig, quoteCurrency string, logger *utilities.Logger) *Scanner {
	return &Scanner{broker: b, cfg: cfg, quote: quoteCurrency, logger: logger}
}

// TopVolatile returns the top-N pairs by 24h change that clear the volume
// and price filters, sorted by change descending.
func (s *Scanner) TopVolatile(ctx context.Context) ([]Detection, error) {
	stats, err := s.broker.GetAllTickers(ctx, s.quote)
	if err != nil {
		return nil, fmt.Errorf("scanner: fetch 24h stats: %w", err)
	}

	var out []Detection
	for _, t := range stats {
		if t.ChangePercent < s.cfg.MinChangePercent {
			continue
		}
		if t.QuoteVolume < s.cfg.MinQuoteVolume {
			continue
		}
		if t.LastPrice <= 0 {
			continue
		}
		if s.cfg.MaxPrice > 0 && t.LastPrice > s.cfg.MaxPrice {
			continue
		}
		out = append(out, Detection{
			Pair:          t.Pair,
			ChangePercent: t.ChangePercent,
			QuoteVolume:   t.QuoteVolume,
			LastPrice:     t.LastPrice,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ChangePercent > out[j].ChangePercent
	})
	if len(out) > s.cfg.TopN {
		out = out[:s.cfg.TopN]
	}
	s.logger.LogDebug("scanner: %d of %d pairs passed volatility filters", len(out), len(stats))
	return out, nil
}
