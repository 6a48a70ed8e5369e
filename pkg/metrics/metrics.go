// File: pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riptide_orders_placed_total",
		Help: "Orders submitted to the exchange, by side.",
	}, []string{"side"})

	PositionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riptide_positions_open",
		Help: "Number of currently open positions.",
	})

	DailyLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riptide_daily_loss",
		Help: "Realized loss for the current day in quote currency (negative = profit).",
	})

	ScanCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riptide_scan_cycles_total",
		Help: "Completed scan-loop iterations.",
	})

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riptide_commands_total",
		Help: "Operator commands processed, by command.",
	}, []string{"command"})

	EntrySignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riptide_entry_signals_total",
		Help: "Passing entry signals, by winning rule bundle.",
	}, []string{"bundle"})
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		PositionsOpen,
		DailyLoss,
		ScanCycles,
		Commands,
		EntrySignals,
	)
}
