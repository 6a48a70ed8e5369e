package strategy

import (
	"fmt"
	"sort"

	"riptide/utilities"
)

// minSnapshotBars is the smallest candle window the indicator set is
// meaningful on.
const minSnapshotBars = 50

// Snapshot carries every indicator value the engine reads for one symbol
// and timeframe, computed once per cycle from the same candle window.
type Snapshot struct {
	Close      float64
	RSI        float64
	MACDLine   float64
	MACDSignal float64
	MACDHist   float64
	UpperBand  float64
	LowerBand  float64
	SMA        float64
	ATR        float64
	Volume     float64
	AvgVolume  float64
}

// ComputeSnapshot derives the full indicator set from a candle window.
// Errors when the window is too small for the configured periods; callers
// skip the symbol for the cycle rather than trading on partial indicators.
func ComputeSnapshot(bars []utilities.OHLCVBar, cfg utilities.IndicatorsConfig) (Snapshot, error) {
	if len(bars) < minSnapshotBars {
		return Snapshot{}, fmt.Errorf("need at least %d bars for indicators, have %d", minSnapshotBars, len(bars))
	}
	closes := extractCloses(bars)

	atr, err := CalculateATR(bars, cfg.ATRPeriod)
	if err != nil {
		return Snapshot{}, err
	}
	line, signal, hist := CalculateMACD(bars, cfg.MACDFastPeriod, cfg.MACDSlowPeriod, cfg.MACDSignalPeriod)
	upper, _, lower := CalculateBollinger(closes, cfg.BBPeriod, cfg.BBStdDev)

	return Snapshot{
		Close:      bars[len(bars)-1].Close,
		RSI:        CalculateRSI(bars, cfg.RSIPeriod),
		MACDLine:   line,
		MACDSignal: signal,
		MACDHist:   hist,
		UpperBand:  upper,
		LowerBand:  lower,
		SMA:        CalculateSMA(closes, cfg.SMAPeriod),
		ATR:        atr,
		Volume:     bars[len(bars)-1].Volume,
		AvgVolume:  AverageVolume(bars, cfg.VolumeLookback),
	}, nil
}

// extractCloses is a helper function to get a slice of close prices from OHLCV bars.
func extractCloses(bars []utilities.OHLCVBar) []float64 {
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	return closes
}

// bundleResult is the outcome of scoring one rule bundle.
type bundleResult struct {
	Name    string
	Score   int
	Passed  bool
	Details string
}

// EvaluateEntry scores the fixed set of rule bundles against the fast and
// slow snapshots and picks the best passing one. Returns (passed, winning
// bundle name, explanation); on failure the explanation is a diagnostic of
// the current indicator values.
func EvaluateEntry(fast, slow Snapshot) (bool, string, string) {
	rsiLow := fast.RSI < 30
	macdBull := fast.MACDHist > 0
	belowBB := fast.Close < fast.LowerBand
	volHigh := fast.Volume > fast.AvgVolume

	trend := "Above SMA"
	if fast.Close < slow.SMA {
		trend = "Below SMA"
	}

	defaultScore := boolCount(rsiLow, macdBull, belowBB, volHigh)
	results := []bundleResult{
		{
			Name:    "Default Logic",
			Score:   defaultScore,
			Passed:  defaultScore >= 3,
			Details: fmt.Sprintf("RSI: %.2f, MACD Hist: %.4f, Price: %.4f, BB: %.4f, Vol: %.0f > Avg: %.0f", fast.RSI, fast.MACDHist, fast.Close, fast.LowerBand, fast.Volume, fast.AvgVolume),
		},
		{
			Name:    "RSI + MACD",
			Score:   boolCount(rsiLow, macdBull),
			Passed:  rsiLow && macdBull,
			Details: fmt.Sprintf("RSI: %.2f, MACD Hist: %.4f", fast.RSI, fast.MACDHist),
		},
		{
			Name:    "MACD + Volume",
			Score:   boolCount(macdBull, volHigh),
			Passed:  macdBull && volHigh,
			Details: fmt.Sprintf("MACD Hist: %.4f, Volume: %.0f > Avg: %.0f", fast.MACDHist, fast.Volume, fast.AvgVolume),
		},
		{
			Name:    "RSI + Bollinger Bands",
			Score:   boolCount(rsiLow, belowBB),
			Passed:  rsiLow && belowBB,
			Details: fmt.Sprintf("RSI: %.2f, Price: %.4f < Lower BB: %.4f", fast.RSI, fast.Close, fast.LowerBand),
		},
	}

	var passing []bundleResult
	for _, r := range results {
		if r.Passed {
			passing = append(passing, r)
		}
	}
	if len(passing) == 0 {
		diag := fmt.Sprintf("no entry condition met | RSI(15m): %.2f RSI(1h): %.2f | MACD Hist: %.4f | Price: %.4f vs Lower BB: %.4f | Vol: %.0f vs Avg: %.0f | Trend: %s",
			fast.RSI, slow.RSI, fast.MACDHist, fast.Close, fast.LowerBand, fast.Volume, fast.AvgVolume, trend)
		return false, "", diag
	}

	// Highest score wins; name descending keeps ties deterministic.
	sort.Slice(passing, func(i, j int) bool {
		if passing[i].Score != passing[j].Score {
			return passing[i].Score > passing[j].Score
		}
		return passing[i].Name > passing[j].Name
	})
	best := passing[0]
	return true, best.Name, fmt.Sprintf("%s | Score: %d | Trend: %s", best.Details, best.Score, trend)
}

// AdaptiveRSILevels widens the base entry zones proportionally to the
// current volatility ratio (ATR/price), clamped to [10, 50]. A quiet market
// keeps entries strict; a volatile one tolerates higher RSI readings.
func AdaptiveRSILevels(baseLevels []float64, atr, price, multiplier float64) []int {
	out := make([]int, 0, len(baseLevels))
	if price <= 0 {
		for _, lvl := range baseLevels {
			out = append(out, int(utilities.Clamp(lvl, 10, 50)))
		}
		return out
	}
	scale := 1 + (atr/price)*multiplier
	for _, lvl := range baseLevels {
		out = append(out, int(utilities.Clamp(float64(int(lvl*scale)), 10, 50)))
	}
	return out
}

// AdaptiveRSISell raises the exit threshold with volatility so a choppy
// market doesn't shake positions out early. Clamped to [minRSI, maxRSI].
func AdaptiveRSISell(base, atr, price, multiplier, minRSI, maxRSI float64) int {
	if price <= 0 {
		return int(base)
	}
	adaptive := base + (atr/price)*100*multiplier
	return int(utilities.Clamp(float64(int(adaptive)), minRSI, maxRSI))
}

func boolCount(conds ...bool) int {
	n := 0
	for _, c := range conds {
		if c {
			n++
		}
	}
	return n
}
