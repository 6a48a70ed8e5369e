package strategy

import (
	"fmt"
	"math"

	"riptide/utilities"
)

// ComputeEMASeries computes the exponential moving average series over data.
func ComputeEMASeries(data []float64, period int) []float64 {
	if period <= 0 || len(data) == 0 {
		return nil
	}

	ema := make([]float64, len(data))
	multiplier := 2.0 / float64(period+1)

	ema[0] = data[0]
	for i := 1; i < len(data); i++ {
		ema[i] = (data[i]-ema[i-1])*multiplier + ema[i-1]
	}
	return ema
}

// CalculateRSI explicitly calculates the Relative Strength Index (RSI) over the given bars.
func CalculateRSI(bars []utilities.OHLCVBar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 50.0 // neutral
	}
	gains, losses := 0.0, 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// CalculateMACD computes the MACD line, signal line, and histogram over the
// given bars, returning the latest value of each.
func CalculateMACD(bars []utilities.OHLCVBar, fastPeriod, slowPeriod, signalPeriod int) (line, signal, hist float64) {
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	fastEMA := ComputeEMASeries(closes, fastPeriod)
	slowEMA := ComputeEMASeries(closes, slowPeriod)
	if len(fastEMA) == 0 || len(slowEMA) == 0 {
		return 0, 0, 0
	}
	macdSeries := make([]float64, len(closes))
	for i := range closes {
		macdSeries[i] = fastEMA[i] - slowEMA[i]
	}
	signalEMA := ComputeEMASeries(macdSeries, signalPeriod)
	idx := len(macdSeries) - 1
	line = macdSeries[idx]
	signal = signalEMA[idx]
	return line, signal, line - signal
}

// CalculateSMA computes the simple moving average over the last 'period' values.
func CalculateSMA(data []float64, period int) float64 {
	if len(data) < period || period <= 0 {
		return 0.0
	}

	segment := data[len(data)-period:]
	sum := 0.0
	for _, v := range segment {
		sum += v
	}
	return sum / float64(period)
}

// CalculateATR explicitly calculates the Average True Range (ATR) over the last 'period' bars.
func CalculateATR(bars []utilities.OHLCVBar, period int) (float64, error) {
	n := len(bars)
	if period <= 0 || n < period+1 {
		return 0.0, fmt.Errorf("not enough bars (%d) for ATR calculation of period %d", n, period)
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		curr := bars[n-i]
		prev := bars[n-i-1]

		highLow := curr.High - curr.Low
		highClose := math.Abs(curr.High - prev.Close)
		lowClose := math.Abs(curr.Low - prev.Close)

		trueRange := math.Max(highLow, math.Max(highClose, lowClose))
		sum += trueRange
	}
	return sum / float64(period), nil
}

// CalculateBollinger computes the Bollinger Bands over the last 'period' closes.
func CalculateBollinger(data []float64, period int, stdDevs float64) (upper, middle, lower float64) {
	if len(data) < period || period <= 0 {
		return 0, 0, 0
	}
	middle = CalculateSMA(data, period)
	segment := data[len(data)-period:]
	variance := 0.0
	for _, v := range segment {
		d := v - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return middle + stdDevs*sd, middle, middle - stdDevs*sd
}

// AverageVolume returns the mean volume of the last 'period' bars, excluding
// the most recent bar so a spike is measured against its own baseline.
func AverageVolume(bars []utilities.OHLCVBar, period int) float64 {
	if len(bars) <= period || period <= 0 {
		return 0.0
	}
	sum := 0.0
	for i := len(bars) - period - 1; i < len(bars)-1; i++ {
		sum += bars[i].Volume
	}
	return sum / float64(period)
}
