// Package indicators computes technical indicators over candle series.
// Series are ordered oldest first; every function reports ok=false when the
// series is shorter than the indicator's lookback instead of guessing a value.
package indicators

import "tradebot-engine/internal/exchange"

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// Closes extracts close prices from candles
func Closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA returns the simple moving average of the last period values
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}

	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMASeries returns the exponential moving average aligned with values[period-1:].
// The first point is seeded with the SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	seed, _ := SMA(values[:period], period)
	multiplier := 2.0 / float64(period+1)

	series := make([]float64, 0, len(values)-period+1)
	series = append(series, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
		series = append(series, ema)
	}
	return series
}

// EMA returns the latest exponential moving average
func EMA(values []float64, period int) (float64, bool) {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI returns the Wilder-smoothed relative strength index. It needs period+1 values.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds the latest MACD values plus the previous histogram for crossover detection
type MACDResult struct {
	MACD          float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// BullishCrossover reports the MACD line crossing above its signal line on the last bar
func (m MACDResult) BullishCrossover() bool {
	return m.PrevHistogram <= 0 && m.Histogram > 0
}

// BearishCrossover reports the MACD line crossing below its signal line on the last bar
func (m MACDResult) BearishCrossover() bool {
	return m.PrevHistogram >= 0 && m.Histogram < 0
}

// MACDLookback is the number of values MACD needs to produce a current and previous histogram
func MACDLookback(slowPeriod, signalPeriod int) int {
	return slowPeriod + signalPeriod
}

// MACD computes the MACD line, its signal line and histogram
func MACD(values []float64, fastPeriod, slowPeriod, signalPeriod int) (MACDResult, bool) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod || signalPeriod <= 0 {
		return MACDResult{}, false
	}
	if len(values) < MACDLookback(slowPeriod, signalPeriod) {
		return MACDResult{}, false
	}

	fast := EMASeries(values, fastPeriod)
	slow := EMASeries(values, slowPeriod)

	// Align fast with slow: both end at the last value
	offset := len(fast) - len(slow)
	macdLine := make([]float64, len(slow))
	for i := range slow {
		macdLine[i] = fast[i+offset] - slow[i]
	}

	signal := EMASeries(macdLine, signalPeriod)
	if len(signal) < 2 {
		return MACDResult{}, false
	}

	n := len(macdLine)
	m := len(signal)
	return MACDResult{
		MACD:          macdLine[n-1],
		Signal:        signal[m-1],
		Histogram:     macdLine[n-1] - signal[m-1],
		PrevHistogram: macdLine[n-2] - signal[m-2],
	}, true
}
