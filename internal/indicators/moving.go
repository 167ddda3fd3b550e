package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
)

// SMA is the rolling mean over period values
func SMA(values []float64, period int) []float64 {
	return movingAverage(values, period, talib.Sma)
}

// EMA is the exponential moving average with alpha = 2/(period+1), seeded
// with the SMA of the first period values. A gap in the input restarts
// the seeding.
func EMA(values []float64, period int) []float64 {
	return movingAverage(values, period, talib.Ema)
}

// WMA is the linearly weighted moving average, newest value weighted period
func WMA(values []float64, period int) []float64 {
	return movingAverage(values, period, talib.Wma)
}

// movingAverage runs a talib average over every gap-free run of values.
// A one-bar average is the input itself.
func movingAverage(values []float64, period int, average func([]float64, int) []float64) []float64 {
	switch {
	case period <= 0:
		return absentSeries(len(values))
	case period == 1:
		out := make([]float64, len(values))
		copy(out, values)
		return out
	}
	return masked(values, period-1, func(run []float64) []float64 {
		return average(run, period)
	})
}

// HMA is the Hull moving average: WMA(2*WMA(n/2) - WMA(n), sqrt(n))
func HMA(values []float64, period int) []float64 {
	if period <= 0 {
		return absentSeries(len(values))
	}
	half := max(period/2, 1)
	root := max(int(math.Sqrt(float64(period))), 1)

	fast := WMA(values, half)
	slow := WMA(values, period)
	raw := make([]float64, len(values))
	for i := range values {
		raw[i] = 2*fast[i] - slow[i] // NaN propagates
	}
	return WMA(raw, root)
}
