package indicators

import "github.com/markcheno/go-talib"

// RSI is the relative strength index with Wilder's smoothing. The first
// period bars are absent; the first value uses the simple mean of the first
// period changes. A series that has not moved at all reads 50.
func RSI(closes []float64, period int) []float64 {
	if period < 2 {
		return absentSeries(len(closes))
	}
	out := absentSeries(len(closes))
	runs(closes, period, func(start, end int) {
		run := closes[start:end]
		rsi := talib.Rsi(run, period)
		flat := true
		for i := 1; i < len(run); i++ {
			flat = flat && run[i] == run[0]
			if i < period {
				continue
			}
			if flat {
				out[start+i] = 50
			} else {
				out[start+i] = min(max(rsi[i], 0), 100)
			}
		}
	})
	return out
}

// MACDResult holds the MACD line, its signal line and their crossings
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
	// Cross is CrossAbove on a bullish cross (line over signal) and
	// CrossBelow on a bearish one
	Cross []Cross
}

// MACD computes EMA(fast) - EMA(slow) and its EMA(signal). All three
// series start once the signal line is defined.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	n := len(closes)
	res := MACDResult{
		Line:      absentSeries(n),
		Signal:    absentSeries(n),
		Histogram: absentSeries(n),
	}
	if fast > 0 && slow > 0 && signal > 0 {
		lookback := max(fast, slow) - 1 + signal - 1
		runs(closes, lookback, func(start, end int) {
			line, sig, hist := talib.Macd(closes[start:end], fast, slow, signal)
			copy(res.Line[start+lookback:end], line[lookback:])
			copy(res.Signal[start+lookback:end], sig[lookback:])
			copy(res.Histogram[start+lookback:end], hist[lookback:])
		})
	}
	res.Cross = Crosses(res.Line, res.Signal)
	return res
}

// CrossResult is a short/long moving average pair and its crossings.
// CrossAbove marks a golden cross, CrossBelow a death cross.
type CrossResult struct {
	Short []float64
	Long  []float64
	Cross []Cross
}

// EMACross computes the EMA pair used for golden and death crosses
func EMACross(closes []float64, short, long int) CrossResult {
	s := EMA(closes, short)
	l := EMA(closes, long)
	return CrossResult{Short: s, Long: l, Cross: Crosses(s, l)}
}
