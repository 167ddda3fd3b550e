package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
)

// BandPosition is where a close sits relative to the Bollinger bands
type BandPosition int

const (
	BandNone BandPosition = iota
	BandAbove
	BandBelow
)

// BollingerResult holds the bands and the per-bar close position
type BollingerResult struct {
	Upper    []float64
	Middle   []float64
	Lower    []float64
	Position []BandPosition
}

// Bollinger computes SMA(period) +/- k sample standard deviations
func Bollinger(closes []float64, period int, k float64) BollingerResult {
	n := len(closes)
	res := BollingerResult{
		Upper:    absentSeries(n),
		Middle:   absentSeries(n),
		Lower:    absentSeries(n),
		Position: make([]BandPosition, n),
	}
	if period <= 0 {
		return res
	}

	// talib deviates by the population standard deviation
	dev := 0.0
	if period > 1 {
		dev = k * math.Sqrt(float64(period)/float64(period-1))
	}
	runs(closes, period-1, func(start, end int) {
		upper, middle, lower := talib.BBands(closes[start:end], period, dev, dev, talib.SMA)
		from := start + period - 1
		copy(res.Upper[from:end], upper[period-1:])
		copy(res.Middle[from:end], middle[period-1:])
		copy(res.Lower[from:end], lower[period-1:])
	})

	for i := range closes {
		switch {
		case IsAbsent(res.Upper[i]):
		case Above(closes[i], res.Upper[i]):
			res.Position[i] = BandAbove
		case Below(closes[i], res.Lower[i]):
			res.Position[i] = BandBelow
		}
	}
	return res
}

// HiLoSignal is the HiLo Activator label of one bar
type HiLoSignal int

const (
	HiLoNone HiLoSignal = iota
	HiLoBuy
	HiLoSell
)

// HiLoResult holds the activator lines and labels
type HiLoResult struct {
	High   []float64
	Low    []float64
	Signal []HiLoSignal
}

// HiLo computes the HiLo Activator. The lines at bar i cover the period bars
// before i, so the current bar's own range never hides a breakout. A buy
// fires when the close moves from at-or-below the high line to above it, a
// sell on the mirror move through the low line.
func HiLo(highs, lows, closes []float64, period int) HiLoResult {
	n := min(len(highs), len(lows), len(closes))
	res := HiLoResult{
		High:   absentSeries(n),
		Low:    absentSeries(n),
		Signal: make([]HiLoSignal, n),
	}
	if period <= 0 {
		return res
	}

	for i := period; i < n; i++ {
		hi, lo := highs[i-period], lows[i-period]
		for j := i - period + 1; j < i; j++ {
			hi = math.Max(hi, highs[j])
			lo = math.Min(lo, lows[j])
		}
		res.High[i] = hi
		res.Low[i] = lo
	}

	for i := period + 1; i < n; i++ {
		switch {
		case CrossedAbove(closes[i-1], res.High[i-1], closes[i], res.High[i]):
			res.Signal[i] = HiLoBuy
		case CrossedBelow(closes[i-1], res.Low[i-1], closes[i], res.Low[i]):
			res.Signal[i] = HiLoSell
		}
	}
	return res
}

// VWAP is the volume weighted average of the typical price (h+l+c)/3,
// accumulated from anchor. Bars before the anchor, and bars before any
// volume has traded, are absent.
func VWAP(highs, lows, closes, volumes []float64, anchor int) []float64 {
	n := min(len(highs), len(lows), len(closes), len(volumes))
	out := absentSeries(n)
	if anchor < 0 {
		anchor = 0
	}

	var pv, vol float64
	for i := anchor; i < n; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3
		pv += tp * volumes[i]
		vol += volumes[i]
		if vol > 0 {
			out[i] = pv / vol
		}
	}
	return out
}
