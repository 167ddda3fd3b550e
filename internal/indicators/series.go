// Package indicators provides deterministic technical indicator transforms
// over price series.
//
// Every function returns a series of the same length as its input. Positions
// that cannot be computed yet (warm-up) hold NaN; use IsAbsent to test them.
// Nothing here keeps state between calls.
package indicators

import "math"

// Cross labels a crossing of one series over another at a single bar
type Cross int

const (
	CrossNone Cross = iota
	CrossAbove
	CrossBelow
)

func (c Cross) String() string {
	switch c {
	case CrossAbove:
		return "above"
	case CrossBelow:
		return "below"
	}
	return "none"
}

// IsAbsent reports whether v is a warm-up gap
func IsAbsent(v float64) bool {
	return math.IsNaN(v)
}

// AllPresent reports whether none of the values is a warm-up gap
func AllPresent(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// relTolerance is the relative gap two values need before one counts as
// above the other. Windowed sums of equal prices differ in the last bits.
const relTolerance = 1e-9

// Above reports whether a is above b by more than rounding noise
func Above(a, b float64) bool {
	return a-b > relTolerance*math.Max(math.Abs(a), math.Abs(b))
}

// Below reports whether a is below b by more than rounding noise
func Below(a, b float64) bool {
	return Above(b, a)
}

// CrossedAbove reports a crossing of a over b between two consecutive bars:
// a was at or below b and is now strictly above it.
func CrossedAbove(prevA, prevB, curA, curB float64) bool {
	if !AllPresent(prevA, prevB, curA, curB) {
		return false
	}
	return !Above(prevA, prevB) && Above(curA, curB)
}

// CrossedBelow is the mirror of CrossedAbove
func CrossedBelow(prevA, prevB, curA, curB float64) bool {
	if !AllPresent(prevA, prevB, curA, curB) {
		return false
	}
	return !Below(prevA, prevB) && Below(curA, curB)
}

// Crosses labels every bar where a crosses b. The first bar never crosses.
func Crosses(a, b []float64) []Cross {
	n := min(len(a), len(b))
	out := make([]Cross, n)
	for i := 1; i < n; i++ {
		switch {
		case CrossedAbove(a[i-1], b[i-1], a[i], b[i]):
			out[i] = CrossAbove
		case CrossedBelow(a[i-1], b[i-1], a[i], b[i]):
			out[i] = CrossBelow
		}
	}
	return out
}

// Nullable converts a series for JSON output, mapping gaps to nil
func Nullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		v := v
		out[i] = &v
	}
	return out
}

func absentSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// runs calls fn with the bounds of every gap-free run of values longer
// than lookback
func runs(values []float64, lookback int, fn func(start, end int)) {
	for start := 0; start < len(values); {
		if math.IsNaN(values[start]) {
			start++
			continue
		}
		end := start
		for end < len(values) && !math.IsNaN(values[end]) {
			end++
		}
		if end-start > lookback {
			fn(start, end)
		}
		start = end
	}
}

// masked applies fn to every gap-free run of values and keeps its output
// past the first lookback bars of the run
func masked(values []float64, lookback int, fn func(run []float64) []float64) []float64 {
	out := absentSeries(len(values))
	runs(values, lookback, func(start, end int) {
		res := fn(values[start:end])
		copy(out[start+lookback:end], res[lookback:])
	})
	return out
}
