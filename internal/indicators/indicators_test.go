package indicators_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-backend/internal/indicators"
	"github.com/atlas-desktop/signal-backend/pkg/types"
	"github.com/shopspring/decimal"
)

const tolerance = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < tolerance
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func makeBars(closes []float64) []*types.OHLCV {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*types.OHLCV, len(closes))
	for i, c := range closes {
		bars[i] = &types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + 1),
			Low:       decimal.NewFromFloat(c - 1),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func countPresent(values []float64) int {
	n := 0
	for _, v := range values {
		if !indicators.IsAbsent(v) {
			n++
		}
	}
	return n
}

func TestShortSeriesIsEntirelyAbsent(t *testing.T) {
	for _, period := range []int{2, 5, 14, 20, 50} {
		series := rising(period - 1)

		cases := map[string][]float64{
			"SMA":       indicators.SMA(series, period),
			"EMA":       indicators.EMA(series, period),
			"WMA":       indicators.WMA(series, period),
			"RSI":       indicators.RSI(series, period),
			"HMA":       indicators.HMA(series, period),
			"Bollinger": indicators.Bollinger(series, period, 2).Upper,
			"HiLo":      indicators.HiLo(series, series, series, period).High,
		}
		for name, out := range cases {
			if len(out) != len(series) {
				t.Errorf("%s(%d) length incorrect: expected %d, got %d", name, period, len(series), len(out))
			}
			if n := countPresent(out); n != 0 {
				t.Errorf("%s(%d) on %d bars produced %d values, expected none", name, period, len(series), n)
			}
		}
	}
}

func TestSMA(t *testing.T) {
	out := indicators.SMA([]float64{1, 2, 3, 4, 5}, 3)

	if !indicators.IsAbsent(out[0]) || !indicators.IsAbsent(out[1]) {
		t.Fatalf("Expected warm-up gaps, got %v", out[:2])
	}
	expected := []float64{2, 3, 4}
	for i, want := range expected {
		if got := out[i+2]; !approxEqual(got, want) {
			t.Errorf("SMA[%d] incorrect: expected %f, got %f", i+2, want, got)
		}
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	out := indicators.EMA([]float64{2, 4, 6, 8}, 3)

	if !approxEqual(out[2], 4) {
		t.Errorf("Seed incorrect: expected 4, got %f", out[2])
	}
	// alpha = 0.5: (8-4)*0.5 + 4
	if !approxEqual(out[3], 6) {
		t.Errorf("EMA incorrect: expected 6, got %f", out[3])
	}
}

func TestHMATracksLinearSeries(t *testing.T) {
	series := rising(30)
	out := indicators.HMA(series, 4)

	for i := 0; i < 4; i++ {
		if !indicators.IsAbsent(out[i]) {
			t.Errorf("HMA[%d] should be absent, got %f", i, out[i])
		}
	}
	for i := 4; i < len(series); i++ {
		if !approxEqual(out[i], series[i]) {
			t.Errorf("HMA[%d] incorrect: expected %f, got %f", i, series[i], out[i])
		}
	}
}

func TestRSIRange(t *testing.T) {
	closes := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84, 46.08,
		45.89, 46.03, 45.61, 46.28, 46.28, 46.00, 46.03, 46.41, 46.22, 45.64,
		46.21, 46.25, 45.71, 46.45, 45.78, 45.35, 44.03, 44.18, 44.22, 44.57,
	}
	out := indicators.RSI(closes, 14)

	for i := 0; i < 14; i++ {
		if !indicators.IsAbsent(out[i]) {
			t.Errorf("RSI[%d] should be absent, got %f", i, out[i])
		}
	}
	for i := 14; i < len(out); i++ {
		if out[i] < 0 || out[i] > 100 {
			t.Errorf("RSI[%d] out of range: %f", i, out[i])
		}
		if out[i] == 100 {
			t.Errorf("RSI[%d] is 100 despite losses in the window", i)
		}
	}
	// Wilder's textbook value for this series
	if math.Abs(out[14]-70.53) > 0.05 {
		t.Errorf("First RSI incorrect: expected ~70.53, got %f", out[14])
	}
}

func TestRSIIsHundredOnlyWithoutLosses(t *testing.T) {
	out := indicators.RSI(rising(20), 14)
	for i := 14; i < 20; i++ {
		if out[i] != 100 {
			t.Errorf("RSI[%d] incorrect: expected 100, got %f", i, out[i])
		}
	}

	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	out = indicators.RSI(falling, 14)
	if out[19] != 0 {
		t.Errorf("RSI on a falling series incorrect: expected 0, got %f", out[19])
	}
}

// vShape falls for n bars then rises for n bars
func vShape(n int) []float64 {
	out := make([]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, 200-float64(i))
	}
	for i := 0; i < n; i++ {
		out = append(out, 200-float64(n)+float64(i)*3)
	}
	return out
}

func TestEMACrossFiresOncePerCrossing(t *testing.T) {
	closes := vShape(40)
	closes = append(closes, vShape(40)...) // second V gives a death then a golden cross

	res := indicators.EMACross(closes, 5, 20)

	golden, death := 0, 0
	for i, c := range res.Cross {
		switch c {
		case indicators.CrossAbove:
			golden++
			if !(res.Short[i] > res.Long[i]) {
				t.Errorf("Golden cross at %d without short above long", i)
			}
		case indicators.CrossBelow:
			death++
			if !(res.Short[i] < res.Long[i]) {
				t.Errorf("Death cross at %d without short below long", i)
			}
		}
	}
	if golden != 2 {
		t.Errorf("Golden crosses incorrect: expected 2, got %d", golden)
	}
	if death != 1 {
		t.Errorf("Death crosses incorrect: expected 1, got %d", death)
	}
}

func TestCrossedAboveRequiresPriorAtOrBelow(t *testing.T) {
	if !indicators.CrossedAbove(1, 2, 3, 2) {
		t.Error("Expected a cross from below")
	}
	if indicators.CrossedAbove(3, 2, 4, 2) {
		t.Error("Continuing above must not cross again")
	}
	if indicators.CrossedAbove(math.NaN(), 2, 3, 2) {
		t.Error("Absent prior value must not cross")
	}
	if indicators.CrossedBelow(1, 2, 3, 2) {
		t.Error("Upward move reported as a cross below")
	}
}

// accelerating falls faster and faster, then rises faster and faster, so
// the MACD line keeps moving away from its signal on both sides of the turn
func accelerating() []float64 {
	out := make([]float64, 0, 120)
	for i := 0; i < 60; i++ {
		out = append(out, 200-0.02*float64(i*i))
	}
	bottom := out[len(out)-1]
	for j := 1; j <= 60; j++ {
		out = append(out, bottom+0.05*float64(j*j))
	}
	return out
}

func TestMACDCross(t *testing.T) {
	res := indicators.MACD(accelerating(), 12, 26, 9)

	bullish, bearish := 0, 0
	for i, c := range res.Cross {
		switch c {
		case indicators.CrossAbove:
			bullish++
			if res.Histogram[i] <= 0 || res.Histogram[i-1] > 0 {
				t.Errorf("Bullish cross at %d without a sign change", i)
			}
			if i < 60 {
				t.Errorf("Bullish cross at %d before the turn", i)
			}
		case indicators.CrossBelow:
			bearish++
		}
	}
	if bullish != 1 {
		t.Errorf("Bullish crosses incorrect: expected 1, got %d", bullish)
	}
	if bearish != 0 {
		t.Errorf("Bearish crosses incorrect: expected 0, got %d", bearish)
	}
	for i := 0; i < 33; i++ {
		if !indicators.IsAbsent(res.Signal[i]) {
			t.Errorf("Signal[%d] should be absent, got %f", i, res.Signal[i])
		}
	}
}

func TestBollingerPosition(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100 + float64(i%2) // oscillates 100/101
	}
	closes[24] = 150

	res := indicators.Bollinger(closes, 20, 2)
	if res.Position[24] != indicators.BandAbove {
		t.Errorf("Expected close above the upper band, got %v", res.Position[24])
	}
	if res.Position[23] != indicators.BandNone {
		t.Errorf("Expected no breach at bar 23, got %v", res.Position[23])
	}

	closes[24] = 50
	res = indicators.Bollinger(closes, 20, 2)
	if res.Position[24] != indicators.BandBelow {
		t.Errorf("Expected close below the lower band, got %v", res.Position[24])
	}
}

func TestHiLoSignals(t *testing.T) {
	closes := []float64{10, 10, 10, 10, 10, 12, 12, 12, 7}
	highs := make([]float64, len(closes))
	lows := make([]float64, len(closes))
	for i, c := range closes {
		highs[i] = c + 0.5
		lows[i] = c - 0.5
	}

	res := indicators.HiLo(highs, lows, closes, 3)

	if res.Signal[5] != indicators.HiLoBuy {
		t.Errorf("Expected a buy at bar 5, got %v", res.Signal[5])
	}
	if res.Signal[8] != indicators.HiLoSell {
		t.Errorf("Expected a sell at bar 8, got %v", res.Signal[8])
	}
	for i, s := range res.Signal {
		if i != 5 && i != 8 && s != indicators.HiLoNone {
			t.Errorf("Unexpected signal %v at bar %d", s, i)
		}
	}
}

func TestVWAPAnchor(t *testing.T) {
	highs := []float64{11, 21, 31, 41}
	lows := []float64{9, 19, 29, 39}
	closes := []float64{10, 20, 30, 40}
	volumes := []float64{1, 1, 3, 0}

	out := indicators.VWAP(highs, lows, closes, volumes, 1)

	if !indicators.IsAbsent(out[0]) {
		t.Errorf("Bar before the anchor should be absent, got %f", out[0])
	}
	if !approxEqual(out[1], 20) {
		t.Errorf("VWAP[1] incorrect: expected 20, got %f", out[1])
	}
	// (20*1 + 30*3) / 4
	if !approxEqual(out[2], 27.5) {
		t.Errorf("VWAP[2] incorrect: expected 27.5, got %f", out[2])
	}
	if !approxEqual(out[3], 27.5) {
		t.Errorf("Zero volume bar should keep VWAP, got %f", out[3])
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	closes := vShape(150)
	bars := makeBars(closes)

	a := indicators.Compute(bars, indicators.DefaultParams())
	b := indicators.Compute(bars, indicators.DefaultParams())

	same := func(name string, x, y []float64) {
		for i := range x {
			if math.IsNaN(x[i]) != math.IsNaN(y[i]) || (!math.IsNaN(x[i]) && x[i] != y[i]) {
				t.Errorf("%s differs at %d: %f vs %f", name, i, x[i], y[i])
				return
			}
		}
	}
	same("RSI", a.RSI, b.RSI)
	same("MACD", a.MACD.Line, b.MACD.Line)
	same("Signal", a.MACD.Signal, b.MACD.Signal)
	same("BB upper", a.Bollinger.Upper, b.Bollinger.Upper)
	same("EMA200", a.EMACross.Long, b.EMACross.Long)
	same("HiLo", a.HiLo.High, b.HiLo.High)
	same("HMA", a.HMA, b.HMA)
	same("VWAP", a.VWAP, b.VWAP)

	snap := a.SnapshotAt(a.Len() - 1)
	if snap.Close != closes[len(closes)-1] {
		t.Errorf("Snapshot close incorrect: expected %f, got %f", closes[len(closes)-1], snap.Close)
	}
	if indicators.IsAbsent(snap.EMALong) {
		t.Error("EMA200 should be defined after 300 bars")
	}
	if _, ok := snap.EMAs[144]; !ok {
		t.Error("Snapshot missing EMA144")
	}
}

func TestNullable(t *testing.T) {
	out := indicators.Nullable([]float64{math.NaN(), 1.5})
	if out[0] != nil {
		t.Error("Gap should map to nil")
	}
	if out[1] == nil || *out[1] != 1.5 {
		t.Errorf("Value incorrect: got %v", out[1])
	}
}

func TestFlatSeriesHasNoCrossings(t *testing.T) {
	for _, price := range []float64{0.1, 0.3, 100.1, 37.37} {
		closes := make([]float64, 80)
		volumes := make([]float64, 80)
		for i := range closes {
			closes[i] = price
			volumes[i] = 1000
		}

		series := map[string][]float64{
			"SMA5":  indicators.SMA(closes, 5),
			"EMA9":  indicators.EMA(closes, 9),
			"WMA10": indicators.WMA(closes, 10),
			"HMA9":  indicators.HMA(closes, 9),
			"VWAP":  indicators.VWAP(closes, closes, closes, volumes, 0),
		}
		for name, out := range series {
			for i, v := range out {
				if indicators.IsAbsent(v) {
					continue
				}
				if indicators.Above(closes[i], v) || indicators.Below(closes[i], v) {
					t.Errorf("%s at %v: bar %d reads %v, expected level with the close", name, price, i, v)
					break
				}
			}
			for i, c := range indicators.Crosses(closes, out) {
				if c != indicators.CrossNone {
					t.Errorf("%s at %v: unexpected %s cross at bar %d", name, price, c, i)
				}
			}
		}

		if c := indicators.Crosses(indicators.SMA(closes, 2), indicators.SMA(closes, 5)); countCrosses(c) != 0 {
			t.Errorf("SMA pair at %v crossed %d times on a flat series", price, countCrosses(c))
		}

		bb := indicators.Bollinger(closes, 20, 2)
		for i, pos := range bb.Position {
			if pos != indicators.BandNone {
				t.Errorf("Bollinger at %v: unexpected band breach at bar %d", price, i)
				break
			}
		}

		rsi := indicators.RSI(closes, 14)
		if rsi[79] != 50 {
			t.Errorf("RSI at %v incorrect: expected 50 on a flat series, got %f", price, rsi[79])
		}
	}
}

func countCrosses(c []indicators.Cross) int {
	n := 0
	for _, x := range c {
		if x != indicators.CrossNone {
			n++
		}
	}
	return n
}

func TestAboveIgnoresRoundingNoise(t *testing.T) {
	if indicators.Above(0.1+0.2, 0.3) || indicators.Below(0.3, 0.1+0.2) {
		t.Error("Values one ulp apart compared as ordered")
	}
	if !indicators.Above(100.01, 100) {
		t.Error("Expected 100.01 above 100")
	}
	if !indicators.Below(-2, -1) {
		t.Error("Expected -2 below -1")
	}
}

func TestGapRestartsAverages(t *testing.T) {
	values := []float64{1, 2, 3, math.NaN(), 4, 6, 8}
	out := indicators.SMA(values, 2)

	for _, i := range []int{0, 3, 4} {
		if !indicators.IsAbsent(out[i]) {
			t.Errorf("SMA[%d] should be absent, got %f", i, out[i])
		}
	}
	if !approxEqual(out[2], 2.5) || !approxEqual(out[5], 5) || !approxEqual(out[6], 7) {
		t.Errorf("SMA incorrect around the gap: got %v", out)
	}
}
