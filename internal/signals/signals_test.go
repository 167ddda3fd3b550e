package signals_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-backend/internal/signals"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

func blankSnapshot(close float64) types.IndicatorSnapshot {
	nan := math.NaN()
	return types.IndicatorSnapshot{
		Timestamp:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Close:      close,
		RSI:        nan,
		MACD:       nan,
		MACDSignal: nan,
		BBUpper:    nan,
		BBMiddle:   nan,
		BBLower:    nan,
		EMAShort:   nan,
		EMALong:    nan,
		HiLoHigh:   nan,
		HiLoLow:    nan,
		HMA:        nan,
		VWAP:       nan,
		EMAs:       map[int]float64{},
	}
}

func flagMap(flags []signals.Flag) map[signals.Condition]bool {
	out := make(map[signals.Condition]bool, len(flags))
	for _, f := range flags {
		out[f.Condition] = f.Value
	}
	return out
}

func TestAbsentInputsYieldNoActiveConditions(t *testing.T) {
	ev := signals.NewEvaluator(signals.DefaultThresholds())
	flags := ev.Evaluate("BTCUSDT", blankSnapshot(100), blankSnapshot(99))

	if active := signals.Active(flags); len(active) != 0 {
		t.Errorf("Active conditions incorrect: expected none, got %v", active)
	}
	for _, f := range flags {
		if f.Symbol != "BTCUSDT" {
			t.Errorf("Flag symbol incorrect: expected BTCUSDT, got %s", f.Symbol)
		}
	}
}

func TestRSIThresholdsAreStrict(t *testing.T) {
	ev := signals.NewEvaluator(signals.DefaultThresholds())

	cases := []struct {
		rsi        float64
		oversold   bool
		overbought bool
	}{
		{29.99, true, false},
		{30, false, false},
		{50, false, false},
		{70, false, false},
		{70.01, false, true},
	}

	for _, tc := range cases {
		cur := blankSnapshot(100)
		cur.RSI = tc.rsi
		got := flagMap(ev.Evaluate("ETHUSDT", cur, blankSnapshot(100)))

		if got[signals.RSIOversold] != tc.oversold {
			t.Errorf("rsi_oversold at %.2f incorrect: expected %v, got %v", tc.rsi, tc.oversold, got[signals.RSIOversold])
		}
		if got[signals.RSIOverbought] != tc.overbought {
			t.Errorf("rsi_overbought at %.2f incorrect: expected %v, got %v", tc.rsi, tc.overbought, got[signals.RSIOverbought])
		}
	}
}

func TestCrossConditionsNeedPreviousBar(t *testing.T) {
	ev := signals.NewEvaluator(signals.DefaultThresholds())

	prev := blankSnapshot(100)
	prev.MACD, prev.MACDSignal = -0.5, 0
	prev.EMAShort, prev.EMALong = 99, 100
	cur := blankSnapshot(101)
	cur.MACD, cur.MACDSignal = 0.5, 0
	cur.EMAShort, cur.EMALong = 101, 100

	got := flagMap(ev.Evaluate("BTCUSDT", cur, prev))
	if !got[signals.MACDBullishCross] {
		t.Error("Expected macd_bullish_cross")
	}
	if !got[signals.GoldenCross] {
		t.Error("Expected golden_cross")
	}
	if got[signals.MACDBearishCross] || got[signals.DeathCross] {
		t.Error("Bearish crosses should not fire on an upward cross")
	}

	// Without a defined previous bar nothing crosses
	got = flagMap(ev.Evaluate("BTCUSDT", cur, blankSnapshot(100)))
	if got[signals.MACDBullishCross] || got[signals.GoldenCross] {
		t.Error("Cross conditions should not fire when the previous bar is absent")
	}

	// Reversed order is the bearish side
	got = flagMap(ev.Evaluate("BTCUSDT", prev, cur))
	if !got[signals.MACDBearishCross] || !got[signals.DeathCross] {
		t.Errorf("Bearish crosses incorrect: expected both, got macd=%v death=%v",
			got[signals.MACDBearishCross], got[signals.DeathCross])
	}
}

func TestConditionsCoOccur(t *testing.T) {
	ev := signals.NewEvaluator(signals.DefaultThresholds())

	prev := blankSnapshot(100)
	prev.HiLoHigh, prev.HiLoLow = 105, 95
	cur := blankSnapshot(110)
	cur.HiLoHigh, cur.HiLoLow = 106, 95
	cur.RSI = 25
	cur.HMA = 104
	cur.VWAP = 102
	cur.BBUpper, cur.BBMiddle, cur.BBLower = 108, 100, 92

	got := flagMap(ev.Evaluate("SOLUSDT", cur, prev))
	for _, cond := range []signals.Condition{
		signals.RSIOversold, signals.HiLoBuy, signals.PriceAboveHMA,
		signals.PriceAboveVWAP, signals.BollingerAbove,
	} {
		if !got[cond] {
			t.Errorf("Expected %s to be active", cond)
		}
	}
	if got[signals.HiLoSell] || got[signals.BollingerBelow] {
		t.Error("Opposite conditions should not be active")
	}
}

func TestEMACrossConditions(t *testing.T) {
	ev := signals.NewEvaluator(signals.DefaultThresholds())

	prev := blankSnapshot(99)
	prev.EMAs = map[int]float64{17: 100, 34: 98}
	cur := blankSnapshot(101)
	cur.EMAs = map[int]float64{17: 100, 34: 99}

	got := flagMap(ev.Evaluate("BTCUSDT", cur, prev))
	if !got[signals.EMACrossUp(17)] {
		t.Error("Expected ema17_cross_up")
	}
	if got[signals.EMACrossUp(34)] || got[signals.EMACrossDown(34)] {
		t.Error("ema34 should not cross while price stays above it")
	}
	if _, ok := got[signals.EMACrossDown(17)]; !ok {
		t.Error("Expected an ema17_cross_down flag to be reported")
	}
}

func TestConditionLabels(t *testing.T) {
	if !signals.EMACrossUp(72).Known() {
		t.Error("ema72_cross_up should be known")
	}
	if signals.Condition("ema72_cross_sideways").Known() {
		t.Error("Malformed EMA cross key should not be known")
	}
	if got := signals.EMACrossDown(144).Label(); got != "Price crossed below EMA144" {
		t.Errorf("Label incorrect: expected Price crossed below EMA144, got %s", got)
	}

	all := signals.All([]int{17})
	if len(all) != 14 {
		t.Fatalf("All length incorrect: expected 14, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1] >= all[i] {
			t.Errorf("All not sorted at %d: %s >= %s", i, all[i-1], all[i])
		}
	}
}

func TestDescribeAndContributing(t *testing.T) {
	snap := blankSnapshot(42000)
	snap.RSI = 24.3123

	desc := signals.Describe(signals.RSIOversold, snap)
	if desc != "RSI oversold (24.31)" {
		t.Errorf("Description incorrect: expected RSI oversold (24.31), got %s", desc)
	}

	contrib := signals.Contributing(signals.RSIOversold, snap)
	if contrib.Price != 42000 {
		t.Errorf("Snapshot price incorrect: expected 42000, got %f", contrib.Price)
	}
	if contrib.Values["rsi"] != 24.3123 {
		t.Errorf("Snapshot rsi incorrect: expected 24.3123, got %f", contrib.Values["rsi"])
	}

	hma := signals.Contributing(signals.PriceAboveHMA, snap)
	if hma.Values != nil {
		t.Errorf("Absent HMA should contribute nothing, got %v", hma.Values)
	}

	if !strings.HasPrefix(signals.Describe(signals.HiLoBuy, snap), "HiLo buy") {
		t.Errorf("HiLo description incorrect: got %s", signals.Describe(signals.HiLoBuy, snap))
	}
}
