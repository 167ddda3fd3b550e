package signals

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/signal-backend/internal/indicators"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// Thresholds are the RSI levels of the oversold/overbought conditions
type Thresholds struct {
	RSIOversold   float64 `mapstructure:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought float64 `mapstructure:"rsi_overbought" json:"rsi_overbought"`
}

// DefaultThresholds returns oversold below 30 and overbought above 70
func DefaultThresholds() Thresholds {
	return Thresholds{RSIOversold: 30, RSIOverbought: 70}
}

// Evaluator maps indicator snapshots to condition flags. It holds no state
// between calls, so one value can serve any number of goroutines.
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator creates an evaluator
func NewEvaluator(thresholds Thresholds) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate returns one flag per condition for the bar described by cur.
// prev is the bar before it and is only used to detect crossings. A
// condition whose inputs are absent is false.
func (e *Evaluator) Evaluate(symbol string, cur, prev types.IndicatorSnapshot) []Flag {
	t := e.thresholds
	values := map[Condition]bool{
		RSIOversold:      present(cur.RSI) && cur.RSI < t.RSIOversold,
		RSIOverbought:    present(cur.RSI) && cur.RSI > t.RSIOverbought,
		MACDBullishCross: indicators.CrossedAbove(prev.MACD, prev.MACDSignal, cur.MACD, cur.MACDSignal),
		MACDBearishCross: indicators.CrossedBelow(prev.MACD, prev.MACDSignal, cur.MACD, cur.MACDSignal),
		GoldenCross:      indicators.CrossedAbove(prev.EMAShort, prev.EMALong, cur.EMAShort, cur.EMALong),
		DeathCross:       indicators.CrossedBelow(prev.EMAShort, prev.EMALong, cur.EMAShort, cur.EMALong),
		HiLoBuy:          indicators.CrossedAbove(prev.Close, prev.HiLoHigh, cur.Close, cur.HiLoHigh),
		HiLoSell:         indicators.CrossedBelow(prev.Close, prev.HiLoLow, cur.Close, cur.HiLoLow),
		PriceAboveHMA:    present(cur.HMA) && indicators.Above(cur.Close, cur.HMA),
		PriceAboveVWAP:   present(cur.VWAP) && indicators.Above(cur.Close, cur.VWAP),
		BollingerAbove:   present(cur.BBUpper) && indicators.Above(cur.Close, cur.BBUpper),
		BollingerBelow:   present(cur.BBLower) && indicators.Below(cur.Close, cur.BBLower),
	}
	for period, ema := range cur.EMAs {
		prevEMA, ok := prev.EMAs[period]
		if !ok {
			prevEMA = math.NaN()
		}
		values[EMACrossUp(period)] = indicators.CrossedAbove(prev.Close, prevEMA, cur.Close, ema)
		values[EMACrossDown(period)] = indicators.CrossedBelow(prev.Close, prevEMA, cur.Close, ema)
	}

	flags := make([]Flag, 0, len(values))
	for cond, v := range values {
		flags = append(flags, Flag{Condition: cond, Symbol: symbol, Value: v, At: cur.Timestamp})
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Condition < flags[j].Condition })
	return flags
}

// Active returns the conditions that are true
func Active(flags []Flag) []Condition {
	var out []Condition
	for _, f := range flags {
		if f.Value {
			out = append(out, f.Condition)
		}
	}
	return out
}

// Describe renders the human description of a fired condition
func Describe(cond Condition, snap types.IndicatorSnapshot) string {
	switch cond {
	case RSIOversold, RSIOverbought:
		if present(snap.RSI) {
			return fmt.Sprintf("%s (%.2f)", cond.Label(), snap.RSI)
		}
	}
	return cond.Label()
}

// Contributing collects the price and the indicator values behind a condition
func Contributing(cond Condition, snap types.IndicatorSnapshot) types.Snapshot {
	values := map[string]float64{}
	add := func(name string, v float64) {
		if present(v) {
			values[name] = v
		}
	}

	switch cond {
	case RSIOversold, RSIOverbought:
		add("rsi", snap.RSI)
	case MACDBullishCross, MACDBearishCross:
		add("macd", snap.MACD)
		add("macd_signal", snap.MACDSignal)
	case GoldenCross, DeathCross:
		add("ema_short", snap.EMAShort)
		add("ema_long", snap.EMALong)
	case HiLoBuy, HiLoSell:
		add("hilo_high", snap.HiLoHigh)
		add("hilo_low", snap.HiLoLow)
	case PriceAboveHMA:
		add("hma", snap.HMA)
	case PriceAboveVWAP:
		add("vwap", snap.VWAP)
	case BollingerAbove, BollingerBelow:
		add("bb_upper", snap.BBUpper)
		add("bb_middle", snap.BBMiddle)
		add("bb_lower", snap.BBLower)
	default:
		if period, _, ok := parseEMACross(cond); ok {
			add(fmt.Sprintf("ema%d", period), snap.EMAs[period])
		}
	}

	if len(values) == 0 {
		values = nil
	}
	return types.Snapshot{Price: snap.Close, Values: values}
}

// Summary is the full snapshot used by the market analysis view
func Summary(snap types.IndicatorSnapshot) types.Snapshot {
	values := map[string]float64{}
	for name, v := range map[string]float64{
		"rsi":         snap.RSI,
		"macd":        snap.MACD,
		"macd_signal": snap.MACDSignal,
		"bb_upper":    snap.BBUpper,
		"bb_lower":    snap.BBLower,
		"ema_short":   snap.EMAShort,
		"ema_long":    snap.EMALong,
		"hilo_high":   snap.HiLoHigh,
		"hilo_low":    snap.HiLoLow,
		"hma":         snap.HMA,
		"vwap":        snap.VWAP,
	} {
		if present(v) {
			values[name] = v
		}
	}
	return types.Snapshot{Price: snap.Close, Values: values}
}

func present(v float64) bool {
	return !indicators.IsAbsent(v) && !math.IsInf(v, 0)
}
