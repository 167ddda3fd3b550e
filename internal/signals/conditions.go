// Package signals turns indicator snapshots into named condition flags.
package signals

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Condition is the key of an alertable condition
type Condition string

const (
	RSIOversold      Condition = "rsi_oversold"
	RSIOverbought    Condition = "rsi_overbought"
	MACDBullishCross Condition = "macd_bullish_cross"
	MACDBearishCross Condition = "macd_bearish_cross"
	GoldenCross      Condition = "golden_cross"
	DeathCross       Condition = "death_cross"
	HiLoBuy          Condition = "hilo_buy"
	HiLoSell         Condition = "hilo_sell"
	PriceAboveHMA    Condition = "price_above_hma"
	PriceAboveVWAP   Condition = "price_above_vwap"
	BollingerAbove   Condition = "bollinger_above"
	BollingerBelow   Condition = "bollinger_below"
)

// EMACrossUp is the condition of price crossing above EMA(period)
func EMACrossUp(period int) Condition {
	return Condition(fmt.Sprintf("ema%d_cross_up", period))
}

// EMACrossDown is the condition of price crossing below EMA(period)
func EMACrossDown(period int) Condition {
	return Condition(fmt.Sprintf("ema%d_cross_down", period))
}

// parseEMACross extracts the period from an ema<n>_cross_* key
func parseEMACross(c Condition) (period int, up bool, ok bool) {
	s := string(c)
	if !strings.HasPrefix(s, "ema") {
		return 0, false, false
	}
	if n, err := fmt.Sscanf(s, "ema%d_cross_up", &period); err == nil && n == 1 && c == EMACrossUp(period) {
		return period, true, true
	}
	if n, err := fmt.Sscanf(s, "ema%d_cross_down", &period); err == nil && n == 1 && c == EMACrossDown(period) {
		return period, false, true
	}
	return 0, false, false
}

var labels = map[Condition]string{
	RSIOversold:      "RSI oversold",
	RSIOverbought:    "RSI overbought",
	MACDBullishCross: "MACD bullish cross",
	MACDBearishCross: "MACD bearish cross",
	GoldenCross:      "Golden cross (EMA50/EMA200)",
	DeathCross:       "Death cross (EMA50/EMA200)",
	HiLoBuy:          "HiLo buy",
	HiLoSell:         "HiLo sell",
	PriceAboveHMA:    "Price above HMA",
	PriceAboveVWAP:   "Price above VWAP",
	BollingerAbove:   "Price above upper Bollinger band",
	BollingerBelow:   "Price below lower Bollinger band",
}

// Label returns the human name of a condition
func (c Condition) Label() string {
	if l, ok := labels[c]; ok {
		return l
	}
	if period, up, ok := parseEMACross(c); ok {
		if up {
			return fmt.Sprintf("Price crossed above EMA%d", period)
		}
		return fmt.Sprintf("Price crossed below EMA%d", period)
	}
	return string(c)
}

// Known reports whether the evaluator can produce this condition
func (c Condition) Known() bool {
	if _, ok := labels[c]; ok {
		return true
	}
	_, _, ok := parseEMACross(c)
	return ok
}

// All returns every condition for the given EMA cross periods, sorted
func All(crossPeriods []int) []Condition {
	out := make([]Condition, 0, len(labels)+2*len(crossPeriods))
	for c := range labels {
		out = append(out, c)
	}
	for _, p := range crossPeriods {
		out = append(out, EMACrossUp(p), EMACrossDown(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flag is the value of one condition for one asset at one evaluation
type Flag struct {
	Condition Condition `json:"condition"`
	Symbol    string    `json:"symbol"`
	Value     bool      `json:"value"`
	At        time.Time `json:"at"`
}
