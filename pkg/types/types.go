// Package types provides shared type definitions for the signal backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents a bar interval
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the length of one bar, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether the timeframe is one the system knows
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Symbol is a tradable pair with a display name
type Symbol struct {
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

// IndicatorSnapshot holds every indicator value at one bar.
// Absent values are NaN, so it is not meant to be JSON encoded directly.
type IndicatorSnapshot struct {
	Timestamp time.Time
	Close     float64

	RSI        float64
	MACD       float64
	MACDSignal float64
	BBUpper    float64
	BBMiddle   float64
	BBLower    float64
	EMAShort   float64
	EMALong    float64
	HiLoHigh   float64
	HiLoLow    float64
	HMA        float64
	VWAP       float64

	// EMAs keyed by period for the price-versus-EMA cross conditions
	EMAs map[int]float64
}

// Analysis is the latest evaluated state of one monitored asset
type Analysis struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Conditions []string  `json:"conditions"`
	Snapshot   Snapshot  `json:"snapshot"`
	UpdatedAt  time.Time `json:"updated_at"`
}
