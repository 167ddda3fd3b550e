package data

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// QualityReport counts what cleaning removed or found in a series
type QualityReport struct {
	Symbol     string `json:"symbol"`
	TotalBars  int    `json:"total_bars"`
	Duplicates int    `json:"duplicates"`
	Invalid    int    `json:"invalid"`
	// Gaps counts missing bars between consecutive timestamps
	Gaps int `json:"gaps"`
}

// Clean reports whether anything was dropped or missing
func (r QualityReport) Clean() bool {
	return r.Duplicates == 0 && r.Invalid == 0 && r.Gaps == 0
}

// DataQualityValidator repairs bar series before they are cached
type DataQualityValidator struct {
	logger *zap.Logger
}

// NewDataQualityValidator creates a validator
func NewDataQualityValidator(logger *zap.Logger) *DataQualityValidator {
	return &DataQualityValidator{logger: logger}
}

// CleanData sorts bars, drops duplicate timestamps (the later copy wins)
// and bars with non-positive prices, and widens High/Low to cover Open and
// Close. Gaps are counted against timeframe but not filled.
func (dqv *DataQualityValidator) CleanData(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) ([]*types.OHLCV, QualityReport) {
	report := QualityReport{Symbol: symbol, TotalBars: len(bars)}
	if len(bars) == 0 {
		return bars, report
	}

	sorted := append([]*types.OHLCV(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cleaned := make([]*types.OHLCV, 0, len(sorted))
	for _, bar := range sorted {
		if !validPrices(bar) {
			report.Invalid++
			continue
		}

		fixed := &types.OHLCV{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      decimal.Max(bar.Open, bar.High, bar.Close),
			Low:       decimal.Min(bar.Open, bar.Low, bar.Close),
			Close:     bar.Close,
			Volume:    bar.Volume,
		}

		if n := len(cleaned); n > 0 && cleaned[n-1].Timestamp.Equal(bar.Timestamp) {
			report.Duplicates++
			cleaned[n-1] = fixed
			continue
		}
		cleaned = append(cleaned, fixed)
	}

	if step := timeframe.Duration(); step > 0 {
		for i := 1; i < len(cleaned); i++ {
			if missing := int(cleaned[i].Timestamp.Sub(cleaned[i-1].Timestamp)/step) - 1; missing > 0 {
				report.Gaps += missing
			}
		}
	}

	if !report.Clean() {
		dqv.logger.Warn("Bar series repaired",
			zap.String("symbol", symbol),
			zap.String("interval", string(timeframe)),
			zap.Int("bars", len(cleaned)),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("invalid", report.Invalid),
			zap.Int("gaps", report.Gaps),
		)
	}
	return cleaned, report
}

func validPrices(bar *types.OHLCV) bool {
	return bar.Open.IsPositive() && bar.High.IsPositive() &&
		bar.Low.IsPositive() && bar.Close.IsPositive() &&
		!bar.Volume.IsNegative() && !bar.Timestamp.Equal(time.Time{})
}
