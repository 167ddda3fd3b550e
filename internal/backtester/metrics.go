package backtester

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// Summary holds the headline figures of a run
type Summary struct {
	FinalValue  decimal.Decimal
	ROI         decimal.Decimal
	HitRate     decimal.NullDecimal
	MaxDrawdown decimal.Decimal
	TradeCount  int
	WinCount    int
}

// MetricsCalculator derives run statistics from trades and the equity curve
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate computes ROI against initialCapital, the hit rate (null with no
// trades) and the maximum drawdown
func (mc *MetricsCalculator) Calculate(
	trades []types.Trade,
	equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal,
) Summary {
	s := Summary{
		FinalValue: initialCapital,
		TradeCount: len(trades),
	}

	if len(equityCurve) > 0 {
		s.FinalValue = equityCurve[len(equityCurve)-1].Value
	}
	if !initialCapital.IsZero() {
		s.ROI = s.FinalValue.Sub(initialCapital).Div(initialCapital)
	}

	for _, trade := range trades {
		if trade.Won() {
			s.WinCount++
		}
	}
	if s.TradeCount > 0 {
		s.HitRate = decimal.NewNullDecimal(
			decimal.NewFromInt(int64(s.WinCount)).Div(decimal.NewFromInt(int64(s.TradeCount))),
		)
	}

	s.MaxDrawdown = mc.maxDrawdown(equityCurve)
	return s
}

// maxDrawdown returns the largest peak-to-trough fall as a fraction of the peak
func (mc *MetricsCalculator) maxDrawdown(equityCurve []types.EquityCurvePoint) decimal.Decimal {
	if len(equityCurve) == 0 {
		return decimal.Zero
	}

	var maxDD decimal.Decimal
	peak := equityCurve[0].Value

	for _, point := range equityCurve {
		if point.Value.GreaterThan(peak) {
			peak = point.Value
		}
		if !peak.IsZero() {
			dd := peak.Sub(point.Value).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}
