// Package backtester replays a long-only strategy over historical bars.
package backtester

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/indicators"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// BarSource loads historical bars, oldest first
type BarSource interface {
	LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
}

// Engine runs backtests. It keeps no state between runs, so one engine can
// serve concurrent requests.
type Engine struct {
	logger *zap.Logger
	source BarSource
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger, source BarSource) *Engine {
	return &Engine{
		logger: logger,
		source: source,
	}
}

// Run validates req, loads its bars and simulates the strategy
func (e *Engine) Run(ctx context.Context, req types.BacktestRequest) (*types.BacktestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(req.Strategy, req.Parameters)
	if err != nil {
		return nil, err
	}
	start, end, err := req.Window()
	if err != nil {
		return nil, err
	}
	interval := req.Interval
	if interval == "" {
		interval = types.Timeframe1d
	}

	bars, err := e.source.LoadOHLCV(ctx, req.Symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", req.Symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no %s bars for %s between %s and %s",
			types.ErrDataUnavailable, interval, req.Symbol, req.StartDate, req.EndDate)
	}

	startTime := time.Now()
	result, err := Simulate(strategy, bars, req.InitialCapital)
	if err != nil {
		return nil, err
	}
	result.Symbol = req.Symbol

	e.logger.Info("Backtest completed",
		zap.String("id", result.ID),
		zap.String("symbol", req.Symbol),
		zap.String("strategy", strategy.Name()),
		zap.Int("bars", len(bars)),
		zap.Int("trades", result.TradeCount),
		zap.String("roi", result.ROI.StringFixed(4)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return result, nil
}

// Simulate runs strategy over bars with a single all-in position. No
// position is opened on the final bar and any open position is closed at
// the final close.
func Simulate(strategy Strategy, bars []*types.OHLCV, capital decimal.Decimal) (*types.BacktestResult, error) {
	sig := strategy.prepare(bars)
	warmUp := sig.WarmUp()
	if len(bars) < warmUp+1 {
		return nil, fmt.Errorf("%w: %d bars do not cover the %s warm-up",
			types.ErrDataUnavailable, len(bars), strategy.Name())
	}

	ledger := NewLedger(capital)
	equity := make([]types.EquityCurvePoint, 0, len(bars))
	trades := make([]types.Trade, 0)
	markers := make([]types.ChartMarker, 0)
	last := len(bars) - 1

	for i, bar := range bars {
		if i >= warmUp {
			switch sig.Signal(i) {
			case Enter:
				if i < last && ledger.Open(bar.Close, bar.Timestamp) {
					markers = append(markers, marker(bar, "buy", strategy.Name()+" entry"))
				}
			case Exit:
				if trade, ok := ledger.Close(bar.Close, bar.Timestamp); ok {
					trades = append(trades, trade)
					markers = append(markers, marker(bar, "sell", strategy.Name()+" exit"))
				}
			}
		}
		equity = append(equity, types.EquityCurvePoint{
			Timestamp: bar.Timestamp,
			Value:     ledger.Value(bar.Close),
		})
	}

	final := bars[last]
	if trade, ok := ledger.Close(final.Close, final.Timestamp); ok {
		trades = append(trades, trade)
		markers = append(markers, marker(final, "sell", "close at end"))
		equity[last].Value = ledger.Value(final.Close)
	}

	summary := NewMetricsCalculator().Calculate(trades, equity, capital)

	return &types.BacktestResult{
		ID:          uuid.New().String(),
		Strategy:    strategy.Name(),
		EquityCurve: equity,
		Trades:      trades,
		ROI:         summary.ROI,
		HitRate:     summary.HitRate,
		FinalValue:  summary.FinalValue,
		MaxDrawdown: summary.MaxDrawdown,
		TradeCount:  summary.TradeCount,
		WinCount:    summary.WinCount,
		Chart:       chartOverlay(bars, sig.Lines(), markers),
	}, nil
}

func marker(bar *types.OHLCV, side, label string) types.ChartMarker {
	return types.ChartMarker{
		Timestamp: bar.Timestamp,
		Price:     bar.Close.InexactFloat64(),
		Side:      side,
		Label:     label,
	}
}

func chartOverlay(bars []*types.OHLCV, lines map[string][]float64, markers []types.ChartMarker) *types.ChartOverlay {
	chart := &types.ChartOverlay{
		Timestamps: make([]time.Time, len(bars)),
		Close:      make([]float64, len(bars)),
		Lines:      make(map[string][]*float64, len(lines)),
		Markers:    markers,
	}
	for i, bar := range bars {
		chart.Timestamps[i] = bar.Timestamp
		chart.Close[i] = bar.Close.InexactFloat64()
	}
	for name, values := range lines {
		chart.Lines[name] = indicators.Nullable(values)
	}
	return chart
}
