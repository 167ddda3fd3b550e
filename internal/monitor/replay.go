package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/alerts"
	"github.com/atlas-desktop/signal-backend/internal/indicators"
	"github.com/atlas-desktop/signal-backend/internal/signals"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// AnalyzeRequest asks for the alerts a config would have raised over a
// historical window
type AnalyzeRequest struct {
	Symbol    string             `json:"symbol"`
	StartDate string             `json:"start_date"`
	EndDate   string             `json:"end_date"`
	Interval  types.Timeframe    `json:"interval,omitempty"`
	Config    *types.AlertConfig `json:"config,omitempty"`
}

// Replay walks bars oldest first through a private engine, using each
// bar's timestamp as the evaluation time, and returns every alert raised.
// Persisted mutes in cfg are ignored so the replay starts armed.
func Replay(ctx context.Context, logger *zap.Logger, bars []*types.OHLCV, cfg types.AlertConfig, params indicators.Params, thresholds signals.Thresholds) ([]types.AlertEvent, error) {
	cfg = cfg.Clone()
	cfg.Symbol = alerts.NormalizeSymbol(cfg.Symbol)
	for name, cc := range cfg.Conditions {
		cc.MutedUntil = nil
		cfg.Conditions[name] = cc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := alerts.NewMemoryConfigStore(cfg)
	history := alerts.NewMemoryHistory(0)
	engine := alerts.NewEngine(logger, store, history, nil, nil)
	evaluator := signals.NewEvaluator(thresholds)

	set := indicators.Compute(bars, params)
	var out []types.AlertEvent
	for i := 1; i < set.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := set.SnapshotAt(i)
		flags := evaluator.Evaluate(cfg.Symbol, cur, set.SnapshotAt(i-1))
		fired, err := engine.Process(ctx, cfg.Symbol, flags, cur, cur.Timestamp)
		if err != nil {
			return nil, err
		}
		out = append(out, fired...)
	}
	return out, nil
}

// Analyze replays req over stored bars. The window is extended backwards by
// the lookback so indicators are warm at the start date; alerts before the
// start date are dropped. Without a config in req the asset's live config
// is used.
func (m *Monitor) Analyze(ctx context.Context, req AnalyzeRequest) ([]types.AlertEvent, error) {
	symbol := alerts.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", types.ErrInvalidConfiguration)
	}
	start, end, err := types.ParseWindow(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	interval := req.Interval
	if interval == "" {
		interval = m.config.Timeframe
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: unknown interval %q", types.ErrInvalidConfiguration, interval)
	}

	var cfg types.AlertConfig
	if req.Config != nil {
		cfg = *req.Config
		cfg.Symbol = symbol
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		for name := range cfg.Conditions {
			if !signals.Condition(name).Known() {
				return nil, fmt.Errorf("%w: unknown condition %q", types.ErrInvalidConfiguration, name)
			}
		}
	} else {
		live, ok := m.engine.Config(symbol)
		if !ok {
			return nil, fmt.Errorf("%w: no alert config for %s", types.ErrInvalidConfiguration, symbol)
		}
		cfg = live
	}

	warm := start.Add(-interval.Duration() * time.Duration(m.config.Indicators.Lookback()))
	bars, err := m.source.LoadOHLCV(ctx, symbol, interval, warm, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no %s bars for %s", types.ErrDataUnavailable, interval, symbol)
	}

	raised, err := Replay(ctx, m.logger, bars, cfg, m.config.Indicators, m.config.Thresholds)
	if err != nil {
		return nil, err
	}

	out := make([]types.AlertEvent, 0, len(raised))
	for _, ev := range raised {
		if !ev.Timestamp.Before(start) {
			out = append(out, ev)
		}
	}
	m.logger.Info("Historical analysis complete",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", len(bars)),
		zap.Int("alerts", len(out)),
	)
	return out, nil
}
