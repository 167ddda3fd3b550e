// Package monitor evaluates the watched assets on a fixed interval and
// feeds their condition flags through the alert engine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/alerts"
	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/indicators"
	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/internal/signals"
	"github.com/atlas-desktop/signal-backend/internal/workers"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// BarSource loads bars for live evaluation and for replays
type BarSource interface {
	LoadRecent(ctx context.Context, symbol string, timeframe types.Timeframe, n int) ([]*types.OHLCV, error)
	LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
}

// Config configures the monitor loop
type Config struct {
	// Symbols are always watched, in addition to every asset with an alert config
	Symbols    []string           `mapstructure:"symbols"`
	Interval   time.Duration      `mapstructure:"interval"`
	Timeframe  types.Timeframe    `mapstructure:"timeframe"`
	Lookback   int                `mapstructure:"lookback"`
	Indicators indicators.Params  `mapstructure:"indicators"`
	Thresholds signals.Thresholds `mapstructure:"thresholds"`
}

// DefaultConfig returns a five minute loop over daily bars
func DefaultConfig() Config {
	params := indicators.DefaultParams()
	return Config{
		Interval:   5 * time.Minute,
		Timeframe:  types.Timeframe1d,
		Lookback:   params.Lookback() + 50,
		Indicators: params,
		Thresholds: signals.DefaultThresholds(),
	}
}

// TickReport counts the outcome of one tick
type TickReport struct {
	Evaluated int           `json:"evaluated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Alerts    int           `json:"alerts"`
	Duration  time.Duration `json:"duration"`
}

// Monitor owns the live evaluation loop
type Monitor struct {
	logger    *zap.Logger
	config    Config
	source    BarSource
	evaluator *signals.Evaluator
	engine    *alerts.Engine
	pool      *workers.Pool
	bus       *events.EventBus
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	latest map[string]types.Analysis

	now func() time.Time
}

// New creates a monitor. The pool must be started by the caller; bus and m
// may be nil.
func New(logger *zap.Logger, config Config, source BarSource, engine *alerts.Engine, pool *workers.Pool, bus *events.EventBus, m *metrics.Metrics) *Monitor {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if !config.Timeframe.Valid() {
		config.Timeframe = defaults.Timeframe
	}
	if config.Indicators.RSIPeriod == 0 {
		config.Indicators = defaults.Indicators
	}
	if config.Lookback < 2 {
		config.Lookback = config.Indicators.Lookback() + 50
	}
	if config.Thresholds == (signals.Thresholds{}) {
		config.Thresholds = defaults.Thresholds
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &Monitor{
		logger:    logger,
		config:    config,
		source:    source,
		evaluator: signals.NewEvaluator(config.Thresholds),
		engine:    engine,
		pool:      pool,
		bus:       bus,
		metrics:   m,
		latest:    make(map[string]types.Analysis),
		now:       time.Now,
	}
}

// Run ticks immediately and then every Interval until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.String("timeframe", string(m.config.Timeframe)),
		zap.Int("lookback", m.config.Lookback),
	)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Monitor tick finished with errors", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Symbols returns the watched assets: the configured list plus every asset
// with an alert config
func (m *Monitor) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = alerts.NormalizeSymbol(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range m.config.Symbols {
		add(s)
	}
	for _, cfg := range m.engine.Configs() {
		add(cfg.Symbol)
	}
	sort.Strings(out)
	return out
}

// Tick evaluates every watched asset on the pool and waits for all of them.
// An asset whose previous evaluation is still running is skipped.
func (m *Monitor) Tick(ctx context.Context) (TickReport, error) {
	start := m.now()
	at := start

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report TickReport
		errs   []error
	)
	record := func(alertsFired int, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Alerts += alertsFired
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			return
		}
		report.Evaluated++
	}

	for _, symbol := range m.Symbols() {
		symbol := symbol
		var fired int
		wg.Add(1)
		err := m.pool.SubmitKeyed(symbol, func(ctx context.Context) error {
			n, err := m.evaluate(ctx, symbol, at)
			fired = n
			return err
		}, func(err error) {
			record(fired, err)
			wg.Done()
		})

		switch {
		case err == nil:
		case errors.Is(err, workers.ErrKeyBusy):
			wg.Done()
			m.metrics.TasksRejected.WithLabelValues("busy").Inc()
			m.logger.Debug("Previous evaluation still running", zap.String("symbol", symbol))
			mu.Lock()
			report.Skipped++
			mu.Unlock()
		default:
			wg.Done()
			m.metrics.TasksRejected.WithLabelValues("queue").Inc()
			record(0, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	// queued tasks are dropped when the pool stops, so do not outwait ctx
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return report, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	report.Duration = m.now().Sub(start)
	m.metrics.TicksTotal.Inc()
	m.metrics.TickDuration.Observe(report.Duration.Seconds())

	m.logger.Debug("Monitor tick complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("alerts", report.Alerts),
		zap.Duration("duration", report.Duration),
	)
	return report, errors.Join(errs...)
}

// evaluate runs one asset through the indicators, the evaluator and the
// alert engine, and returns the number of alerts that fired
func (m *Monitor) evaluate(ctx context.Context, symbol string, at time.Time) (int, error) {
	bars, err := m.source.LoadRecent(ctx, symbol, m.config.Timeframe, m.config.Lookback)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", symbol, err)
	}
	if len(bars) < 2 {
		return 0, fmt.Errorf("%w: %s has %d bars", types.ErrDataUnavailable, symbol, len(bars))
	}

	set := indicators.Compute(bars, m.config.Indicators)
	cur := set.SnapshotAt(set.Len() - 1)
	prev := set.SnapshotAt(set.Len() - 2)
	flags := m.evaluator.Evaluate(symbol, cur, prev)

	fired, err := m.engine.Process(ctx, symbol, flags, cur, at)

	active := signals.Active(flags)
	conditions := make([]string, len(active))
	for i, c := range active {
		conditions[i] = string(c)
	}
	analysis := types.Analysis{
		Symbol:     symbol,
		Price:      cur.Close,
		Conditions: conditions,
		Snapshot:   signals.Summary(cur),
		UpdatedAt:  at,
	}

	m.mu.Lock()
	m.latest[symbol] = analysis
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(events.NewSnapshotEvent(analysis))
	}

	if err != nil {
		return len(fired), fmt.Errorf("%s: %w", symbol, err)
	}
	return len(fired), nil
}

// Latest returns the newest analysis of every evaluated asset
func (m *Monitor) Latest() []types.Analysis {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Analysis, 0, len(m.latest))
	for _, a := range m.latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LatestFor returns the newest analysis of symbol
func (m *Monitor) LatestFor(symbol string) (types.Analysis, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.latest[alerts.NormalizeSymbol(symbol)]
	return a, ok
}
