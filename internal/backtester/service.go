package backtester

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// Service fronts the engine with the result cache, metrics and completion
// events
type Service struct {
	logger  *zap.Logger
	engine  *Engine
	cache   *ResultCache
	bus     *events.EventBus
	metrics *metrics.Metrics
}

// NewService creates a service. bus and m may be nil.
func NewService(logger *zap.Logger, engine *Engine, cache *ResultCache, bus *events.EventBus, m *metrics.Metrics) *Service {
	if cache == nil {
		cache = NewResultCache(0)
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		logger:  logger,
		engine:  engine,
		cache:   cache,
		bus:     bus,
		metrics: m,
	}
}

// Run returns the cached result for req or runs it
func (s *Service) Run(ctx context.Context, req types.BacktestRequest) (*types.BacktestResult, error) {
	key, err := CacheKey(req)
	if err != nil {
		return nil, err
	}
	if result, ok := s.cache.Get(key); ok {
		s.metrics.BacktestCacheHit.Inc()
		s.logger.Debug("Backtest served from cache",
			zap.String("symbol", req.Symbol),
			zap.String("strategy", req.Strategy),
		)
		return result, nil
	}

	strategy := strings.ToUpper(strings.TrimSpace(req.Strategy))
	start := time.Now()
	result, err := s.engine.Run(ctx, req)
	took := time.Since(start)

	if err != nil {
		s.metrics.BacktestRuns.WithLabelValues(strategy, outcome(err)).Inc()
		return nil, err
	}
	s.metrics.BacktestRuns.WithLabelValues(strategy, "ok").Inc()
	s.metrics.BacktestDuration.Observe(took.Seconds())

	s.cache.Put(key, result)
	if s.bus != nil {
		s.bus.Publish(events.NewBacktestCompletedEvent(result, took))
	}
	return result, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidConfiguration):
		return "invalid"
	case errors.Is(err, types.ErrDataUnavailable):
		return "no_data"
	default:
		return "error"
	}
}
