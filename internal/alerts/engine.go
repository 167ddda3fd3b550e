package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/internal/signals"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// State is the trigger state of one (asset, condition) pair
type State int

const (
	StateIdle State = iota
	StateArmed
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key identifies one (asset, condition) pair
type Key struct {
	Symbol    string
	Condition signals.Condition
}

type pairState struct {
	mu        sync.Mutex
	state     State
	muteUntil time.Time
}

// Engine applies the enabled switch, cooldown and mute of every pair and
// emits an alert when a condition is true while its pair is armed.
type Engine struct {
	logger  *zap.Logger
	store   ConfigStore
	sink    HistorySink
	bus     *events.EventBus
	metrics *metrics.Metrics

	mu    sync.RWMutex
	pairs map[Key]*pairState
}

// NewEngine creates an engine and restores cooling pairs from the
// persisted muted_until values. bus and m may be nil.
func NewEngine(logger *zap.Logger, store ConfigStore, sink HistorySink, bus *events.EventBus, m *metrics.Metrics) *Engine {
	e := &Engine{
		logger:  logger,
		store:   store,
		sink:    sink,
		bus:     bus,
		metrics: m,
		pairs:   make(map[Key]*pairState),
	}
	e.restore()
	return e
}

func (e *Engine) restore() {
	restored := 0
	for _, cfg := range e.store.List() {
		for name, cc := range cfg.Conditions {
			if !cc.Enabled || cc.MutedUntil == nil {
				continue
			}
			ps := e.pair(Key{Symbol: cfg.Symbol, Condition: signals.Condition(name)})
			ps.mu.Lock()
			ps.state = StateCooling
			ps.muteUntil = cc.MutedUntilTime()
			ps.mu.Unlock()
			restored++
		}
	}
	if restored > 0 {
		e.logger.Info("Restored cooling alert pairs", zap.Int("pairs", restored))
	}
}

// pair returns the state of k, creating it Idle
func (e *Engine) pair(k Key) *pairState {
	e.mu.RLock()
	ps, ok := e.pairs[k]
	e.mu.RUnlock()
	if ok {
		return ps
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok = e.pairs[k]; !ok {
		ps = &pairState{}
		e.pairs[k] = ps
	}
	return ps
}

// Process runs every configured condition of symbol through its pair state
// machine. flags are the evaluator output for the bar in snap and at is the
// evaluation time. It returns the alerts that reached the history sink.
// Sink failures are returned joined; they never stop other conditions.
func (e *Engine) Process(ctx context.Context, symbol string, flags []signals.Flag, snap types.IndicatorSnapshot, at time.Time) ([]types.AlertEvent, error) {
	symbol = NormalizeSymbol(symbol)
	cfg, ok := e.store.Get(symbol)
	if !ok {
		return nil, nil
	}

	active := make(map[signals.Condition]bool, len(flags))
	for _, f := range flags {
		if f.Value {
			active[f.Condition] = true
		}
	}

	names := make([]string, 0, len(cfg.Conditions))
	for name := range cfg.Conditions {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		fired []types.AlertEvent
		errs  []error
	)
	for _, name := range names {
		cond := signals.Condition(name)
		ev, muteUntil, ok := e.step(symbol, cond, active[cond], snap, at)
		if !ok {
			continue
		}
		if err := e.deliver(ctx, ev, muteUntil); err != nil {
			errs = append(errs, err)
			continue
		}
		fired = append(fired, ev)
	}
	return fired, errors.Join(errs...)
}

// step advances one pair and reports whether it fired. The condition's
// config is read, checked and acted on under the pair lock, so concurrent
// calls for the same pair fire at most once per cooldown window and a
// disable that lands first always wins.
func (e *Engine) step(symbol string, cond signals.Condition, flag bool, snap types.IndicatorSnapshot, at time.Time) (types.AlertEvent, time.Time, bool) {
	ps := e.pair(Key{Symbol: symbol, Condition: cond})
	ps.mu.Lock()
	defer ps.mu.Unlock()

	cfg, _ := e.store.Get(symbol)
	cc, configured := cfg.Conditions[string(cond)]
	if !cc.Enabled {
		ps.state = StateIdle
		ps.muteUntil = time.Time{}
		if configured && cc.MutedUntil != nil {
			e.clearMute(symbol, cond)
		}
		return types.AlertEvent{}, time.Time{}, false
	}

	// a manual mute set through the config extends any cooldown; the
	// mirrored copy of our own deadline is rounded up to the second
	if mu := cc.MutedUntilTime(); at.Before(mu) && mu.After(ps.muteUntil) && !mu.Equal(ceilSecond(ps.muteUntil)) {
		ps.state = StateCooling
		ps.muteUntil = mu
	}

	switch ps.state {
	case StateIdle:
		ps.state = StateArmed
	case StateCooling:
		if !at.Before(ps.muteUntil) {
			ps.state = StateArmed
		}
	}

	if !flag || ps.state != StateArmed {
		return types.AlertEvent{}, time.Time{}, false
	}

	ps.state = StateCooling
	ps.muteUntil = at.Add(cc.Cooldown())

	return types.AlertEvent{
		ID:          uuid.New().String(),
		Symbol:      symbol,
		Condition:   string(cond),
		Description: signals.Describe(cond, snap),
		Timestamp:   at,
		Snapshot:    signals.Contributing(cond, snap),
	}, ps.muteUntil, true
}

// deliver mirrors the mute deadline into the config and appends ev to the
// history sink. A lost alert stays lost and its pair keeps cooling.
func (e *Engine) deliver(ctx context.Context, ev types.AlertEvent, muteUntil time.Time) error {
	e.mirrorMute(ev.Symbol, signals.Condition(ev.Condition), muteUntil)

	if err := e.sink.Append(ctx, ev); err != nil {
		e.logger.Error("alert lost",
			zap.String("symbol", ev.Symbol),
			zap.String("condition", ev.Condition),
			zap.String("alert_id", ev.ID),
			zap.Time("at", ev.Timestamp),
			zap.Error(err),
		)
		if e.metrics != nil {
			e.metrics.AlertsLost.WithLabelValues(ev.Symbol, ev.Condition).Inc()
		}
		if e.bus != nil {
			e.bus.Publish(events.NewAlertLostEvent(ev, err))
		}
		if !errors.Is(err, types.ErrHistorySinkUnavailable) {
			err = fmt.Errorf("%w: %v", types.ErrHistorySinkUnavailable, err)
		}
		return fmt.Errorf("alert %s/%s lost: %w", ev.Symbol, ev.Condition, err)
	}

	e.logger.Info("Alert fired",
		zap.String("symbol", ev.Symbol),
		zap.String("condition", ev.Condition),
		zap.String("description", ev.Description),
		zap.Float64("price", ev.Snapshot.Price),
	)
	if e.metrics != nil {
		e.metrics.AlertsFired.WithLabelValues(ev.Symbol, ev.Condition).Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.NewAlertFiredEvent(ev))
	}
	return nil
}

// errUnchanged aborts a store update that has nothing to write
var errUnchanged = errors.New("unchanged")

// ceilSecond rounds t up to whole seconds, the resolution of muted_until
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

func (e *Engine) mirrorMute(symbol string, cond signals.Condition, muteUntil time.Time) {
	secs := ceilSecond(muteUntil).Unix()
	_, err := e.store.Update(symbol, func(cfg *types.AlertConfig) error {
		cc, ok := cfg.Conditions[string(cond)]
		if !ok || !cc.Enabled {
			return errUnchanged
		}
		cc.MutedUntil = &secs
		cfg.Conditions[string(cond)] = cc
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		e.logger.Warn("Failed to persist muted_until",
			zap.String("symbol", symbol),
			zap.String("condition", string(cond)),
			zap.Error(err),
		)
	}
}

// clearMute drops the persisted deadline of a disabled condition
func (e *Engine) clearMute(symbol string, cond signals.Condition) {
	_, err := e.store.Update(symbol, func(cfg *types.AlertConfig) error {
		cc, ok := cfg.Conditions[string(cond)]
		if !ok || cc.Enabled || cc.MutedUntil == nil {
			return errUnchanged
		}
		cc.MutedUntil = nil
		cfg.Conditions[string(cond)] = cc
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		e.logger.Warn("Failed to clear muted_until",
			zap.String("symbol", symbol),
			zap.String("condition", string(cond)),
			zap.Error(err),
		)
	}
}

// SetCondition enables or disables one condition and sets its cooldown.
// Disabling resets the pair to Idle and discards any cooldown, so a later
// enable fires as soon as the condition is true.
func (e *Engine) SetCondition(symbol string, cond signals.Condition, enabled bool, cooldown time.Duration) (types.AlertConfig, error) {
	if !cond.Known() {
		return types.AlertConfig{}, fmt.Errorf("%w: unknown condition %q", types.ErrInvalidConfiguration, cond)
	}
	if cooldown < 0 {
		return types.AlertConfig{}, fmt.Errorf("%w: negative cooldown", types.ErrInvalidConfiguration)
	}

	symbol = NormalizeSymbol(symbol)
	ps := e.pair(Key{Symbol: symbol, Condition: cond})
	ps.mu.Lock()
	defer ps.mu.Unlock()

	cfg, err := e.store.Update(symbol, func(cfg *types.AlertConfig) error {
		cc := cfg.Conditions[string(cond)]
		cc.Enabled = enabled
		cc.CooldownSeconds = int(cooldown / time.Second)
		if !enabled || ps.state == StateIdle {
			cc.MutedUntil = nil
		}
		cfg.Conditions[string(cond)] = cc
		return nil
	})
	if err != nil {
		return types.AlertConfig{}, err
	}

	if enabled {
		if ps.state == StateIdle {
			ps.state = StateArmed
		}
	} else {
		ps.state = StateIdle
		ps.muteUntil = time.Time{}
	}

	e.logger.Info("Alert condition updated",
		zap.String("symbol", symbol),
		zap.String("condition", string(cond)),
		zap.Bool("enabled", enabled),
		zap.Duration("cooldown", cooldown),
	)
	e.publishConfig(cfg, false)
	return cfg, nil
}

// PutConfig replaces the config of an asset. Pairs of conditions that are
// disabled or removed go back to Idle and disabled conditions lose their
// muted_until.
func (e *Engine) PutConfig(cfg types.AlertConfig) (types.AlertConfig, error) {
	cfg = cfg.Clone()
	cfg.Symbol = NormalizeSymbol(cfg.Symbol)
	for name, cc := range cfg.Conditions {
		if !signals.Condition(name).Known() {
			return types.AlertConfig{}, fmt.Errorf("%w: unknown condition %q", types.ErrInvalidConfiguration, name)
		}
		if !cc.Enabled {
			cc.MutedUntil = nil
			cfg.Conditions[name] = cc
		}
	}
	if err := e.store.Put(cfg); err != nil {
		return types.AlertConfig{}, err
	}

	e.resetPairs(cfg.Symbol, func(cond string) bool {
		cc, ok := cfg.Conditions[cond]
		return !ok || !cc.Enabled
	})
	stored, _ := e.store.Get(cfg.Symbol)
	e.publishConfig(stored, false)
	return stored, nil
}

// DeleteConfig removes an asset's config and forgets its pairs
func (e *Engine) DeleteConfig(symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if err := e.store.Delete(symbol); err != nil {
		return err
	}
	e.resetPairs(symbol, func(string) bool { return true })
	e.publishConfig(types.AlertConfig{Symbol: symbol}, true)
	return nil
}

func (e *Engine) resetPairs(symbol string, match func(cond string) bool) {
	e.mu.RLock()
	var targets []*pairState
	for k, ps := range e.pairs {
		if k.Symbol == symbol && match(string(k.Condition)) {
			targets = append(targets, ps)
		}
	}
	e.mu.RUnlock()

	for _, ps := range targets {
		ps.mu.Lock()
		ps.state = StateIdle
		ps.muteUntil = time.Time{}
		ps.mu.Unlock()
	}
}

func (e *Engine) publishConfig(cfg types.AlertConfig, deleted bool) {
	if e.bus != nil {
		e.bus.Publish(events.NewConfigChangedEvent(cfg, deleted))
	}
}

// State returns the state and mute deadline of a pair. Unknown pairs are Idle.
func (e *Engine) State(symbol string, cond signals.Condition) (State, time.Time) {
	e.mu.RLock()
	ps, ok := e.pairs[Key{Symbol: NormalizeSymbol(symbol), Condition: cond}]
	e.mu.RUnlock()
	if !ok {
		return StateIdle, time.Time{}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state, ps.muteUntil
}

// Config returns the stored config of symbol
func (e *Engine) Config(symbol string) (types.AlertConfig, bool) {
	return e.store.Get(symbol)
}

// Configs returns every stored config
func (e *Engine) Configs() []types.AlertConfig {
	return e.store.List()
}

// History returns the history sink
func (e *Engine) History() HistorySink {
	return e.sink
}
