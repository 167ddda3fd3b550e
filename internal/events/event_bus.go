// Package events routes alert, snapshot and backtest notifications from the
// engines to their consumers (websocket hub, notifiers, metrics).
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// EventType defines the category of event
type EventType string

const (
	// Alert events
	EventTypeAlertFired EventType = "alert_fired"
	EventTypeAlertLost  EventType = "alert_lost"

	// Monitor events
	EventTypeSnapshot EventType = "snapshot"

	// Backtest events
	EventTypeBacktestCompleted EventType = "backtest_completed"

	// Configuration events
	EventTypeConfigChanged EventType = "config_changed"
)

// Event is the base interface for all events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(eventType EventType, ts time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: ts,
	}
}

// AlertFiredEvent carries an alert that reached the history sink
type AlertFiredEvent struct {
	BaseEvent
	Alert types.AlertEvent `json:"alert"`
}

// AlertLostEvent carries an alert the history sink rejected
type AlertLostEvent struct {
	BaseEvent
	Alert types.AlertEvent `json:"alert"`
	Error string           `json:"error"`
}

// SnapshotEvent carries the latest analysis of one monitored asset
type SnapshotEvent struct {
	BaseEvent
	Analysis types.Analysis `json:"analysis"`
}

// BacktestCompletedEvent summarises a finished backtest run
type BacktestCompletedEvent struct {
	BaseEvent
	RunID      string                `json:"run_id"`
	Symbol     string                `json:"symbol"`
	Strategy   string                `json:"strategy"`
	ROI        float64               `json:"roi"`
	HitRate    *float64              `json:"hit_rate"`
	TradeCount int                   `json:"trade_count"`
	Duration   time.Duration         `json:"duration_ns"`
	Result     *types.BacktestResult `json:"-"`
}

// ConfigChangedEvent carries the new alert config of one asset
type ConfigChangedEvent struct {
	BaseEvent
	Config  types.AlertConfig `json:"config"`
	Deleted bool              `json:"deleted,omitempty"`
}

// NewAlertFiredEvent creates an alert fired event
func NewAlertFiredEvent(alert types.AlertEvent) *AlertFiredEvent {
	return &AlertFiredEvent{
		BaseEvent: newBaseEvent(EventTypeAlertFired, alert.Timestamp),
		Alert:     alert,
	}
}

// NewAlertLostEvent creates an alert lost event
func NewAlertLostEvent(alert types.AlertEvent, err error) *AlertLostEvent {
	ev := &AlertLostEvent{
		BaseEvent: newBaseEvent(EventTypeAlertLost, alert.Timestamp),
		Alert:     alert,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// NewSnapshotEvent creates a snapshot event
func NewSnapshotEvent(analysis types.Analysis) *SnapshotEvent {
	return &SnapshotEvent{
		BaseEvent: newBaseEvent(EventTypeSnapshot, analysis.UpdatedAt),
		Analysis:  analysis,
	}
}

// NewBacktestCompletedEvent creates a backtest completed event
func NewBacktestCompletedEvent(result *types.BacktestResult, took time.Duration) *BacktestCompletedEvent {
	ev := &BacktestCompletedEvent{
		BaseEvent:  newBaseEvent(EventTypeBacktestCompleted, time.Now()),
		RunID:      result.ID,
		Symbol:     result.Symbol,
		Strategy:   result.Strategy,
		ROI:        result.ROI.InexactFloat64(),
		TradeCount: result.TradeCount,
		Duration:   took,
		Result:     result,
	}
	if result.HitRate.Valid {
		hr := result.HitRate.Decimal.InexactFloat64()
		ev.HitRate = &hr
	}
	return ev
}

// NewConfigChangedEvent creates a config changed event
func NewConfigChangedEvent(cfg types.AlertConfig, deleted bool) *ConfigChangedEvent {
	return &ConfigChangedEvent{
		BaseEvent: newBaseEvent(EventTypeConfigChanged, time.Now()),
		Config:    cfg.Clone(),
		Deleted:   deleted,
	}
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter // Optional filter
	Async  bool        // Process in separate goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus throughput
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	AvgLatencyNs      int64 `json:"avg_latency_ns"`
	MaxLatencyNs      int64 `json:"max_latency_ns"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `mapstructure:"num_workers" json:"num_workers"`
	BufferSize int `mapstructure:"buffer_size" json:"buffer_size"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 4,
		BufferSize: 4096,
	}
}

// EventBus is the central event routing system
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	// Stats
	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
	maxLatency        atomic.Int64
	avgLatency        atomic.Int64

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewEventBus creates an event bus and starts its workers
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	defaults := DefaultEventBusConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)

	return eb
}

// worker processes events from the channel
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			startTime := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(startTime).Nanoseconds())
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := append([]*Subscription(nil), eb.subscribers[event.GetType()]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}

		if sub.Options.Async {
			go eb.executeHandler(sub, event)
		} else {
			eb.executeHandler(sub, event)
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// trackLatency records processing latency
func (eb *EventBus) trackLatency(latencyNs int64) {
	for {
		cur := eb.maxLatency.Load()
		if latencyNs <= cur || eb.maxLatency.CompareAndSwap(cur, latencyNs) {
			break
		}
	}

	// exponential moving average, races only lose a sample
	avg := eb.avgLatency.Load()
	eb.avgLatency.Store((avg*99 + latencyNs) / 100)
}

func (eb *EventBus) newSubscription(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        "sub_" + uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)
	return sub
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.newSubscription(eventType, handler, opts)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)

	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.newSubscription("*", handler, opts)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()

	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event for the workers without blocking.
// If the buffer is full, the event is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync routes an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop shuts down the event bus, waiting up to five seconds for workers
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.logger.Info("Shutting down EventBus...")
		eb.cancel()

		done := make(chan struct{})
		go func() {
			eb.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			eb.logger.Info("EventBus shutdown complete",
				zap.Int64("events_processed", eb.eventsProcessed.Load()),
				zap.Int64("events_dropped", eb.eventsDropped.Load()),
			)
		case <-time.After(5 * time.Second):
			eb.logger.Warn("EventBus shutdown timed out")
		}
	})
}
