package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// HistorySink persists alert events. Events are never mutated once
// appended and are only removed in bulk by Clear.
type HistorySink interface {
	Append(ctx context.Context, ev types.AlertEvent) error
	// List returns events with from <= timestamp <= to, newest first. A nil
	// bound is open.
	List(ctx context.Context, from, to *time.Time) ([]types.AlertEvent, error)
	Clear(ctx context.Context) error
}

// MemoryHistory keeps events in memory
type MemoryHistory struct {
	mu     sync.RWMutex
	events []types.AlertEvent
	limit  int
}

// NewMemoryHistory creates an in-memory sink. limit <= 0 keeps everything.
func NewMemoryHistory(limit int) *MemoryHistory {
	return &MemoryHistory{limit: limit}
}

// Append adds ev
func (h *MemoryHistory) Append(ctx context.Context, ev types.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrHistorySinkUnavailable, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, ev)
	h.events = trimOldest(h.events, h.limit)
	return nil
}

// List returns the events inside [from, to], newest first
func (h *MemoryHistory) List(ctx context.Context, from, to *time.Time) ([]types.AlertEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return filterEvents(h.events, from, to), nil
}

// Clear drops every event
func (h *MemoryHistory) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
	return nil
}

// Len returns the number of stored events
func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// FileHistory keeps events in a JSON document, newest last, rewriting the
// file on every append
type FileHistory struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
	limit  int
	events []types.AlertEvent
}

// NewFileHistory loads path, or starts empty when it does not exist.
// limit <= 0 keeps everything.
func NewFileHistory(logger *zap.Logger, path string, limit int) (*FileHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	h := &FileHistory{logger: logger, path: path, limit: limit}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &h.events); err != nil {
			return nil, fmt.Errorf("failed to parse alert history %s: %w", path, err)
		}
		sort.SliceStable(h.events, func(i, j int) bool {
			return h.events[i].Timestamp.Before(h.events[j].Timestamp)
		})
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read alert history: %w", err)
	}

	logger.Info("Alert history loaded",
		zap.String("path", path),
		zap.Int("events", len(h.events)),
	)
	return h, nil
}

// Append adds ev and rewrites the file. On a write failure the event is
// not kept in memory either.
func (h *FileHistory) Append(ctx context.Context, ev types.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrHistorySinkUnavailable, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next := append(append([]types.AlertEvent(nil), h.events...), ev)
	next = trimOldest(next, h.limit)
	if err := h.write(next); err != nil {
		return fmt.Errorf("%w: %v", types.ErrHistorySinkUnavailable, err)
	}
	h.events = next
	return nil
}

// List returns the events inside [from, to], newest first
func (h *FileHistory) List(ctx context.Context, from, to *time.Time) ([]types.AlertEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return filterEvents(h.events, from, to), nil
}

// Clear drops every event and truncates the file
func (h *FileHistory) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.write([]types.AlertEvent{}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrHistorySinkUnavailable, err)
	}
	h.events = nil
	h.logger.Info("Alert history cleared", zap.String("path", h.path))
	return nil
}

func (h *FileHistory) write(events []types.AlertEvent) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal alert history: %w", err)
	}
	return writeFileAtomic(h.path, data)
}

func trimOldest(events []types.AlertEvent, limit int) []types.AlertEvent {
	if limit > 0 && len(events) > limit {
		return append([]types.AlertEvent(nil), events[len(events)-limit:]...)
	}
	return events
}

func filterEvents(events []types.AlertEvent, from, to *time.Time) []types.AlertEvent {
	out := make([]types.AlertEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if from != nil && ev.Timestamp.Before(*from) {
			continue
		}
		if to != nil && ev.Timestamp.After(*to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
