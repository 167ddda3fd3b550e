// Package data provides market data storage and loading.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/pkg/types"
	"github.com/atlas-desktop/signal-backend/pkg/utils"
)

// Fetcher downloads bars and symbols from an exchange
type Fetcher interface {
	FetchOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
	FetchSymbols(ctx context.Context) ([]types.Symbol, error)
}

// Store provides access to historical market data. Bars live in
// <dataDir>/<SYMBOL>_<interval>.json and are topped up from the fetcher
// when a request reaches past what is on disk.
type Store struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	dataDir   string
	fetcher   Fetcher
	validator *DataQualityValidator
	cache     map[string][]*types.OHLCV
	metadata  map[string]*SymbolMetadata

	// one lock per series so different symbols download in parallel
	seriesLocks map[string]*sync.Mutex
	// earliest start already requested from the fetcher per series
	fetchedFrom map[string]time.Time

	symbols    []types.Symbol
	symbolsAt  time.Time
	symbolsTTL time.Duration

	now func() time.Time
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore creates a new data store. fetcher may be nil, in which case only
// bars already on disk are served.
func NewStore(logger *zap.Logger, dataDir string, fetcher Fetcher) (*Store, error) {
	store := &Store{
		logger:      logger,
		dataDir:     dataDir,
		fetcher:     fetcher,
		validator:   NewDataQualityValidator(logger),
		cache:       make(map[string][]*types.OHLCV),
		metadata:    make(map[string]*SymbolMetadata),
		seriesLocks: make(map[string]*sync.Mutex),
		fetchedFrom: make(map[string]time.Time),
		symbolsTTL:  time.Hour,
		now:         time.Now,
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Load metadata
	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func seriesKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s_%s", symbol, timeframe)
}

func (s *Store) seriesLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.seriesLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.seriesLocks[key] = l
	}
	return l
}

// LoadOHLCV returns the bars of symbol opening inside [start, end], oldest
// first. It returns ErrDataUnavailable when nothing is stored and nothing
// can be fetched.
func (s *Store) LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := seriesKey(symbol, timeframe)

	lock := s.seriesLock(key)
	lock.Lock()
	defer lock.Unlock()

	bars, err := s.loadSeries(key)
	if err != nil {
		return nil, err
	}

	if s.fetcher != nil {
		fetched, err := s.fetchMissing(ctx, key, symbol, timeframe, bars, start, end)
		switch {
		case err != nil && len(bars) == 0:
			return nil, fmt.Errorf("failed to fetch %s %s bars: %w", symbol, timeframe, err)
		case err != nil:
			s.logger.Warn("Serving cached bars after fetch failure",
				zap.String("symbol", symbol),
				zap.String("interval", string(timeframe)),
				zap.Error(err),
			)
		case len(fetched) > 0:
			merged, _ := s.validator.CleanData(symbol, timeframe, append(append([]*types.OHLCV(nil), bars...), fetched...))
			if err := s.saveSeries(symbol, timeframe, merged); err != nil {
				s.logger.Warn("Failed to persist bars", zap.String("symbol", symbol), zap.Error(err))
			}
			bars = merged
		}
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no %s bars stored for %s", types.ErrDataUnavailable, timeframe, symbol)
	}
	return filterByTimeRange(bars, start, end), nil
}

// LoadRecent returns up to n of the most recent bars of symbol
func (s *Store) LoadRecent(ctx context.Context, symbol string, timeframe types.Timeframe, n int) ([]*types.OHLCV, error) {
	step := timeframe.Duration()
	if step == 0 {
		return nil, fmt.Errorf("%w: unknown interval %q", types.ErrInvalidConfiguration, timeframe)
	}
	end := s.now().UTC()
	start := end.Add(-step * time.Duration(n))

	bars, err := s.LoadOHLCV(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// fetchMissing downloads the parts of [start, end] not covered by bars. The
// newest stored bar is fetched again since it may still have been forming.
func (s *Store) fetchMissing(ctx context.Context, key, symbol string, timeframe types.Timeframe, bars []*types.OHLCV, start, end time.Time) ([]*types.OHLCV, error) {
	if now := s.now(); end.After(now) {
		end = now
	}
	if len(bars) == 0 {
		s.markFetched(key, start)
		return s.fetcher.FetchOHLCV(ctx, symbol, timeframe, start, end)
	}

	var out []*types.OHLCV
	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp

	if start.Before(first) && s.needsHead(key, start) {
		head, err := s.fetcher.FetchOHLCV(ctx, symbol, timeframe, start, first.Add(-time.Nanosecond))
		if err != nil {
			return nil, err
		}
		s.markFetched(key, start)
		out = append(out, head...)
	}
	if !last.Add(timeframe.Duration()).After(end) {
		tail, err := s.fetcher.FetchOHLCV(ctx, symbol, timeframe, last, end)
		if err != nil {
			return out, err
		}
		out = append(out, tail...)
	}
	return out, nil
}

func (s *Store) needsHead(key string, start time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, ok := s.fetchedFrom[key]
	return !ok || start.Before(from)
}

func (s *Store) markFetched(key string, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from, ok := s.fetchedFrom[key]; !ok || start.Before(from) {
		s.fetchedFrom[key] = start
	}
}

// loadSeries returns the cached series, reading it from disk on first use
func (s *Store) loadSeries(key string) ([]*types.OHLCV, error) {
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	filename := filepath.Join(s.dataDir, key+".json")
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []*types.OHLCV
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}

	// Sort by timestamp
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()
	return bars, nil
}

// SaveOHLCV cleans bars and writes them as the full stored series
func (s *Store) SaveOHLCV(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	lock := s.seriesLock(seriesKey(symbol, timeframe))
	lock.Lock()
	defer lock.Unlock()

	cleaned, _ := s.validator.CleanData(symbol, timeframe, bars)
	return s.saveSeries(symbol, timeframe, cleaned)
}

func (s *Store) saveSeries(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) error {
	key := seriesKey(symbol, timeframe)
	filename := filepath.Join(s.dataDir, key+".json")

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Update cache before writing so a failed write still serves the bars
	s.cache[key] = bars
	if len(bars) > 0 {
		s.metadata[key] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(timeframe),
		}
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	return s.saveMetadata()
}

// Symbols returns the tradable symbols. With a fetcher the list is cached
// for an hour; without one it lists the symbols that have stored bars.
func (s *Store) Symbols(ctx context.Context) ([]types.Symbol, error) {
	if s.fetcher == nil {
		return s.storedSymbols(), nil
	}

	s.mu.RLock()
	cached, at := s.symbols, s.symbolsAt
	s.mu.RUnlock()
	if cached != nil && s.now().Sub(at) < s.symbolsTTL {
		return cached, nil
	}

	symbols, err := s.fetcher.FetchSymbols(ctx)
	if err != nil {
		if cached != nil {
			s.logger.Warn("Serving cached symbols after fetch failure", zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch symbols: %w", err)
	}

	s.mu.Lock()
	s.symbols = symbols
	s.symbolsAt = s.now()
	s.mu.Unlock()
	return symbols, nil
}

func (s *Store) storedSymbols() []types.Symbol {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]types.Symbol, 0, len(s.metadata))
	for _, meta := range s.metadata {
		if seen[meta.Symbol] {
			continue
		}
		seen[meta.Symbol] = true
		base, quote := utils.SplitSymbol(meta.Symbol)
		out = append(out, types.Symbol{
			Symbol:     meta.Symbol,
			Name:       utils.DisplayName(meta.Symbol),
			BaseAsset:  base,
			QuoteAsset: quote,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetDataRange returns the stored range of a series
func (s *Store) GetDataRange(symbol string, timeframe types.Timeframe) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[seriesKey(strings.ToUpper(symbol), timeframe)]; ok {
		return meta.StartDate, meta.EndDate, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("%w: no %s data for symbol %s", types.ErrDataUnavailable, timeframe, symbol)
}

// filterByTimeRange filters OHLCV data by time range
func filterByTimeRange(bars []*types.OHLCV, start, end time.Time) []*types.OHLCV {
	var filtered []*types.OHLCV

	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}

	return filtered
}

// loadMetadata loads series metadata from disk
func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}

	s.metadata = metadata
	return nil
}

// saveMetadata saves series metadata to disk. Callers hold s.mu.
func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]*types.OHLCV)
}

// GetCacheSize returns the number of cached datasets
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}
