// Package alerts turns condition flags into rate-controlled alert events.
package alerts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// ConfigStore holds one alert config document per asset. Reads return deep
// copies, so a reader observes a document entirely before or after a write.
type ConfigStore interface {
	Get(symbol string) (types.AlertConfig, bool)
	Put(cfg types.AlertConfig) error
	Delete(symbol string) error
	List() []types.AlertConfig
	// Update applies fn to the stored document, creating an empty one when
	// the symbol has none, and stores the result atomically.
	Update(symbol string, fn func(cfg *types.AlertConfig) error) (types.AlertConfig, error)
}

// NormalizeSymbol is the canonical form of an asset key
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// MemoryConfigStore keeps configs in memory only
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]types.AlertConfig

	// persist is called with the full set under the write lock
	persist func(all []types.AlertConfig) error
}

// NewMemoryConfigStore creates a store seeded with configs
func NewMemoryConfigStore(configs ...types.AlertConfig) *MemoryConfigStore {
	s := &MemoryConfigStore{configs: make(map[string]types.AlertConfig, len(configs))}
	for _, cfg := range configs {
		cfg = cfg.Clone()
		cfg.Symbol = NormalizeSymbol(cfg.Symbol)
		s.configs[cfg.Symbol] = cfg
	}
	return s
}

// Get returns a copy of the config of symbol
func (s *MemoryConfigStore) Get(symbol string) (types.AlertConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[NormalizeSymbol(symbol)]
	if !ok {
		return types.AlertConfig{}, false
	}
	return cfg.Clone(), true
}

// Put replaces the config of cfg.Symbol
func (s *MemoryConfigStore) Put(cfg types.AlertConfig) error {
	cfg = cfg.Clone()
	cfg.Symbol = NormalizeSymbol(cfg.Symbol)
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.configs[cfg.Symbol]
	s.configs[cfg.Symbol] = cfg
	if err := s.flush(); err != nil {
		if had {
			s.configs[cfg.Symbol] = prev
		} else {
			delete(s.configs, cfg.Symbol)
		}
		return err
	}
	return nil
}

// Delete removes the config of symbol
func (s *MemoryConfigStore) Delete(symbol string) error {
	symbol = NormalizeSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.configs[symbol]
	if !ok {
		return nil
	}
	delete(s.configs, symbol)
	if err := s.flush(); err != nil {
		s.configs[symbol] = prev
		return err
	}
	return nil
}

// List returns every config sorted by symbol
func (s *MemoryConfigStore) List() []types.AlertConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted()
}

// Update applies fn under the write lock
func (s *MemoryConfigStore) Update(symbol string, fn func(cfg *types.AlertConfig) error) (types.AlertConfig, error) {
	symbol = NormalizeSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.configs[symbol]
	next := prev.Clone()
	next.Symbol = symbol
	if err := fn(&next); err != nil {
		return types.AlertConfig{}, err
	}
	next.Symbol = symbol
	if err := next.Validate(); err != nil {
		return types.AlertConfig{}, err
	}

	s.configs[symbol] = next
	if err := s.flush(); err != nil {
		if had {
			s.configs[symbol] = prev
		} else {
			delete(s.configs, symbol)
		}
		return types.AlertConfig{}, err
	}
	return next.Clone(), nil
}

func (s *MemoryConfigStore) sorted() []types.AlertConfig {
	out := make([]types.AlertConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *MemoryConfigStore) flush() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.sorted())
}

// configDocument is the on-disk layout of FileConfigStore
type configDocument struct {
	Assets []types.AlertConfig `yaml:"assets"`
}

// FileConfigStore is a MemoryConfigStore mirrored to a YAML document. Every
// write replaces the file through a temp file and rename.
type FileConfigStore struct {
	*MemoryConfigStore
	logger *zap.Logger
	path   string
}

// NewFileConfigStore loads path, or starts empty when it does not exist
func NewFileConfigStore(logger *zap.Logger, path string) (*FileConfigStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	var doc configDocument
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse alert config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		logger.Info("No alert config found, starting empty", zap.String("path", path))
	default:
		return nil, fmt.Errorf("failed to read alert config: %w", err)
	}

	fs := &FileConfigStore{
		MemoryConfigStore: NewMemoryConfigStore(doc.Assets...),
		logger:            logger,
		path:              path,
	}
	fs.persist = fs.write

	logger.Info("Alert config loaded",
		zap.String("path", path),
		zap.Int("assets", len(doc.Assets)),
	)
	return fs, nil
}

// Path returns the backing file
func (fs *FileConfigStore) Path() string {
	return fs.path
}

func (fs *FileConfigStore) write(all []types.AlertConfig) error {
	data, err := yaml.Marshal(configDocument{Assets: all})
	if err != nil {
		return fmt.Errorf("failed to marshal alert config: %w", err)
	}
	if err := writeFileAtomic(fs.path, data); err != nil {
		fs.logger.Error("Failed to persist alert config", zap.String("path", fs.path), zap.Error(err))
		return err
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
