package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// CandleStore persists candle windows as one JSON file per symbol and
// timeframe. Files are rewritten whole through a temp-file rename; windows
// are bounded by the engine's retention, so whole-file rewrites stay cheap.
type CandleStore struct {
	logger *zap.Logger
	dir    string
	mu     sync.Mutex
}

// NewCandleStore creates the store directory if needed.
func NewCandleStore(logger *zap.Logger, dir string) (*CandleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("data: create dir %s: %w", dir, err)
	}
	return &CandleStore{
		logger: logger.Named("candles"),
		dir:    dir,
	}, nil
}

func (s *CandleStore) path(symbol, timeframe string) string {
	name := strings.ReplaceAll(symbol, "/", "") + "_" + timeframe + ".json"
	return filepath.Join(s.dir, name)
}

// Save writes the window for a symbol and timeframe atomically.
func (s *CandleStore) Save(symbol, timeframe string, candles []types.Candle) error {
	raw, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("data: encode candles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(symbol, timeframe)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("data: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("data: rename %s: %w", tmp, err)
	}
	return nil
}

// Load reads the persisted window. A missing file is an empty window, not
// an error.
func (s *CandleStore) Load(symbol, timeframe string) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(symbol, timeframe))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("data: read candles %s %s: %w", symbol, timeframe, err)
	}

	var candles []types.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, fmt.Errorf("data: parse candles %s %s: %w", symbol, timeframe, err)
	}
	return candles, nil
}
