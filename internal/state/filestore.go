package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// maxMetricsRecords bounds the metrics history kept in the file.
const maxMetricsRecords = 1000

// FileStore persists all state in a single JSON document. Every mutation
// rewrites the file through a temp-file rename, so a crash mid-write leaves
// the previous document intact.
type FileStore struct {
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	data fileDocument
}

type fileDocument struct {
	State   map[string]json.RawMessage `json:"state"`
	Orders  map[string]*types.Order    `json:"orders"`
	Trades  map[string]*types.Trade    `json:"trades"`
	Metrics []*MetricsRecord           `json:"metrics"`
}

// NewFileStore opens (or creates) the store at path.
func NewFileStore(logger *zap.Logger, path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state: create dir %s: %w", dir, err)
		}
	}

	s := &FileStore{
		logger: logger.Named("state"),
		path:   path,
		data: fileDocument{
			State:  make(map[string]json.RawMessage),
			Orders: make(map[string]*types.Order),
			Trades: make(map[string]*types.Trade),
		},
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("state: parse %s: %w", s.path, err)
	}

	if doc.State == nil {
		doc.State = make(map[string]json.RawMessage)
	}
	if doc.Orders == nil {
		doc.Orders = make(map[string]*types.Order)
	}
	if doc.Trades == nil {
		doc.Trades = make(map[string]*types.Trade)
	}
	s.data = doc

	s.logger.Debug("State loaded",
		zap.String("path", s.path),
		zap.Int("keys", len(doc.State)),
		zap.Int("trades", len(doc.Trades)))
	return nil
}

// persistLocked writes the document atomically. Callers hold s.mu.
func (s *FileStore) persistLocked() error {
	raw, err := json.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("state: open %s: %w", tmp, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: rename %s: %w", tmp, err)
	}
	return nil
}

// GetState returns the raw JSON value for key.
func (s *FileStore) GetState(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data.State[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// UpsertState encodes value as JSON and stores it under key.
func (s *FileStore) UpsertState(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.State[key] = raw
	return s.persistLocked()
}

// DeleteState removes key. Deleting a missing key is not an error.
func (s *FileStore) DeleteState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.State[key]; !ok {
		return nil
	}
	delete(s.data.State, key)
	return s.persistLocked()
}

// SaveOrder upserts an order record by exchange order ID.
func (s *FileStore) SaveOrder(_ context.Context, order *types.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("state: order without ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Orders[order.ID] = order
	return s.persistLocked()
}

// SaveTrade upserts a trade record by trade ID.
func (s *FileStore) SaveTrade(_ context.Context, trade *types.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("state: trade without ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Trades[trade.ID] = trade
	return s.persistLocked()
}

// TradeExists reports whether a trade ID has been recorded before.
func (s *FileStore) TradeExists(_ context.Context, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data.Trades[tradeID]
	return ok, nil
}

// SaveMetrics appends a metrics snapshot, keeping a bounded history.
func (s *FileStore) SaveMetrics(_ context.Context, record *MetricsRecord) error {
	if record == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Metrics = append(s.data.Metrics, record)
	if len(s.data.Metrics) > maxMetricsRecords {
		s.data.Metrics = s.data.Metrics[len(s.data.Metrics)-maxMetricsRecords:]
	}
	return s.persistLocked()
}

// Close flushes the document one last time.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}
