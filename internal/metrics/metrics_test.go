// Package metrics_test provides tests for the agent metrics tracker.
package metrics_test

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/metrics"
	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// recordingStore captures persisted metrics records.
type recordingStore struct {
	records []*state.MetricsRecord
}

func (s *recordingStore) GetState(ctx context.Context, key string) ([]byte, error) {
	return nil, state.ErrNotFound
}
func (s *recordingStore) UpsertState(ctx context.Context, key string, value any) error { return nil }
func (s *recordingStore) DeleteState(ctx context.Context, key string) error            { return nil }
func (s *recordingStore) SaveOrder(ctx context.Context, order *types.Order) error      { return nil }
func (s *recordingStore) SaveTrade(ctx context.Context, trade *types.Trade) error      { return nil }
func (s *recordingStore) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	return false, nil
}
func (s *recordingStore) SaveMetrics(ctx context.Context, record *state.MetricsRecord) error {
	s.records = append(s.records, record)
	return nil
}
func (s *recordingStore) Close() error { return nil }

func newTestMetrics(clock *time.Time) *metrics.Metrics {
	cfg := &metrics.Config{
		LogInterval: time.Minute,
		Clock:       func() time.Time { return *clock },
	}
	return metrics.New(zap.NewNop(), cfg)
}

func TestSnapshotCombinesCountersGaugesAndAverages(t *testing.T) {
	now := time.Now()
	m := newTestMetrics(&now)

	m.Inc(metrics.KeyCycles)
	m.Inc(metrics.KeyCycles)
	m.Add(metrics.KeySignals, 3)
	m.Set(metrics.KeyEquity, 10000)
	m.Observe(metrics.KeyCycleMillis, 10)
	m.Observe(metrics.KeyCycleMillis, 20)

	snap := m.Snapshot()
	if snap[metrics.KeyCycles] != 2 {
		t.Errorf("cycles = %v, want 2", snap[metrics.KeyCycles])
	}
	if snap[metrics.KeySignals] != 3 {
		t.Errorf("signals = %v, want 3", snap[metrics.KeySignals])
	}
	if snap[metrics.KeyEquity] != 10000 {
		t.Errorf("equity = %v, want 10000", snap[metrics.KeyEquity])
	}
	if avg := snap[metrics.KeyCycleMillis+"_avg"]; math.Abs(avg-15) > 1e-9 {
		t.Errorf("cycle_ms_avg = %v, want 15", avg)
	}
}

func TestFlushHonorsInterval(t *testing.T) {
	now := time.Now()
	m := newTestMetrics(&now)
	store := &recordingStore{}
	ctx := context.Background()

	m.Inc(metrics.KeyCycles)

	m.Flush(ctx, store)
	if len(store.records) != 0 {
		t.Fatalf("records = %d, want none before the interval", len(store.records))
	}

	now = now.Add(61 * time.Second)
	m.Flush(ctx, store)
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1 after the interval", len(store.records))
	}
	if store.records[0].Values[metrics.KeyCycles] != 1 {
		t.Errorf("persisted cycles = %v, want 1", store.records[0].Values[metrics.KeyCycles])
	}

	// The flush consumed the interval, so an immediate repeat is a no-op
	m.Flush(ctx, store)
	if len(store.records) != 1 {
		t.Errorf("records = %d, want still 1", len(store.records))
	}
}

func TestFlushResetsCountersButKeepsGauges(t *testing.T) {
	now := time.Now()
	m := newTestMetrics(&now)
	ctx := context.Background()

	m.Inc(metrics.KeyOrdersPlaced)
	m.Observe(metrics.KeyCycleMillis, 12)
	m.Set(metrics.KeyKillSwitch, 1)

	now = now.Add(2 * time.Minute)
	m.Flush(ctx, nil)

	snap := m.Snapshot()
	if _, ok := snap[metrics.KeyOrdersPlaced]; ok {
		t.Error("counters should reset after a flush")
	}
	if _, ok := snap[metrics.KeyCycleMillis+"_avg"]; ok {
		t.Error("observation averages should reset after a flush")
	}
	if snap[metrics.KeyKillSwitch] != 1 {
		t.Errorf("kill_switch = %v, want gauge retained", snap[metrics.KeyKillSwitch])
	}
}

func TestRegistryAccumulatesAcrossFlushes(t *testing.T) {
	now := time.Now()
	m := newTestMetrics(&now)
	ctx := context.Background()

	m.Add(metrics.KeyCycles, 3)
	now = now.Add(2 * time.Minute)
	m.Flush(ctx, nil)
	m.Add(metrics.KeyCycles, 2)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather registry: %v", err)
	}

	found := false
	for _, fam := range families {
		if fam.GetName() != "agent_cycles_total" {
			continue
		}
		found = true
		if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 5 {
			t.Errorf("agent_cycles_total = %v, want 5", got)
		}
	}
	if !found {
		t.Error("registry should expose agent_cycles_total")
	}
}
