// Package alerts delivers operational alerts to external channels.
package alerts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level classifies an alert's severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Sink delivers one alert to an external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, message string, level Level, meta map[string]any) error
}

// ManagerConfig holds alert manager settings.
type ManagerConfig struct {
	Cooldown time.Duration    // per-key minimum interval between sends (default 5m)
	Clock    func() time.Time // overrides time.Now, for tests
}

// DefaultManagerConfig returns the default alert settings.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{Cooldown: 5 * time.Minute}
}

// Manager fans alerts out to its sinks, rate limited per (level, message)
// key. CRITICAL alerts bypass the cooldown. Delivery failures are logged
// and never surface to callers.
type Manager struct {
	logger   *zap.Logger
	cooldown time.Duration
	now      func() time.Time
	sinks    []Sink

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager creates an alert manager over the given sinks.
func NewManager(logger *zap.Logger, config *ManagerConfig, sinks ...Sink) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Manager{
		logger:   logger.Named("alerts"),
		cooldown: config.Cooldown,
		now:      now,
		sinks:    sinks,
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers the alert to every sink unless the key is still cooling
// down. The cooldown clock only advances when at least one sink succeeds,
// so failed alerts are retried on the next occurrence.
func (m *Manager) Send(ctx context.Context, message string, level Level, meta map[string]any) {
	if len(m.sinks) == 0 {
		return
	}

	key := string(level) + ":" + message
	if !m.shouldSend(key, level) {
		m.logger.Debug("Alert suppressed by cooldown", zap.String("key", key))
		return
	}

	delivered := false
	for _, sink := range m.sinks {
		if err := sink.Send(ctx, message, level, meta); err != nil {
			m.logger.Warn("Alert send failed",
				zap.String("sink", sink.Name()),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		delivered = true
	}

	if delivered {
		m.mu.Lock()
		m.lastSent[key] = m.now()
		m.mu.Unlock()
	}
}

func (m *Manager) shouldSend(key string, level Level) bool {
	if level == LevelCritical {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[key]
	if !ok {
		return true
	}
	return m.now().Sub(last) >= m.cooldown
}
