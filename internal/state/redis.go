package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

const (
	redisStatePrefix = "state:"
	redisOrdersHash  = "orders"
	redisTradesHash  = "trades"
	redisMetricsList = "metrics"
)

// RedisStore implements Store on Redis. Keys are prefixed, orders and trades
// live in hashes so TradeExists is a single HEXISTS.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(logger *zap.Logger, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("state: redis ping %s: %w", addr, err)
	}

	return &RedisStore{
		logger: logger.Named("state"),
		client: client,
	}, nil
}

// GetState returns the raw JSON value for key.
func (s *RedisStore) GetState(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, redisStatePrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: redis get %s: %w", key, err)
	}
	return raw, nil
}

// UpsertState encodes value as JSON and stores it under key.
func (s *RedisStore) UpsertState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, redisStatePrefix+key, raw, 0).Err(); err != nil {
		return fmt.Errorf("state: redis set %s: %w", key, err)
	}
	return nil
}

// DeleteState removes key. Deleting a missing key is not an error.
func (s *RedisStore) DeleteState(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisStatePrefix+key).Err(); err != nil {
		return fmt.Errorf("state: redis del %s: %w", key, err)
	}
	return nil
}

// SaveOrder upserts an order record by exchange order ID.
func (s *RedisStore) SaveOrder(ctx context.Context, order *types.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("state: order without ID")
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("state: encode order %s: %w", order.ID, err)
	}
	if err := s.client.HSet(ctx, redisOrdersHash, order.ID, raw).Err(); err != nil {
		return fmt.Errorf("state: redis save order %s: %w", order.ID, err)
	}
	return nil
}

// SaveTrade upserts a trade record by trade ID.
func (s *RedisStore) SaveTrade(ctx context.Context, trade *types.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("state: trade without ID")
	}
	raw, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("state: encode trade %s: %w", trade.ID, err)
	}
	if err := s.client.HSet(ctx, redisTradesHash, trade.ID, raw).Err(); err != nil {
		return fmt.Errorf("state: redis save trade %s: %w", trade.ID, err)
	}
	return nil
}

// TradeExists reports whether a trade ID has been recorded before.
func (s *RedisStore) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	ok, err := s.client.HExists(ctx, redisTradesHash, tradeID).Result()
	if err != nil {
		return false, fmt.Errorf("state: redis trade exists %s: %w", tradeID, err)
	}
	return ok, nil
}

// SaveMetrics appends a metrics snapshot, keeping a bounded history.
func (s *RedisStore) SaveMetrics(ctx context.Context, record *MetricsRecord) error {
	if record == nil {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("state: encode metrics: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, redisMetricsList, raw)
	pipe.LTrim(ctx, redisMetricsList, -maxMetricsRecords, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: redis save metrics: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
