package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"options_trader/internal/core"
)

const (
	positionKeyPrefix = "algo:pos:"
	orderKeyPrefix    = "algo:order:"
)

// RedisPositionStore implements core.IPositionStore on a redis hash space,
// one JSON value per position id.
type RedisPositionStore struct {
	client *redis.Client
	logger core.ILogger
}

func NewRedisPositionStore(client *redis.Client, logger core.ILogger) *RedisPositionStore {
	return &RedisPositionStore{
		client: client,
		logger: logger.WithField("component", "position_store"),
	}
}

func (s *RedisPositionStore) Save(ctx context.Context, p core.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}
	if err := s.client.Set(ctx, positionKeyPrefix+p.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

func (s *RedisPositionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, positionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	return nil
}

func (s *RedisPositionStore) FindAll(ctx context.Context) ([]core.Position, error) {
	var out []core.Position
	iter := s.client.Scan(ctx, 0, positionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("load position %s: %w", iter.Val(), err)
		}
		var p core.Position
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal position %s: %w", iter.Val(), err)
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	return out, nil
}

// RedisOrderStore implements core.IOrderStore, one JSON value per broker
// order id.
type RedisOrderStore struct {
	client *redis.Client
	logger core.ILogger
}

func NewRedisOrderStore(client *redis.Client, logger core.ILogger) *RedisOrderStore {
	return &RedisOrderStore{
		client: client,
		logger: logger.WithField("component", "order_store"),
	}
}

func (s *RedisOrderStore) Save(ctx context.Context, o core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.BrokerOrderID, err)
	}
	if err := s.client.Set(ctx, orderKeyPrefix+o.BrokerOrderID, data, 0).Err(); err != nil {
		return fmt.Errorf("save order %s: %w", o.BrokerOrderID, err)
	}
	return nil
}

func (s *RedisOrderStore) Delete(ctx context.Context, brokerOrderID string) error {
	if err := s.client.Del(ctx, orderKeyPrefix+brokerOrderID).Err(); err != nil {
		return fmt.Errorf("delete order %s: %w", brokerOrderID, err)
	}
	return nil
}

func (s *RedisOrderStore) FindAll(ctx context.Context) ([]core.Order, error) {
	var out []core.Order
	iter := s.client.Scan(ctx, 0, orderKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load order %s: %w", iter.Val(), err)
		}
		var o core.Order
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("unmarshal order %s: %w", iter.Val(), err)
		}
		out = append(out, o)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}
	return out, nil
}

// FindPending returns orders still working at the broker.
func (s *RedisOrderStore) FindPending(ctx context.Context) ([]core.Order, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []core.Order
	for _, o := range all {
		if o.Status == core.OrderStatusOpen || o.Status == core.OrderStatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

// CountPending counts orders still working at the broker.
func (s *RedisOrderStore) CountPending(ctx context.Context) (int, error) {
	pending, err := s.FindPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
