package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Persister and Watcher on Redis. The blob lives in a
// plain string key; every Save publishes the writer's instance id on
// "<key>:changed" so other processes sharing the key can refresh.
type RedisStore struct {
	rdb        *redis.Client
	instanceID string
}

// NewRedisStore creates a Redis-backed store with a fresh instance id.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		instanceID: uuid.New().String(),
	}
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.Publish(ctx, changedChannel(key), s.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Watch subscribes to the change channel for key and calls onChange for
// publications from other instances.
func (s *RedisStore) Watch(ctx context.Context, key string, onChange func()) error {
	sub := s.rdb.Subscribe(ctx, changedChannel(key))
	defer sub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", key, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == s.instanceID {
				continue
			}
			onChange()
		}
	}
}

func changedChannel(key string) string { return fmt.Sprintf("%s:changed", key) }
