package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// RedisStore keeps token records in Redis. Records carry no TTL; expiry
// is a lifecycle decision, not a cache policy.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings the Redis instance.
func NewRedisStore(addr string, db int) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests).
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func key(env model.Environment) string {
	return fmt.Sprintf("etrade:token:%s", env)
}

func (s *RedisStore) Get(ctx context.Context, env model.Environment) (*model.TokenRecord, error) {
	data, err := s.rdb.Get(ctx, key(env)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec model.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, env model.Environment, rec *model.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(env), data, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
