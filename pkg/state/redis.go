package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key the state is stored under.
const DefaultRedisKey = "tap-pipedrive:state"

// RedisStore keeps the state as a JSON string under one Redis key.
type RedisStore struct {
	redis *redis.Client
	key   string
	owned bool
}

// NewRedisStore creates a store on an existing client. The client is not
// closed by Close.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: client, key: key}
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (*RunState, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return New(), nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return Decode(data)
}

// Persist implements Store.
func (r *RedisStore) Persist(ctx context.Context, s *RunState) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.redis.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	if r.owned {
		return r.redis.Close()
	}
	return nil
}

// OpenRedisStore connects to addr and verifies the connection. The client is
// closed by Close.
func OpenRedisStore(ctx context.Context, addr, password string, db int, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	s := NewRedisStore(client, key)
	s.owned = true
	return s, nil
}
