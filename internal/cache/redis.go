// Package cache is the Redis glue between C2's durable Postgres store
// and the hot paths that can't afford a round trip to it on every
// cycle: the rolling per-arm anomaly stats C4's V4 check consumes, and
// the latest intended allocation the scheduler reconciles on restart.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned by every method below when the client
// failed to connect at startup. Callers that want a cache miss and a
// down Redis to behave identically (cold-start reconciliation falls
// back to Postgres either way) can check for it alongside redis.Nil.
var ErrNotConfigured = fmt.Errorf("cache: redis client not initialized")

// RedisClient wraps redis.Client with the JSON-marshaling convenience
// methods the rest of this package builds on.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient dials Redis and pings it once. A failed ping returns a
// client wrapping a nil *redis.Client rather than an error — every
// method below degrades to a no-op/miss in that case, matching spec
// §6's requirement that a missing Redis never crash the engine, only
// slow a cold start's reconciliation down to the Postgres journal.
func NewRedisClient(host, port, password string) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("cache: failed to connect to redis at %s: %v", addr, err)
		return &RedisClient{}
	}

	log.Printf("cache: connected to redis at %s", addr)
	return &RedisClient{client: client}
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, jsonBytes, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

func (r *RedisClient) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	return r.client.Del(ctx, key).Err()
}

// SetBytes/GetBytes bypass the JSON envelope for callers (intended_
// allocation.go) that already hold an encoded payload, e.g. protobuf.
func (r *RedisClient) SetBytes(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, ErrNotConfigured
	}
	return r.client.Get(ctx, key).Bytes()
}

func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
