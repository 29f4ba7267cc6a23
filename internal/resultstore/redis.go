package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fractal-lba/switchback/internal/api"
)

const keyPrefix = "switchback:summary:"

// RedisStore keeps summaries in Redis as JSON, using SETNX so the first
// write wins.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s failed: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*api.Summary, error) {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var s api.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return &s, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, summary *api.Summary, ttl time.Duration) error {
	if err := checkSummary(key, summary); err != nil {
		return err
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", key, err)
	}
	if err := r.client.SetNX(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
