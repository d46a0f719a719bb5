package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "registry:idem:"
	inProgress = "in_progress"
)

// RedisStore shares idempotency state across instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve uses SET NX so exactly one request wins the key.
func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, *Response, error) {
	k := keyPrefix + key
	ok, err := s.client.SetNX(ctx, k, inProgress, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return true, nil, nil
	}

	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if string(raw) == inProgress {
		return false, nil, nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	return false, &resp, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
