package options

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each owner's options in the hash "options:{owner}".
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, owner, field string) ([]byte, bool, error) {
	v, err := r.client.HGet(ctx, "options:"+owner, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, owner, field string, value []byte) error {
	return r.client.HSet(ctx, "options:"+owner, field, value).Err()
}
