package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisFlagStore remembers which users have registered before.
type RedisFlagStore struct {
	client *redis.Client
}

func NewRedisFlagStore(client *redis.Client) *RedisFlagStore {
	return &RedisFlagStore{client: client}
}

func registeredKey(userID string) string {
	return "registered:" + userID
}

func (s *RedisFlagStore) MarkRegistered(ctx context.Context, userID string) error {
	return s.client.Set(ctx, registeredKey(userID), "true", 0).Err()
}

func (s *RedisFlagStore) Registered(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, registeredKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
