// Copyright 2024-2026 Aiku AI

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	id     string
	key    string
}

// NewRedis builds a redis-backed credential store. The snapshot lives under a
// single key without expiry.
func NewRedis(client *redis.Client, cfg Config) Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relay:"
	}
	return &redisStore{
		client: client,
		id:     cfg.id(),
		key:    prefix + "credentials:" + cfg.id(),
	}
}

func (s *redisStore) Load(ctx context.Context) (Snapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load credentials: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return snap, true, nil
}

func (s *redisStore) Save(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(Snapshot{
		ID:        s.id,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Close is a no-op, the redis client is shared and owned by the caller.
func (s *redisStore) Close() error {
	return nil
}
