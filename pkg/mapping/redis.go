// Copyright 2024-2026 Aiku AI

package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	cfg    Config
}

// NewRedis builds a redis-backed mapping store. Expiry is delegated to key TTLs.
func NewRedis(client *redis.Client, cfg Config) Store {
	return &redisStore{client: client, cfg: cfg.withDefaults()}
}

func (s *redisStore) mappingKey(id string) string {
	return s.cfg.Prefix + "mapping:" + id
}

func (s *redisStore) ledgerKey(key string) string {
	return s.cfg.Prefix + "ledger:" + key
}

func (s *redisStore) PutMapping(ctx context.Context, secondaryID, conversationID string) error {
	if err := s.client.Set(ctx, s.mappingKey(secondaryID), conversationID, s.cfg.MappingTTL).Err(); err != nil {
		return fmt.Errorf("failed to put mapping: %w", err)
	}
	return nil
}

func (s *redisStore) GetMapping(ctx context.Context, secondaryID string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.mappingKey(secondaryID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get mapping: %w", err)
	}
	return val, true, nil
}

func (s *redisStore) IsForwarded(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.ledgerKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return n > 0, nil
}

func (s *redisStore) MarkForwarded(ctx context.Context, key string) error {
	if err := s.client.SetNX(ctx, s.ledgerKey(key), 1, s.cfg.LedgerTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark forwarded: %w", err)
	}
	return nil
}

func (s *redisStore) CleanupExpired(context.Context) error {
	// Redis handles expiration via TTL.
	return nil
}

// Close is a no-op, the redis client is shared and owned by the caller.
func (s *redisStore) Close(context.Context) error {
	return nil
}
