// Copyright 2024-2026 Aiku AI

// Package mapping stores the reply-routing index and the idempotency ledger.
//
// A mapping associates a message the relay posted on the secondary side with
// the primary conversation it came from. The ledger records message keys that
// were already forwarded. Both expire after a configured retention window and
// an expired entry is indistinguishable from one that never existed.
package mapping

import (
	"context"
	"time"
)

// Store is safe for concurrent use by any number of conversation lanes.
type Store interface {
	// PutMapping records secondaryID → conversationID, replacing any earlier value.
	PutMapping(ctx context.Context, secondaryID, conversationID string) error
	// GetMapping returns ok=false for unknown and expired ids alike.
	GetMapping(ctx context.Context, secondaryID string) (conversationID string, ok bool, err error)
	IsForwarded(ctx context.Context, key string) (bool, error)
	// MarkForwarded is a no-op for keys that are already present.
	MarkForwarded(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context) error
	Close(ctx context.Context) error
}

// Default retention windows.
const (
	DefaultMappingTTL = 7 * 24 * time.Hour
	DefaultLedgerTTL  = 30 * 24 * time.Hour
	DefaultGCInterval = 10 * time.Minute
)

// Config describes the store selection and retention parameters.
type Config struct {
	Driver     string
	MappingTTL time.Duration
	LedgerTTL  time.Duration
	GCInterval time.Duration
	Prefix     string

	// Now overrides the clock for the memory and sqlite drivers.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MappingTTL <= 0 {
		c.MappingTTL = DefaultMappingTTL
	}
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = DefaultLedgerTTL
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.Prefix == "" {
		c.Prefix = "relay:"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
