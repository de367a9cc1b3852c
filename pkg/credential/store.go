// Copyright 2024-2026 Aiku AI

// Package credential persists the primary account's authentication bundle.
//
// The bundle is a name→bytes map that this package never interprets. It is
// always read and written as one snapshot so a reader can never observe a
// partially written set of credentials.
package credential

import (
	"bytes"
	"context"
	"maps"
	"time"
)

// DefaultID is the logical name of the singleton snapshot.
const DefaultID = "primary"

// Payload is an opaque bundle of named credential blobs.
type Payload map[string][]byte

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = bytes.Clone(v)
	}
	return out
}

// Equal reports whether both payloads hold the same blobs.
func (p Payload) Equal(other Payload) bool {
	return maps.EqualFunc(p, other, bytes.Equal)
}

// String returns the named blob as a string, or "" when absent.
func (p Payload) String(name string) string {
	return string(p[name])
}

// Snapshot is the persisted form of a payload.
type Snapshot struct {
	ID        string    `json:"id"`
	Payload   Payload   `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists a single credential snapshot. Load reports ok=false without
// an error when nothing has been saved yet. Stores never retry internally.
type Store interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, payload Payload) error
	Clear(ctx context.Context) error
	Close() error
}

// Config selects and tunes the store driver.
type Config struct {
	Driver string
	// ID overrides DefaultID, allowing several deployments to share a backend.
	ID     string
	Prefix string
}

func (c Config) id() string {
	if c.ID == "" {
		return DefaultID
	}
	return c.ID
}
