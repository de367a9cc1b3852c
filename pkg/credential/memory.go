// Copyright 2024-2026 Aiku AI

package credential

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	id    string
	mutex sync.RWMutex
	snap  *Snapshot
}

// NewMemory builds a process-local store. Its contents do not survive a restart.
func NewMemory(cfg Config) Store {
	return &memoryStore{id: cfg.id()}
}

func (s *memoryStore) Load(context.Context) (Snapshot, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.snap == nil {
		return Snapshot{}, false, nil
	}
	out := *s.snap
	out.Payload = s.snap.Payload.Clone()
	return out, true, nil
}

func (s *memoryStore) Save(_ context.Context, payload Payload) error {
	snap := &Snapshot{
		ID:        s.id,
		Payload:   payload.Clone(),
		UpdatedAt: time.Now().UTC(),
	}
	s.mutex.Lock()
	s.snap = snap
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Clear(context.Context) error {
	s.mutex.Lock()
	s.snap = nil
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
