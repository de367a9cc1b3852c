// Copyright 2024-2026 Aiku AI

package mapping

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     string
	createdAt time.Time
}

type memoryStore struct {
	mappings map[string]entry
	ledger   map[string]entry
	mutex    sync.RWMutex
	cfg      Config
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory builds an in-memory store with a background sweeper.
func NewMemory(cfg Config) Store {
	s := &memoryStore{
		mappings: make(map[string]entry),
		ledger:   make(map[string]entry),
		cfg:      cfg.withDefaults(),
		stop:     make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

func (s *memoryStore) gcLoop() {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.CleanupExpired(context.Background())
		case <-s.stop:
			return
		}
	}
}

func live(e entry, ttl time.Duration, now time.Time) bool {
	return now.Before(e.createdAt.Add(ttl))
}

func (s *memoryStore) PutMapping(_ context.Context, secondaryID, conversationID string) error {
	s.mutex.Lock()
	s.mappings[secondaryID] = entry{value: conversationID, createdAt: s.cfg.Now()}
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) GetMapping(_ context.Context, secondaryID string) (string, bool, error) {
	s.mutex.RLock()
	e, ok := s.mappings[secondaryID]
	s.mutex.RUnlock()
	if !ok || !live(e, s.cfg.MappingTTL, s.cfg.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *memoryStore) IsForwarded(_ context.Context, key string) (bool, error) {
	s.mutex.RLock()
	e, ok := s.ledger[key]
	s.mutex.RUnlock()
	return ok && live(e, s.cfg.LedgerTTL, s.cfg.Now()), nil
}

func (s *memoryStore) MarkForwarded(_ context.Context, key string) error {
	now := s.cfg.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if e, ok := s.ledger[key]; ok && live(e, s.cfg.LedgerTTL, now) {
		return nil
	}
	s.ledger[key] = entry{createdAt: now}
	return nil
}

func (s *memoryStore) CleanupExpired(context.Context) error {
	now := s.cfg.Now()
	s.mutex.Lock()
	for id, e := range s.mappings {
		if !live(e, s.cfg.MappingTTL, now) {
			delete(s.mappings, id)
		}
	}
	for key, e := range s.ledger {
		if !live(e, s.cfg.LedgerTTL, now) {
			delete(s.ledger, key)
		}
	}
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}
