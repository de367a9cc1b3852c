// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
)

// SyncStateID names the record that holds the sync position.
const SyncStateID = "matrix-sync"

const (
	keySyncUser  = "user_id"
	keyNextBatch = "next_batch"
)

// syncStore keeps the sync position across sessions so a reconnect resumes
// where the previous session stopped. When backed by a credential.Store the
// position also survives restarts. Filter IDs stay in memory.
type syncStore struct {
	state credential.Store
	log   zerolog.Logger

	mu        sync.Mutex
	loaded    bool
	userID    id.UserID
	nextBatch string
	filters   map[id.UserID]string
}

var _ mautrix.SyncStore = (*syncStore)(nil)

func newSyncStore(state credential.Store, log zerolog.Logger) *syncStore {
	return &syncStore{
		state:   state,
		log:     log,
		filters: make(map[id.UserID]string),
	}
}

func (s *syncStore) SaveFilterID(_ context.Context, userID id.UserID, filterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[userID] = filterID
	return nil
}

func (s *syncStore) LoadFilterID(_ context.Context, userID id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[userID], nil
}

// LoadNextBatch returns "" for an account that never synced, which makes the
// session skip the initial timeline.
func (s *syncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded && s.state != nil {
		snap, ok, err := s.state.Load(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			s.userID = id.UserID(snap.Payload.String(keySyncUser))
			s.nextBatch = snap.Payload.String(keyNextBatch)
		}
	}
	s.loaded = true
	if s.userID != userID {
		return "", nil
	}
	return s.nextBatch, nil
}

// SaveNextBatch keeps the token in memory and writes it through. A failed
// write is logged only: the in-memory position still covers reconnects and
// the ledger absorbs any replay after a restart.
func (s *syncStore) SaveNextBatch(ctx context.Context, userID id.UserID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.userID = userID
	s.nextBatch = token
	if s.state == nil {
		return nil
	}
	err := s.state.Save(ctx, credential.Payload{
		keySyncUser:  []byte(userID),
		keyNextBatch: []byte(token),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist sync position")
	}
	return nil
}
