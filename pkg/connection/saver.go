// Copyright 2024-2026 Aiku AI

package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
)

// saver coalesces credential writes. Only the newest bundle is ever written,
// and a bundle whose write failed stays pending until a later write succeeds.
type saver struct {
	store   credential.Store
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	latest credential.Payload
	saved  credential.Payload
	dirty  bool

	writeMu sync.Mutex
	signal  chan struct{}
}

func newSaver(store credential.Store, timeout time.Duration, log zerolog.Logger) *saver {
	return &saver{
		store:   store,
		timeout: timeout,
		log:     log,
		signal:  make(chan struct{}, 1),
	}
}

// submit records a new bundle. With force set the bundle is written even if
// it equals the last saved one.
func (s *saver) submit(payload credential.Payload, force bool) {
	if payload == nil {
		return
	}
	s.mu.Lock()
	s.latest = payload.Clone()
	if force || !s.latest.Equal(s.saved) {
		s.dirty = true
	}
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (s *saver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
			_ = s.flush(ctx)
		}
	}
}

// pending reports whether a bundle is waiting to be written.
func (s *saver) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// flush writes the newest bundle if it has not been written yet.
func (s *saver) flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	payload := s.latest
	s.dirty = false
	s.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Save(saveCtx, payload); err != nil {
		s.mu.Lock()
		// Stay pending so the next update or flush retries.
		s.dirty = true
		s.mu.Unlock()
		credentialSavesTotal.WithLabelValues("error").Inc()
		s.log.Err(err).Msg("Failed to save credentials, will retry on next update")
		return err
	}
	s.mu.Lock()
	s.saved = payload
	s.mu.Unlock()
	credentialSavesTotal.WithLabelValues("success").Inc()
	s.log.Debug().Int("entries", len(payload)).Msg("Saved credentials")
	return nil
}

// latestPayload returns the newest submitted bundle, saved or not.
func (s *saver) latestPayload() credential.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.Clone()
}

// reset waits for an in-flight write and forgets every bundle.
func (s *saver) reset() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	s.latest, s.saved, s.dirty = nil, nil, false
	s.mu.Unlock()
}
