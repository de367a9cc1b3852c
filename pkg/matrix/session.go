// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/connector/mattermostfmt"
	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
)

// session is one login-and-sync run. It is also the live connection handed
// to the manager.
type session struct {
	t   *Transport
	log zerolog.Logger

	mu     sync.RWMutex
	client *mautrix.Client
	creds  credential.Payload

	challenges chan connection.AuthChallenge
	updates    chan credential.Payload
	opened     chan struct{}
	messages   chan connection.Message
	closed     chan connection.CloseEvent

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ctx context.Context, t *Transport, creds credential.Payload) *session {
	s := &session{
		t:          t,
		log:        t.log,
		creds:      creds.Clone(),
		challenges: make(chan connection.AuthChallenge, 1),
		updates:    make(chan credential.Payload, 1),
		opened:     make(chan struct{}, 1),
		messages:   make(chan connection.Message, 64),
		closed:     make(chan connection.CloseEvent, 1),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *session) public() *connection.Session {
	return &connection.Session{
		Conn:              s,
		AuthChallenges:    s.challenges,
		CredentialUpdates: s.updates,
		Opened:            s.opened,
		Messages:          s.messages,
		Closed:            s.closed,
	}
}

func (s *session) run() {
	ctx := s.ctx
	defer s.cancel()

	err := s.establish(ctx)
	if err == nil {
		select {
		case s.opened <- struct{}{}:
		case <-ctx.Done():
		}
		err = s.sync(ctx)
	}
	if ctx.Err() != nil {
		// Closed by the manager; nobody is listening anymore.
		return
	}
	evt := classify(err)
	s.log.Debug().Err(err).Stringer("reason", evt.Reason).Msg("Matrix session ended")
	s.closed <- evt
}

func classify(err error) connection.CloseEvent {
	switch {
	case err == nil:
		return connection.CloseEvent{Reason: connection.CloseTransient, Err: errors.New("sync stopped")}
	case errors.Is(err, mautrix.MUnknownToken):
		return connection.CloseEvent{Reason: connection.CloseLoggedOut, Err: err}
	case errors.Is(err, mautrix.MForbidden), errors.Is(err, connection.ErrUnauthorized):
		return connection.CloseEvent{Reason: connection.CloseCredentialsRejected, Err: err}
	default:
		return connection.CloseEvent{Reason: connection.CloseTransient, Err: err}
	}
}

func (s *session) newClient(homeserver string, userID id.UserID, token string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = s.log
	client.DefaultHTTPRetries = s.t.cfg.HTTPRetries
	return client, nil
}

func (s *session) establish(ctx context.Context) error {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()

	if creds.String(KeyAccessToken) == "" {
		resp, err := s.login(ctx)
		if err != nil {
			return err
		}
		creds = credential.Payload{
			KeyHomeserver:  []byte(s.t.cfg.Homeserver),
			KeyUserID:      []byte(resp.UserID),
			KeyDeviceID:    []byte(resp.DeviceID),
			KeyAccessToken: []byte(resp.AccessToken),
		}
		s.setCreds(creds)
		s.log.Info().Stringer("user_id", resp.UserID).Msg("Logged in to Matrix")
	}

	homeserver := creds.String(KeyHomeserver)
	if homeserver == "" {
		homeserver = s.t.cfg.Homeserver
	}
	client, err := s.newClient(homeserver, id.UserID(creds.String(KeyUserID)), creds.String(KeyAccessToken))
	if err != nil {
		return err
	}
	client.DeviceID = id.DeviceID(creds.String(KeyDeviceID))

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify access token: %w", err)
	}
	client.UserID = whoami.UserID
	if whoami.DeviceID != "" {
		client.DeviceID = whoami.DeviceID
	}
	if string(whoami.UserID) != creds.String(KeyUserID) || string(client.DeviceID) != creds.String(KeyDeviceID) {
		creds = creds.Clone()
		creds[KeyUserID] = []byte(whoami.UserID)
		creds[KeyDeviceID] = []byte(client.DeviceID)
		s.setCreds(creds)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *session) setCreds(creds credential.Payload) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	select {
	case s.updates <- creds.Clone():
	case <-s.ctx.Done():
	}
}

func (s *session) login(ctx context.Context) (*mautrix.RespLogin, error) {
	cfg := s.t.cfg
	client, err := s.newClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, err
	}
	req := &mautrix.ReqLogin{InitialDeviceDisplayName: cfg.DeviceName}
	if cfg.Password != "" {
		req.Type = mautrix.AuthTypePassword
		req.Identifier = mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: cfg.UserID}
		req.Password = cfg.Password
	} else {
		token, err := s.awaitLoginToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Type = mautrix.AuthTypeToken
		req.Token = token
	}
	resp, err := client.Login(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	return resp, nil
}

// awaitLoginToken issues SSO challenges until the callback delivers a token.
func (s *session) awaitLoginToken(ctx context.Context) (string, error) {
	if s.t.cfg.SSOCallbackURL == "" {
		return "", fmt.Errorf("%w: neither a password nor an SSO callback URL is configured", connection.ErrUnauthorized)
	}
	tokens := make(chan string, 1)
	s.t.setWaiting(tokens)
	defer s.t.clearWaiting(tokens)

	ttl := s.t.cfg.ChallengeTTL
	for {
		now := time.Now()
		challenge := connection.AuthChallenge{
			Kind:      ChallengeSSO,
			Payload:   s.t.ssoURL(),
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
		}
		select {
		case s.challenges <- challenge:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		s.log.Info().Msg("Waiting for SSO login, open the challenge URL to continue")

		timer := time.NewTimer(ttl)
		select {
		case token := <-tokens:
			timer.Stop()
			return token, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}

// relaySyncer hands sync failures back to the caller instead of retrying
// forever inside the mautrix client.
type relaySyncer struct {
	*mautrix.DefaultSyncer
}

func (rs *relaySyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

func (s *session) sync(ctx context.Context) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	syncer := &relaySyncer{DefaultSyncer: mautrix.NewDefaultSyncer()}
	// Only an account that never synced starts from since="". Its first
	// response only establishes the position in the timeline.
	syncer.OnSync(func(_ context.Context, _ *mautrix.RespSync, since string) bool {
		return since != ""
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		msg, ok := convertMessage(evt, client.UserID)
		if !ok {
			return
		}
		select {
		case s.messages <- msg:
		case <-ctx.Done():
		}
	})
	client.Syncer = syncer
	client.Store = s.t.position
	s.log.Info().Stringer("user_id", client.UserID).Msg("Matrix sync started")
	return client.SyncWithContext(ctx)
}

func (s *session) currentClient() (*mautrix.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, connection.ErrNotConnected
	}
	return s.client, nil
}

func (s *session) Send(ctx context.Context, conversationID, text string) (string, error) {
	client, err := s.currentClient()
	if err != nil {
		return "", err
	}
	resp, err := client.SendMessageEvent(ctx, id.RoomID(conversationID), event.EventMessage, mattermostfmt.Content(text))
	if err != nil {
		if errors.Is(err, mautrix.MUnknownToken) {
			return "", fmt.Errorf("%w: %w", connection.ErrUnauthorized, err)
		}
		return "", fmt.Errorf("failed to send message to %s: %w", conversationID, err)
	}
	return string(resp.EventID), nil
}

func (s *session) MarkRead(ctx context.Context, conversationID, messageID string) error {
	client, err := s.currentClient()
	if err != nil {
		return err
	}
	return client.MarkRead(ctx, id.RoomID(conversationID), id.EventID(messageID))
}

func (s *session) Credentials() credential.Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Clone()
}

func (s *session) Close() error {
	s.cancel()
	return nil
}
