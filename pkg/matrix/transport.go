// Copyright 2024-2026 Aiku AI

// Package matrix implements the primary transport on top of a Matrix account.
package matrix

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
)

// Credential payload keys.
const (
	KeyHomeserver  = "homeserver"
	KeyUserID      = "user_id"
	KeyDeviceID    = "device_id"
	KeyAccessToken = "access_token"
)

// ChallengeSSO is the kind of challenge that carries a login URL.
const ChallengeSSO = "sso"

var (
	ErrNoPendingLogin = errors.New("no login is waiting for a token")
	ErrLoginBusy      = errors.New("a login token was already submitted")
)

type Config struct {
	Homeserver string
	// UserID and Password enable password login. Without a password the
	// transport issues an SSO challenge instead.
	UserID         string
	Password       string
	DeviceName     string
	SSOCallbackURL string
	// ChallengeTTL is how often an unanswered SSO challenge is reissued.
	ChallengeTTL time.Duration
	// HTTPRetries is passed to the mautrix client for each request.
	HTTPRetries int
}

// Transport starts Matrix sessions for the connection manager.
type Transport struct {
	cfg      Config
	log      zerolog.Logger
	position *syncStore

	mu      sync.Mutex
	waiting chan string
}

// NewTransport creates a transport. state persists the sync position under
// its own record; nil keeps it in memory, which covers reconnects but not
// restarts.
func NewTransport(cfg Config, state credential.Store, log zerolog.Logger) *Transport {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 10 * time.Minute
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Mattermost relay"
	}
	cfg.Homeserver = strings.TrimRight(cfg.Homeserver, "/")
	log = log.With().Str("component", "matrix").Logger()
	return &Transport{
		cfg:      cfg,
		log:      log,
		position: newSyncStore(state, log),
	}
}

// Connect starts a session in the background. An empty payload starts a
// fresh login.
func (t *Transport) Connect(ctx context.Context, creds credential.Payload) (*connection.Session, error) {
	s := newSession(ctx, t, creds)
	go s.run()
	return s.public(), nil
}

// SubmitLoginToken completes a pending SSO login with the token the
// homeserver appended to the callback URL.
func (t *Transport) SubmitLoginToken(token string) error {
	t.mu.Lock()
	ch := t.waiting
	t.mu.Unlock()
	if ch == nil {
		return ErrNoPendingLogin
	}
	select {
	case ch <- token:
		return nil
	default:
		return ErrLoginBusy
	}
}

func (t *Transport) setWaiting(ch chan string) {
	t.mu.Lock()
	t.waiting = ch
	t.mu.Unlock()
}

func (t *Transport) clearWaiting(ch chan string) {
	t.mu.Lock()
	if t.waiting == ch {
		t.waiting = nil
	}
	t.mu.Unlock()
}

// ssoURL builds the homeserver's SSO entry point that redirects back to the
// relay's callback.
func (t *Transport) ssoURL() string {
	q := url.Values{}
	q.Set("redirectUrl", t.cfg.SSOCallbackURL)
	return t.cfg.Homeserver + "/_matrix/client/v3/login/sso/redirect?" + q.Encode()
}
