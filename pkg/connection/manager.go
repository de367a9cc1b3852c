// Copyright 2024-2026 Aiku AI

package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
)

// DefaultMaxReconnectAttempts caps consecutive reconnects when the config
// leaves the limit unset.
const DefaultMaxReconnectAttempts = 10

// UnlimitedReconnects makes the manager retry forever.
const UnlimitedReconnects = -1

// Config tunes reconnects and I/O timeouts.
type Config struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of 0 means DefaultMaxReconnectAttempts. A negative
	// value retries forever.
	MaxReconnectAttempts int
	SaveTimeout          time.Duration
	SendTimeout          time.Duration
	MessageBuffer        int
}

func (c Config) withDefaults() Config {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = time.Minute
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = 256
	}
	return c
}

type timerFunc func(d time.Duration) (<-chan time.Time, func() bool)

func realTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log.With().Str("component", "connection").Logger()
	}
}

// WithTimer replaces the reconnect timer factory.
func WithTimer(fn func(d time.Duration) (<-chan time.Time, func() bool)) Option {
	return func(m *Manager) {
		m.newTimer = fn
	}
}

type requestKind int

const (
	requestReauthenticate requestKind = iota
	requestShutdown
)

type request struct {
	kind requestKind
	ctx  context.Context
	done chan error
}

// Manager owns the single primary connection. All state transitions happen
// on one goroutine that selects over the current session's channels, the
// reconnect timer and operator requests.
type Manager struct {
	transport Transport
	store     credential.Store
	cfg       Config
	log       zerolog.Logger
	newTimer  timerFunc
	saver     *saver

	messages   chan Message
	challenges chan AuthChallenge
	fatal      chan FatalError
	requests   chan request

	mu        sync.RWMutex
	state     State
	since     time.Time
	attempts  int
	pending   bool
	delay     time.Duration
	challenge *AuthChallenge
	lastErr   error
	fatalErr  *FatalError
	conn      Conn

	// Owned by the run loop.
	session   *Session
	held      *Message
	timerC    <-chan time.Time
	stopTimer func() bool

	started      atomic.Bool
	cancel       context.CancelFunc
	loopDone     chan struct{}
	stopping     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a manager. Nothing happens until Start is called.
func New(transport Transport, store credential.Store, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		transport:  transport,
		store:      store,
		cfg:        cfg,
		log:        zerolog.Nop(),
		newTimer:   realTimer,
		messages:   make(chan Message, cfg.MessageBuffer),
		challenges: make(chan AuthChallenge, 1),
		fatal:      make(chan FatalError, 1),
		requests:   make(chan request),
		since:      time.Now(),
		loopDone:   make(chan struct{}),
		stopping:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.saver = newSaver(store, cfg.SaveTimeout, m.log)
	return m
}

// Messages delivers inbound messages, excluding the relay's own.
func (m *Manager) Messages() <-chan Message {
	return m.messages
}

// Challenges delivers authentication challenges. Only the newest unread
// challenge is kept.
func (m *Manager) Challenges() <-chan AuthChallenge {
	return m.challenges
}

// Fatal delivers conditions that stop the manager from reconnecting.
func (m *Manager) Fatal() <-chan FatalError {
	return m.fatal
}

// Start loads stored credentials and begins connecting.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("connection manager already started")
	}
	payload, err := m.loadCredentials(ctx)
	if err != nil {
		m.started.Store(false)
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.saver.run(loopCtx)
	go m.run(loopCtx, payload)
	return nil
}

func (m *Manager) loadCredentials(ctx context.Context) (credential.Payload, error) {
	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.SaveTimeout)
	defer cancel()
	snap, ok, err := m.store.Load(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	} else if !ok {
		return nil, nil
	}
	return snap.Payload, nil
}

func (m *Manager) run(ctx context.Context, initial credential.Payload) {
	defer close(m.loopDone)
	if initial == nil {
		m.log.Info().Msg("No stored credentials, starting authentication bootstrap")
	} else {
		m.log.Info().Msg("Restoring stored credentials")
	}
	m.connect(ctx, initial)

	for {
		var (
			sess Session
			out  chan<- Message
			next Message
		)
		if m.session != nil {
			sess = *m.session
		}
		if m.held != nil {
			// The consumer is behind. Leave further messages with the
			// transport until the held one is taken.
			sess.Messages = nil
			out, next = m.messages, *m.held
		}
		select {
		case <-ctx.Done():
			m.stopReconnect()
			m.teardown(true)
			m.dropHeld()
			return
		case req := <-m.requests:
			if m.handleRequest(ctx, req) {
				m.dropHeld()
				return
			}
		case out <- next:
			m.held = nil
		case ch, ok := <-sess.AuthChallenges:
			if !ok {
				m.session.AuthChallenges = nil
				continue
			}
			m.handleChallenge(ch)
		case payload, ok := <-sess.CredentialUpdates:
			if !ok {
				m.session.CredentialUpdates = nil
				continue
			}
			m.log.Debug().Msg("Credentials rotated")
			m.saver.submit(payload, false)
		case _, ok := <-sess.Opened:
			if !ok {
				m.session.Opened = nil
				continue
			}
			m.handleOpen()
		case msg, ok := <-sess.Messages:
			if !ok {
				m.session.Messages = nil
				continue
			}
			m.handleMessage(msg)
		case evt, ok := <-sess.Closed:
			if !ok {
				evt = CloseEvent{Reason: CloseTransient, Err: errors.New("session ended without close event")}
			}
			m.handleClose(evt)
		case <-m.timerC:
			m.timerC, m.stopTimer = nil, nil
			m.reconnect(ctx)
		}
	}
}

func (m *Manager) connect(ctx context.Context, payload credential.Payload) {
	m.setState(StateAuthenticating)
	sess, err := m.transport.Connect(ctx, payload)
	if err != nil {
		reason := CloseTransient
		if errors.Is(err, ErrUnauthorized) {
			reason = CloseCredentialsRejected
		}
		m.handleClose(CloseEvent{Reason: reason, Err: fmt.Errorf("failed to connect: %w", err)})
		return
	}
	m.session = sess
	m.mu.Lock()
	m.conn = sess.Conn
	m.mu.Unlock()
}

func (m *Manager) reconnect(ctx context.Context) {
	m.setPending(false, 0)
	if err := m.saver.flush(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Reconnecting with unsaved credentials")
	}
	payload, err := m.loadCredentials(ctx)
	if err != nil {
		m.handleClose(CloseEvent{Reason: CloseTransient, Err: err})
		return
	}
	if payload == nil {
		// The store may be unreachable for writes while the bundle is still
		// known in memory.
		payload = m.saver.latestPayload()
	}
	m.log.Info().Int("attempt", m.Attempts()).Msg("Reconnecting")
	m.connect(ctx, payload)
}

func (m *Manager) handleChallenge(ch AuthChallenge) {
	if ch.IssuedAt.IsZero() {
		ch.IssuedAt = time.Now()
	}
	m.log.Info().Str("kind", ch.Kind).Msg("Authentication challenge issued")
	m.publishChallenge(ch)
	m.mu.Lock()
	m.challenge = &ch
	m.mu.Unlock()
	m.setState(StateAuthenticating)
}

func (m *Manager) publishChallenge(ch AuthChallenge) {
	select {
	case m.challenges <- ch:
		return
	default:
	}
	select {
	case <-m.challenges:
	default:
	}
	select {
	case m.challenges <- ch:
	default:
	}
}

func (m *Manager) handleOpen() {
	m.mu.Lock()
	m.attempts = 0
	m.challenge = nil
	m.lastErr = nil
	m.fatalErr = nil
	m.mu.Unlock()
	m.setState(StateOpen)
	m.log.Info().Msg("Primary connection open")

	// Some servers only finalize credentials after the handshake, so always
	// write the bundle once more.
	if m.session != nil && m.session.Conn != nil {
		m.saver.submit(m.session.Conn.Credentials(), true)
	}
}

// handleMessage never blocks the loop. When the buffer is full the message is
// held and the loop stops reading from the session until it is delivered.
func (m *Manager) handleMessage(msg Message) {
	if msg.FromMe {
		m.log.Trace().Str("message_id", msg.ID).Msg("Dropping own message")
		return
	}
	select {
	case <-m.stopping:
		messagesDroppedTotal.Inc()
		m.log.Debug().Str("message_id", msg.ID).Msg("Dropping message received during shutdown")
		return
	default:
	}
	select {
	case m.messages <- msg:
	default:
		bufferFullTotal.Inc()
		m.log.Warn().
			Str("message_id", msg.ID).
			Int("buffer", cap(m.messages)).
			Msg("Message buffer full, pausing intake")
		m.held = &msg
	}
}

func (m *Manager) dropHeld() {
	if m.held == nil {
		return
	}
	messagesDroppedTotal.Inc()
	m.log.Warn().Str("message_id", m.held.ID).Msg("Dropping undelivered message on shutdown")
	m.held = nil
}

func (m *Manager) handleClose(evt CloseEvent) {
	m.teardown(true)
	m.mu.Lock()
	m.lastErr = evt.Err
	attempts := m.attempts
	m.mu.Unlock()

	if evt.Terminal() {
		m.stopReconnect()
		m.setState(StateClosedTerminal)
		reason := FatalLoggedOut
		if evt.Reason == CloseCredentialsRejected {
			reason = FatalCredentialsRejected
		}
		m.log.Error().Err(evt.Err).
			Str("reason", evt.Reason.String()).
			Int("attempts", attempts).
			Msg("Primary connection closed permanently, re-authentication required")
		m.emitFatal(FatalError{Reason: reason, Err: evt.Err})
		return
	}

	m.setState(StateClosedRetryable)
	m.log.Warn().Err(evt.Err).Int("attempts", attempts).Msg("Primary connection closed")
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.timerC != nil {
		m.log.Debug().Msg("Reconnect already scheduled")
		return
	}
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	lastErr := m.lastErr
	m.mu.Unlock()

	if limit := m.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
		m.setState(StateClosedTerminal)
		m.log.Error().Int("attempts", attempt-1).Msg("Giving up on primary connection")
		m.emitFatal(FatalError{Reason: FatalAttemptsExhausted, Err: lastErr})
		return
	}

	delay := Backoff(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, attempt)
	m.timerC, m.stopTimer = m.newTimer(delay)
	m.setPending(true, delay)
	reconnectsTotal.Inc()
	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling reconnect")
}

func (m *Manager) stopReconnect() {
	if m.stopTimer != nil {
		m.stopTimer()
	}
	m.timerC, m.stopTimer = nil, nil
	m.setPending(false, 0)
}

// teardown drops the current session. With keep set the session's final
// credentials are queued for saving first.
func (m *Manager) teardown(keep bool) {
	if m.session == nil {
		return
	}
	conn := m.session.Conn
	m.session = nil
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if keep {
		m.saver.submit(conn.Credentials(), false)
	}
	if err := conn.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Error closing primary session")
	}
}

func (m *Manager) emitFatal(f FatalError) {
	m.mu.Lock()
	m.fatalErr = &f
	m.mu.Unlock()
	fatalTotal.WithLabelValues(f.Reason).Inc()
	select {
	case m.fatal <- f:
	default:
		m.log.Warn().Str("reason", f.Reason).Msg("Previous fatal signal was not consumed")
	}
}

func (m *Manager) handleRequest(ctx context.Context, req request) (exit bool) {
	switch req.kind {
	case requestReauthenticate:
		req.done <- m.reauthenticate(ctx, req.ctx)
		return false
	case requestShutdown:
		req.done <- m.shutdownLoop(req.ctx)
		return true
	default:
		req.done <- fmt.Errorf("unknown request %d", req.kind)
		return false
	}
}

func (m *Manager) reauthenticate(loopCtx, reqCtx context.Context) error {
	m.log.Info().Msg("Re-authentication requested, clearing stored credentials")
	m.stopReconnect()
	m.teardown(false)
	m.saver.reset()

	clearCtx, cancel := context.WithTimeout(reqCtx, m.cfg.SaveTimeout)
	defer cancel()
	if err := m.store.Clear(clearCtx); err != nil {
		m.setState(StateClosedTerminal)
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	m.mu.Lock()
	m.attempts = 0
	m.lastErr = nil
	m.fatalErr = nil
	m.challenge = nil
	m.mu.Unlock()
	m.connect(loopCtx, nil)
	return nil
}

func (m *Manager) shutdownLoop(ctx context.Context) error {
	m.setState(StateClosing)
	m.stopReconnect()
	if m.session != nil && m.session.Conn != nil {
		m.saver.submit(m.session.Conn.Credentials(), false)
	}
	var err error
	if saveErr := m.saver.flush(ctx); saveErr != nil {
		err = fmt.Errorf("final credential save failed: %w", saveErr)
	}
	m.teardown(false)
	m.setState(StateClosedTerminal)
	m.log.Info().Msg("Primary connection closed for shutdown")
	return err
}

func (m *Manager) request(ctx context.Context, kind requestKind) error {
	if !m.started.Load() {
		return fmt.Errorf("connection manager not started")
	}
	req := request{kind: kind, ctx: ctx, done: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-m.loopDone:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reauthenticate clears the stored credentials and restarts the bootstrap.
// It is the only path that ever clears the credential store.
func (m *Manager) Reauthenticate(ctx context.Context) error {
	return m.request(ctx, requestReauthenticate)
}

// FlushCredentials writes the current bundle even if it did not change.
func (m *Manager) FlushCredentials(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil {
		m.saver.submit(conn.Credentials(), true)
	}
	return m.saver.flush(ctx)
}

// Shutdown stops reconnecting, saves the final credentials and closes the
// connection. Repeated calls return the first call's result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		close(m.stopping)
		if !m.started.Load() {
			return
		}
		m.shutdownErr = m.request(ctx, requestShutdown)
		if errors.Is(m.shutdownErr, ErrShutdown) {
			m.shutdownErr = nil
		}
		m.cancel()
		select {
		case <-m.loopDone:
		case <-ctx.Done():
			if m.shutdownErr == nil {
				m.shutdownErr = ctx.Err()
			}
		}
	})
	return m.shutdownErr
}

// Send delivers text to a conversation on the open connection.
func (m *Manager) Send(ctx context.Context, conversationID, text string) (string, error) {
	conn, err := m.openConn()
	if err != nil {
		return "", err
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	id, err := conn.Send(sendCtx, conversationID, text)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return "", err
		}
		return "", &TransportError{Op: "send", Err: err}
	}
	return id, nil
}

// MarkRead acknowledges a message on the primary side.
func (m *Manager) MarkRead(ctx context.Context, conversationID, messageID string) error {
	conn, err := m.openConn()
	if err != nil {
		return err
	}
	readCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := conn.MarkRead(readCtx, conversationID, messageID); err != nil {
		return &TransportError{Op: "mark read", Err: err}
	}
	return nil
}

func (m *Manager) openConn() (Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateOpen || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev != s {
		m.state = s
		m.since = time.Now()
	}
	m.mu.Unlock()
	if prev != s {
		observeState(s)
		m.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Connection state changed")
	}
}

func (m *Manager) setPending(pending bool, delay time.Duration) {
	m.mu.Lock()
	m.pending, m.delay = pending, delay
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts returns the number of reconnects since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Status returns a snapshot for operators.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		State:            m.state,
		Attempts:         m.attempts,
		ReconnectPending: m.pending,
		ReconnectDelay:   m.delay,
		Since:            m.since,
	}
	if m.challenge != nil {
		ch := *m.challenge
		st.Challenge = &ch
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.fatalErr != nil {
		st.Fatal = m.fatalErr.Error()
	}
	return st
}
