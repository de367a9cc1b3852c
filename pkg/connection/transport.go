// Copyright 2024-2026 Aiku AI

package connection

import (
	"context"
	"time"

	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
)

// ContentKind classifies the body of an inbound message.
type ContentKind int

const (
	// ContentText carries displayable text in Message.Text.
	ContentText ContentKind = iota
	// ContentOther is anything the relay cannot render as text.
	ContentOther
)

// Message is an inbound primary-side message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	Kind           ContentKind
	Timestamp      time.Time
	// FromMe is set for messages authored by the relay's own account.
	FromMe bool
}

// AuthChallenge is something the operator must act on to authenticate the
// primary account, such as a login URL.
type AuthChallenge struct {
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// CloseReason classifies why a session ended.
type CloseReason int

const (
	CloseTransient CloseReason = iota
	// CloseLoggedOut means the remote side invalidated the session.
	CloseLoggedOut
	// CloseCredentialsRejected means authentication was refused outright.
	CloseCredentialsRejected
)

func (r CloseReason) String() string {
	switch r {
	case CloseTransient:
		return "transient"
	case CloseLoggedOut:
		return "logged_out"
	case CloseCredentialsRejected:
		return "credentials_rejected"
	default:
		return "unknown"
	}
}

// CloseEvent reports the end of a session.
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// Terminal reports whether reconnecting with the same credentials is pointless.
func (e CloseEvent) Terminal() bool {
	return e.Reason == CloseLoggedOut || e.Reason == CloseCredentialsRejected
}

// Conn is the live half of a session.
type Conn interface {
	Send(ctx context.Context, conversationID, text string) (messageID string, err error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
	// Credentials returns the complete current credential bundle.
	Credentials() credential.Payload
	Close() error
}

// Session is one connection attempt. Each event kind has its own channel so
// the manager can drive its state machine from a single select loop. After a
// value is delivered on Closed the session produces nothing else.
type Session struct {
	Conn              Conn
	AuthChallenges    <-chan AuthChallenge
	CredentialUpdates <-chan credential.Payload
	Opened            <-chan struct{}
	Messages          <-chan Message
	Closed            <-chan CloseEvent
}

// Transport starts sessions. Connect must not block on the network; progress
// is reported through the session channels. An empty payload asks the
// transport to bootstrap authentication.
type Transport interface {
	Connect(ctx context.Context, creds credential.Payload) (*Session, error)
}
