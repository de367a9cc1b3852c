// Copyright 2024-2026 Aiku AI

package connection

import (
	"time"
)

// State is the in-memory connection state.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosedRetryable
	StateClosedTerminal
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateAuthenticating:  "authenticating",
	StateOpen:            "open",
	StateClosing:         "closing",
	StateClosedRetryable: "closed_retryable",
	StateClosedTerminal:  "closed_terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the manager for operators.
type Status struct {
	State            State          `json:"state"`
	Attempts         int            `json:"reconnect_attempts"`
	ReconnectPending bool           `json:"reconnect_pending"`
	ReconnectDelay   time.Duration  `json:"reconnect_delay_ns,omitempty"`
	Challenge        *AuthChallenge `json:"challenge,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Fatal            string         `json:"fatal,omitempty"`
	Since            time.Time      `json:"since"`
}
