// Copyright 2024-2026 Aiku AI

package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the connection is not open.
	ErrNotConnected = errors.New("primary connection is not open")
	// ErrUnauthorized marks errors caused by rejected credentials. They must
	// not be retried.
	ErrUnauthorized = errors.New("primary credentials rejected")
	// ErrShutdown is returned by operations requested after Shutdown.
	ErrShutdown = errors.New("connection manager is shut down")
)

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("primary transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may be retried.
func (e *TransportError) Temporary() bool {
	return !errors.Is(e.Err, ErrUnauthorized)
}

// FatalError is emitted when the manager stops reconnecting and needs an operator.
type FatalError struct {
	Reason string
	Err    error
}

func (e FatalError) Error() string {
	if e.Err == nil {
		return "primary connection stopped: " + e.Reason
	}
	return fmt.Sprintf("primary connection stopped: %s: %v", e.Reason, e.Err)
}

func (e FatalError) Unwrap() error {
	return e.Err
}

// Fatal reasons.
const (
	FatalLoggedOut           = "logged_out"
	FatalCredentialsRejected = "credentials_rejected"
	FatalAttemptsExhausted   = "attempts_exhausted"
)
