package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Match with errors.Is.
var (
	// ErrTimeout means a call's deadline elapsed before its response
	// arrived. The session stays open.
	ErrTimeout = errors.New("mcp: deadline exceeded")

	// ErrSessionUnavailable means the session is not connected. Callers
	// may retry once the background reconnect succeeds.
	ErrSessionUnavailable = errors.New("mcp: session unavailable")

	// ErrSessionClosed means the session was torn down.
	ErrSessionClosed = errors.New("mcp: session closed")

	// ErrNotFound means an unknown server, session, or capability.
	ErrNotFound = errors.New("mcp: not found")
)

// TransportError is a channel-level failure: refused connection, reset,
// spawn failure, or a write to a closed channel.
type TransportError struct {
	Op  string // open, send, receive
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a response whose shape does not match the protocol.
type ProtocolError struct {
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp protocol error in %s: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// InvocationError is a failure the tool server reported for a
// well-formed request.
type InvocationError struct {
	Capability string
	Code       int
	Message    string
	Data       []byte
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("mcp tool %s failed (%d): %s", e.Capability, e.Code, e.Message)
}

// transportErr wraps err as a TransportError unless it already is one.
func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// callErr maps a failure observed while a call was outstanding. A
// deadline becomes ErrTimeout, a caller cancellation is returned as
// is, and anything else is a transport failure.
func callErr(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, method, context.DeadlineExceeded)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrSessionClosed):
		return err
	default:
		return transportErr("send", err)
	}
}
