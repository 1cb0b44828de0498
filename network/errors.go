package network

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no connection is open. The
	// frame is dropped, never queued.
	ErrNotConnected = errors.New("not connected")
	// ErrExhaustedRetries marks the move to Terminal after the reconnect
	// budget ran out.
	ErrExhaustedRetries = errors.New("reconnect attempts exhausted")
	ErrManagerClosed    = errors.New("connection manager closed")
	ErrEmptyCode        = errors.New("session code is empty")
)

// ConnectionError is a transport failure for a session code.
type ConnectionError struct {
	Code string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
