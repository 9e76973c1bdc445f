package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Failure classes surfaced by the engine. Callers compare with Is.
var (
	// ErrSpawnFailure means the agent binary is missing or the OS refused to start it.
	ErrSpawnFailure = stderrors.New("spawn failure")
	// ErrNotFound means no candidate in an executable search chain exists.
	ErrNotFound = stderrors.New("not found")
	// ErrTransportClosed means the peer closed its end of the stream.
	ErrTransportClosed = stderrors.New("transport closed")
	// ErrMalformedMessage means an inbound line could not be decoded.
	ErrMalformedMessage = stderrors.New("malformed message")
	// ErrProtocol means a response carried an error payload.
	ErrProtocol = stderrors.New("protocol error")
	// ErrAuthentication means the authenticate request was rejected.
	ErrAuthentication = stderrors.New("authentication failed")
	// ErrNoSessionID means session creation returned no session id.
	ErrNoSessionID = stderrors.New("no session id")
	// ErrNoActiveSession means a prompt was issued without a ready session.
	ErrNoActiveSession = stderrors.New("no active session")
	// ErrInvalidState means an operation was issued out of protocol order.
	ErrInvalidState = stderrors.New("invalid state")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s: %w", file, line, fmt.Sprintf(format, a...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error { return stderrors.Join(errs...) }
