package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrGenerationInProgress is returned when an operation cannot acquire
	// the single-flight gate within its bounded wait. The operation is
	// rejected, never queued.
	ErrGenerationInProgress = errors.New("generation already in progress")

	// ErrNoPriorUserMessage is returned by Regenerate when the conversation
	// has no trailing user turn to regenerate against.
	ErrNoPriorUserMessage = errors.New("no prior user message to regenerate against")

	// ErrNotLoaded is returned when a generation is attempted before a
	// backend handle has been loaded.
	ErrNotLoaded = errors.New("model not loaded")

	// ErrBackendClosed is returned for requests against a backend whose
	// channel has been declared dead (process exit, unload).
	ErrBackendClosed = errors.New("backend closed")
)

// LoadError means the backend failed to initialize its handle. Recoverable
// by retrying with a reduced configuration; never auto-retried here.
type LoadError struct {
	Backend BackendKind
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s backend: %v", e.Backend, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// GenerationError means the backend failed mid-stream. Partial content is
// preserved and the session moves to Failed; never silently retried.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ProtocolError means the sandbox worker sent a malformed or unexpected
// frame, or exited without a terminal frame. Fatal for the in-flight
// request only; the controller survives.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError means no progress was observed within the bound derived from
// elapsed-since-last-byte. Treated as a GenerationError path.
type TimeoutError struct {
	What string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.What)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StateError means the requested operation is invalid for the current
// conversation. The operation is rejected with a reason; no mutation occurs.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
