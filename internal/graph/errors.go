package graph

import "fmt"

// PayloadError reports malformed writer input. Never retried.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed graph payload: %s", e.Reason)
}

// TransientWriteError wraps a store failure the retry policy may replay.
// Attempts records how many tries had been made when it surfaced.
type TransientWriteError struct {
	Attempts int
	Err      error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("transient write error (attempt %d): %v", e.Attempts, e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }

// FatalWriteError aborts the ingest. Transient errors promote to fatal once
// the retry budget is spent.
type FatalWriteError struct {
	Err error
}

func (e *FatalWriteError) Error() string {
	return fmt.Sprintf("fatal write error: %v", e.Err)
}

func (e *FatalWriteError) Unwrap() error { return e.Err }

// AuthError is a credential rejection from the store. Never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("graph store authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UnavailableError means the store cannot be reached. Never retried.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("graph store unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
