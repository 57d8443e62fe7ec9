package pik

import (
	"errors"
	"fmt"
	"strings"
)

// Err is the root of the client error family. Every error produced by
// this package unwraps to it, so callers can match the whole family
// with errors.Is(err, pik.Err).
var Err = errors.New("pik api error")

// ErrNotAuthenticated is returned for authenticated calls issued
// before a successful sign-in.
var ErrNotAuthenticated = fmt.Errorf("%w: not authenticated", Err)

// AuthError means the vendor rejected a sign-in attempt, or the
// sign-in response was missing its authorization header.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	return "pik api: authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() []error {
	if e.Cause != nil {
		return []error{Err, e.Cause}
	}
	return []error{Err}
}

// RequestError covers HTTP-level failures: transport errors, non-2xx
// statuses, and undecodable response bodies.
type RequestError struct {
	Op     string
	Status int
	Body   string
	Cause  error
}

func (e *RequestError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("pik api: could not perform %s (status code %d): %s", e.Op, e.Status, strings.TrimSpace(e.Body))
	case e.Cause != nil:
		return fmt.Sprintf("pik api: could not perform %s: %v", e.Op, e.Cause)
	default:
		return fmt.Sprintf("pik api: could not perform %s", e.Op)
	}
}

func (e *RequestError) Unwrap() []error {
	if e.Cause != nil {
		return []error{Err, e.Cause}
	}
	return []error{Err}
}

// RemoteError is the vendor-level error envelope: a 2xx response
// whose JSON body carries an "error" flag, distinct from HTTP status.
type RemoteError struct {
	Op          string
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pik api: could not perform %s (%s): %s", e.Op, e.Code, e.Description)
}

func (e *RemoteError) Unwrap() error { return Err }

// UnlockError means an unlock command was sent but the vendor did not
// confirm it.
type UnlockError struct {
	Target string
	ID     int64
	Cause  error
}

func (e *UnlockError) Error() string {
	return fmt.Sprintf("pik api: could not unlock %s %d", e.Target, e.ID)
}

func (e *UnlockError) Unwrap() []error {
	if e.Cause != nil {
		return []error{Err, e.Cause}
	}
	return []error{Err}
}
