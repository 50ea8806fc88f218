package api

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups when the server has no such record.
var ErrNotFound = errors.New("api: not found")

// AuthError means the server would not accept the device credential, or a
// bearer token was rejected on every attempt.
type AuthError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("api: %s: authentication failed with status %d", e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("api: %s: authentication failed: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("api: %s: authentication failed", e.Endpoint)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectivityError means the server could not be reached at all. It is
// fatal for the agent.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("api: %s: server unreachable: %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TransientNetworkError wraps a transport failure that may succeed on retry.
type TransientNetworkError struct {
	Endpoint string
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("api: %s: transient network error: %v", e.Endpoint, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// StatusError is returned by typed calls for unexpected HTTP statuses.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("api: %s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsFatal reports whether err should terminate the agent.
func IsFatal(err error) bool {
	var authErr *AuthError
	var connErr *ConnectivityError
	return errors.As(err, &authErr) || errors.As(err, &connErr)
}
