package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means no usable refresh credential exists; the user must sign in.
	ErrUnauthenticated = errors.New("authclient: unauthenticated")
	// ErrInvalidCredentials is returned by Login for a wrong username or password.
	ErrInvalidCredentials = errors.New("authclient: invalid credentials")
	// ErrRateLimited is returned when the server throttles login attempts.
	ErrRateLimited = errors.New("authclient: rate limited")

	errIncompleteBundle = errors.New("authclient: token bundle without usable expiries")
)

// StatusError is an unexpected HTTP response from the auth API.
type StatusError struct {
	Op     string
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("authclient: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("authclient: %s: status %d (%s)", e.Op, e.Status, e.Code)
}
