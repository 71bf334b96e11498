package common

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by the session, sender and dispatch layers.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")

	// ErrNotConnected is returned when no session is open for a send.
	ErrNotConnected = errors.New("not connected")
	// ErrStaleHandle is returned by a session handle used after it closed.
	ErrStaleHandle = errors.New("session handle is closed")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsTimeout reports whether err stems from a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a send failure may succeed on a later attempt.
// Permanent failures are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrStaleHandle) || errors.Is(err, ErrNotConnected) || IsTimeout(err)
}
