// Package fault defines the error taxonomy shared by the coordination
// components.
//
// Each kind is a sentinel error. Components wrap the underlying cause with
// [Wrap] so that callers can test the kind with [errors.Is] and still reach the
// cause with [errors.Unwrap] chains.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind.
var (
	// ErrDevice reports an unavailable or denied microphone. Non-fatal; the
	// user must retry.
	ErrDevice = errors.New("device error")

	// ErrConnect reports that the remote session could not be established.
	// Fatal to the current connect attempt.
	ErrConnect = errors.New("connect error")

	// ErrAuth reports that a session credential could not be fetched. Fatal to
	// the current connect attempt.
	ErrAuth = errors.New("auth error")

	// ErrPersistence reports a failed turn write or history read.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidInput reports rejected user input such as an empty text send.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoSession reports a text send attempted without an active session.
	ErrNoSession = errors.New("no session")
)

// Wrap returns an error that matches kind via [errors.Is] and carries err as
// its cause. A nil err yields kind itself.
func Wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Kind returns the taxonomy sentinel err belongs to, or nil if it belongs to
// none.
func Kind(err error) error {
	for _, k := range []error{ErrDevice, ErrConnect, ErrAuth, ErrPersistence, ErrInvalidInput, ErrNoSession} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// UserVisible reports whether err must be surfaced as a user notification.
// Persistence failures are log-only: losing a stored copy of a turn never
// interrupts a live conversation.
func UserVisible(err error) bool {
	switch Kind(err) {
	case ErrDevice, ErrConnect, ErrAuth, ErrNoSession, ErrInvalidInput:
		return true
	}
	return false
}
