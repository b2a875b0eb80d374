// Package token defines the credential provisioning collaborator used to
// authenticate realtime sessions.
//
// A [Source] returns a [Credential] on demand. Sources may mint short-lived
// ephemeral secrets (see token/openai) or hand out a long-lived key
// ([Static]). Callers compose sources with a fallback group when an ephemeral
// mint should degrade to the static key.
//
// All implementations must be safe for concurrent use.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is wrapped by every [Source.FetchToken] failure so callers
// can classify credential problems independently of the source.
var ErrUnavailable = errors.New("token: credential unavailable")

// Credential is a bearer secret for a realtime session.
type Credential struct {
	// Value is the bearer token.
	Value string

	// ExpiresAt is when the credential stops being accepted. Zero means it
	// does not expire.
	ExpiresAt time.Time

	// Ephemeral reports whether the credential was minted for a single
	// session.
	Ephemeral bool
}

// Expired reports whether the credential is no longer valid at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Source fetches credentials.
type Source interface {
	// FetchToken returns a credential ready for use. Errors wrap
	// [ErrUnavailable].
	FetchToken(ctx context.Context) (Credential, error)
}

// SourceFunc adapts a function to the [Source] interface.
type SourceFunc func(ctx context.Context) (Credential, error)

// FetchToken implements [Source].
func (f SourceFunc) FetchToken(ctx context.Context) (Credential, error) { return f(ctx) }

// Static is a [Source] that always returns the same long-lived key.
type Static struct {
	key string
}

var _ Source = (*Static)(nil)

// NewStatic returns a static source for key.
func NewStatic(key string) *Static {
	return &Static{key: key}
}

// FetchToken implements [Source]. An empty key is reported as unavailable.
func (s *Static) FetchToken(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, fmt.Errorf("token: static: %w: %w", ErrUnavailable, err)
	}
	if s.key == "" {
		return Credential{}, fmt.Errorf("token: static: %w: empty key", ErrUnavailable)
	}
	return Credential{Value: s.key}, nil
}
