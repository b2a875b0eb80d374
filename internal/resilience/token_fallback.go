package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/duplex/pkg/provider/token"
)

// TokenFallback is a [token.Source] that fails over across credential
// sources, typically an ephemeral mint followed by a static key.
type TokenFallback struct {
	chain *Chain[token.Source]
}

var _ token.Source = (*TokenFallback)(nil)

// NewTokenFallback returns a TokenFallback that prefers primary.
func NewTokenFallback(primary token.Source, primaryName string, cfg FallbackConfig) *TokenFallback {
	c := NewChain[token.Source](cfg)
	c.Add(primaryName, primary)
	return &TokenFallback{chain: c}
}

// AddFallback registers another source behind the ones already added.
func (f *TokenFallback) AddFallback(name string, src token.Source) {
	f.chain.Add(name, src)
}

// Sources lists the source names in try order.
func (f *TokenFallback) Sources() []string { return f.chain.Names() }

// FetchToken returns the first credential a healthy source produces. A total
// failure wraps [ErrAllFailed] and [token.ErrUnavailable].
func (f *TokenFallback) FetchToken(ctx context.Context) (token.Credential, error) {
	cred, err := Try(ctx, f.chain, func(ctx context.Context, src token.Source) (token.Credential, error) {
		return src.FetchToken(ctx)
	})
	if err != nil && !errors.Is(err, token.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", token.ErrUnavailable, err)
	}
	return cred, err
}
