// Package mock provides a test double for [token.Source].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplex/pkg/provider/token"
)

var _ token.Source = (*Source)(nil)

// Source is a mock implementation of [token.Source].
type Source struct {
	mu sync.Mutex

	// Result is returned by FetchToken when Err is nil.
	Result token.Credential

	// Err is returned by FetchToken when non-nil.
	Err error

	// CallCount records how many times FetchToken was called.
	CallCount int
}

// FetchToken implements [token.Source].
func (s *Source) FetchToken(context.Context) (token.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount++
	if s.Err != nil {
		return token.Credential{}, s.Err
	}
	return s.Result, nil
}

// Calls returns the number of FetchToken invocations.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCount
}
