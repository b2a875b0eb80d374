package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
	"github.com/MrWong99/duplex/pkg/provider/token"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]func(ProviderEntry) (realtime.Provider, error)
	token    map[string]func(ProviderEntry) (token.Source, error)
	audio    map[string]func(ProviderEntry) (audio.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime: make(map[string]func(ProviderEntry) (realtime.Provider, error)),
		token:    make(map[string]func(ProviderEntry) (token.Source, error)),
		audio:    make(map[string]func(ProviderEntry) (audio.Device, error)),
	}
}

// RegisterRealtime registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory func(ProviderEntry) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterToken registers a token source factory under name.
func (r *Registry) RegisterToken(name string, factory func(ProviderEntry) (token.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token[name] = factory
}

// RegisterAudio registers an audio device factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateRealtime instantiates a realtime provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateRealtime(entry ProviderEntry) (realtime.Provider, error) {
	return create(r, r.realtime, "realtime", entry)
}

// CreateToken instantiates a token source using the factory registered under
// entry.Name.
func (r *Registry) CreateToken(entry ProviderEntry) (token.Source, error) {
	return create(r, r.token, "token", entry)
}

// CreateAudio instantiates an audio device using the factory registered under
// entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Device, error) {
	return create(r, r.audio, "audio", entry)
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
