package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/duplex/pkg/memory"
)

// BreakerStore wraps a [memory.TurnStore] with a circuit breaker so a dead
// database is not hit on every turn. Duplicate-turn rejections are logical
// outcomes and do not count as failures.
type BreakerStore struct {
	inner   memory.TurnStore
	breaker *CircuitBreaker
}

var (
	_ memory.TurnStore = (*BreakerStore)(nil)
	_ memory.Pinger    = (*BreakerStore)(nil)
)

// NewBreakerStore wraps inner. cfg.Name defaults to "memory".
func NewBreakerStore(inner memory.TurnStore, cfg CircuitBreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "memory"
	}
	return &BreakerStore{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// State reports the breaker state.
func (s *BreakerStore) State() State { return s.breaker.State() }

// AddConversationTurn implements [memory.TurnStore].
func (s *BreakerStore) AddConversationTurn(ctx context.Context, turn memory.ConversationTurn) error {
	var logical error
	err := s.breaker.Execute(func() error {
		err := s.inner.AddConversationTurn(ctx, turn)
		if errors.Is(err, memory.ErrDuplicateTurn) {
			logical = err
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("breaker store: add turn: %w", err)
	}
	return logical
}

// GetConversationHistory implements [memory.TurnStore].
func (s *BreakerStore) GetConversationHistory(ctx context.Context, conversationID string) ([]memory.ConversationTurn, error) {
	var turns []memory.ConversationTurn
	err := s.breaker.Execute(func() error {
		var err error
		turns, err = s.inner.GetConversationHistory(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("breaker store: get history: %w", err)
	}
	return turns, nil
}

// CurrentConversationID implements [memory.TurnStore].
func (s *BreakerStore) CurrentConversationID(ctx context.Context) (string, error) {
	var id string
	err := s.breaker.Execute(func() error {
		var err error
		id, err = s.inner.CurrentConversationID(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("breaker store: conversation id: %w", err)
	}
	return id, nil
}

// Ping reports the inner store's reachability, or ErrCircuitOpen while the
// breaker is open. Pings bypass the breaker's accounting.
func (s *BreakerStore) Ping(ctx context.Context) error {
	if s.breaker.State() == StateOpen {
		return ErrCircuitOpen
	}
	if p, ok := s.inner.(memory.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
