package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

var _ TurnStore = (*MemStore)(nil)

// MemStore is an in-process [TurnStore]. Turns are lost when the process
// exits.
type MemStore struct {
	mu             sync.RWMutex
	conversationID string
	turns          map[string][]ConversationTurn
	ids            map[string]struct{}
}

// NewMemStore creates an empty store whose current conversation is
// conversationID.
func NewMemStore(conversationID string) *MemStore {
	return &MemStore{
		conversationID: conversationID,
		turns:          make(map[string][]ConversationTurn),
		ids:            make(map[string]struct{}),
	}
}

// AddConversationTurn implements [TurnStore].
func (s *MemStore) AddConversationTurn(ctx context.Context, turn ConversationTurn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[turn.ID]; ok {
		return fmt.Errorf("memstore: add turn %q: %w", turn.ID, ErrDuplicateTurn)
	}
	s.ids[turn.ID] = struct{}{}
	list := s.turns[turn.ConversationID]
	i, _ := slices.BinarySearchFunc(list, turn, func(a, b ConversationTurn) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	s.turns[turn.ConversationID] = slices.Insert(list, i, turn)
	return nil
}

// GetConversationHistory implements [TurnStore].
func (s *MemStore) GetConversationHistory(ctx context.Context, conversationID string) ([]ConversationTurn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationTurn, len(s.turns[conversationID]))
	copy(out, s.turns[conversationID])
	return out, nil
}

// CurrentConversationID implements [TurnStore].
func (s *MemStore) CurrentConversationID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID, nil
}

// Ping implements [Pinger]. An in-process store is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }
