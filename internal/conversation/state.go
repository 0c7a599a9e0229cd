package conversation

import (
	"fmt"
	"sync"
)

// State is the ordered, append-only turn history of one chat session.
//
// At most one system turn exists and, when present, it sits at index 0.
// Appends never touch earlier entries, so snapshots taken by renderers stay
// valid for the lifetime of the session.
type State struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewState returns an empty state, or one seeded with a single system turn
// when systemPrompt is non-empty.
func NewState(systemPrompt string) *State {
	s := &State{}
	if systemPrompt != "" {
		s.turns = append(s.turns, SystemTurn(systemPrompt))
	}
	return s
}

// Append adds turn at the end. On error the state is left unchanged.
func (s *State) Append(turn Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, string(turn.Role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.Role == RoleSystem {
		if len(s.turns) > 0 && s.turns[0].Role == RoleSystem {
			return ErrMultipleSystemTurns
		}
		if len(s.turns) > 0 {
			return ErrSystemTurnPosition
		}
	}
	s.turns = append(s.turns, turn)
	return nil
}

// All returns a copy of every turn in append order.
func (s *State) All() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// AllExceptLast returns every turn but the most recent one. States holding
// zero or one turn yield an empty slice.
func (s *State) AllExceptLast() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) <= 1 {
		return []Turn{}
	}
	out := make([]Turn, len(s.turns)-1)
	copy(out, s.turns[:len(s.turns)-1])
	return out
}

// Last returns the most recently appended turn.
func (s *State) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
