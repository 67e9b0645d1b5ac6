// Package behavior tracks recent user interactions in memory.
package behavior

import (
	"sync"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// DefaultCapacity is how many interactions are kept per user. Older entries
// fall off the front.
const DefaultCapacity = 40

// Store keeps a bounded, per-user interaction history. It is safe for
// concurrent use.
type Store struct {
	capacity int

	mu    sync.RWMutex
	users map[string][]recsys.Behavior
}

// NewStore creates a store keeping at most capacity entries per user.
// Non-positive capacity falls back to DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		users:    make(map[string][]recsys.Behavior),
	}
}

// Append records one interaction and returns the user's updated history,
// oldest first.
func (s *Store) Append(userID string, b recsys.Behavior) []recsys.Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := append(s.users[userID], b)
	if len(hist) > s.capacity {
		hist = hist[len(hist)-s.capacity:]
	}
	s.users[userID] = hist
	return copyBehaviors(hist)
}

// List returns the user's history, oldest first. The returned slice is a
// copy; callers may mutate it freely.
func (s *Store) List(userID string) []recsys.Behavior {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBehaviors(s.users[userID])
}

func copyBehaviors(src []recsys.Behavior) []recsys.Behavior {
	if len(src) == 0 {
		return nil
	}
	out := make([]recsys.Behavior, len(src))
	copy(out, src)
	return out
}
