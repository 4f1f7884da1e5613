package practice

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// StateTTL bounds how long a consent round-trip may take.
const StateTTL = 10 * time.Minute

// StateStore issues single-use CSRF state tokens for the consent redirect.
type StateStore struct {
	mu     sync.Mutex
	issued map[string]time.Time
	now    func() time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{
		issued: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Issue returns a fresh state token.
func (s *StateStore) Issue() string {
	b := make([]byte, 16)
	rand.Read(b)
	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.issued[state] = s.now().Add(StateTTL)
	return state
}

// Consume reports whether state was issued and has not expired. A state is
// accepted at most once.
func (s *StateStore) Consume(state string) bool {
	if state == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.issued[state]
	if !ok {
		return false
	}
	delete(s.issued, state)
	return s.now().Before(expires)
}

func (s *StateStore) pruneLocked() {
	now := s.now()
	for state, expires := range s.issued {
		if !now.Before(expires) {
			delete(s.issued, state)
		}
	}
}
