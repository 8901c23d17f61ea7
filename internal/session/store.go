package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Slot holds the one active Session. Replace swaps in a fresh value; all
// mutation goes through Update, which rejects callers holding a superseded
// generation.
type Slot struct {
	mu         sync.Mutex
	current    *Session
	generation uint64
}

func NewSlot() *Slot {
	return &Slot{}
}

// Replace installs a new Session in StateInitializing and returns a copy.
// The previous session, if any, is dropped.
func (s *Slot) Replace(now time.Time) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.current = &Session{
		ID:         uuid.NewString(),
		Generation: s.generation,
		State:      StateInitializing,
		StartedAt:  now,
	}
	return *s.current
}

// Update runs fn against the current session if its generation matches.
// fn runs under the slot lock, so events published from inside fn keep the
// order of state transitions. The result is fn's return value, or false when
// the generation is stale or no session exists.
func (s *Slot) Update(generation uint64, fn func(*Session) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Generation != generation {
		return false
	}
	return fn(s.current)
}

// Get returns a copy of the current session.
func (s *Slot) Get() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Generation returns the generation of the current session, 0 before the
// first Replace.
func (s *Slot) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
