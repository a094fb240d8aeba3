package mode

import "sync"

// SessionStore keeps per-requester mode overrides.
type SessionStore interface {
	Get(requesterID string) (Mode, bool)
	Set(requesterID string, m Mode)
	Delete(requesterID string)
}

// MemorySessionStore is a process-local SessionStore. Restarting the
// process resets every requester to auto.
type MemorySessionStore struct {
	mu    sync.RWMutex
	modes map[string]Mode
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{modes: make(map[string]Mode)}
}

func (s *MemorySessionStore) Get(requesterID string) (Mode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modes[requesterID]
	return m, ok
}

func (s *MemorySessionStore) Set(requesterID string, m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[requesterID] = m
}

func (s *MemorySessionStore) Delete(requesterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modes, requesterID)
}
