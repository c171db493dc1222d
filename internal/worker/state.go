package worker

import (
	"sync"

	"rolechat/internal/models"
)

// registryState is the in-process role -> thread binding table.
type registryState struct {
	mu       sync.RWMutex
	bindings map[string]*models.Session
}

func newRegistryState() *registryState {
	return &registryState{bindings: make(map[string]*models.Session)}
}

func (s *registryState) get(role string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[role]
}

func (s *registryState) set(session *models.Session) {
	if session == nil {
		return
	}
	s.mu.Lock()
	s.bindings[session.Role] = session
	s.mu.Unlock()
}

// setIfAbsent keeps an existing binding; bindings never change once set.
func (s *registryState) setIfAbsent(session *models.Session) bool {
	if session == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[session.Role]; ok {
		return false
	}
	s.bindings[session.Role] = session
	return true
}

func (s *registryState) reset() {
	s.mu.Lock()
	s.bindings = make(map[string]*models.Session)
	s.mu.Unlock()
}
