package web

import (
	"sync"

	"github.com/zombor/vn-invoice-extractor/internal/invoice"
)

// defaultMaxSessions bounds how many finished batches stay in memory
const defaultMaxSessions = 20

// SessionStore keeps finished batch sessions in memory, oldest evicted first
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*invoice.BatchSession
	order    []string
	max      int
}

// NewSessionStore creates a store holding at most max sessions (defaultMaxSessions if max <= 0)
func NewSessionStore(max int) *SessionStore {
	if max <= 0 {
		max = defaultMaxSessions
	}
	return &SessionStore{
		sessions: make(map[string]*invoice.BatchSession),
		max:      max,
	}
}

// Put stores a session, evicting the oldest when full
func (s *SessionStore) Put(session *invoice.BatchSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		s.order = append(s.order, session.ID)
	}
	s.sessions[session.ID] = session

	for len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.sessions, oldest)
	}
}

// Get returns a session by ID
func (s *SessionStore) Get(id string) (*invoice.BatchSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// List returns sessions newest first
func (s *SessionStore) List() []*invoice.BatchSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*invoice.BatchSession, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.sessions[s.order[i]])
	}
	return out
}

// Delete removes a session; it reports whether the session existed
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}
