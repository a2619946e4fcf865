package session

import (
	"fmt"
	"sync"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// Manager is the process-wide table of live sessions, keyed by ID. The
// URB Engine sends through it rather than holding *Session directly, so
// it never has to special-case a session that closed mid-flight.
type Manager struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
}

// NewManager creates an empty session table.
func NewManager() *Manager {
	return &Manager{sessions: make(map[ID]*Session)}
}

// Add registers a session under its ID.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// Remove drops a session from the table.
func (m *Manager) Remove(id ID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns the live session for id, if any.
func (m *Manager) Get(id ID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SendTo encodes and enqueues an unsolicited frame on the named
// session, returning the sequence number it was assigned.
func (m *Manager) SendTo(id ID, cmd wire.Command, payload []byte) (uint32, error) {
	s, ok := m.Get(id)
	if !ok {
		return 0, fmt.Errorf("session: unknown session %q", id)
	}
	return s.Send(cmd, payload)
}

// Len reports the number of live sessions, for the admin API.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns a snapshot of every live session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
