package chat

import (
	"errors"
	"sync"
)

var ErrDuplicateConn = errors.New("conn id already registered")

// ConnManager is the process-wide registry of live sessions. Snapshots are
// returned in registration order.
type ConnManager struct {
	mu     sync.RWMutex
	order  []*Session
	byConn map[string]*Session
	byUser map[int64]map[string]*Session
	gwId   string
}

func NewConnManager(gwId string) *ConnManager {
	return &ConnManager{
		byConn: make(map[string]*Session),
		byUser: make(map[int64]map[string]*Session),
		gwId:   gwId,
	}
}

func (m *ConnManager) GwId() string { return m.gwId }

func (m *ConnManager) Add(s *Session) error {
	if s == nil || s.ConnID == "" {
		return errors.New("session/connID empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byConn[s.ConnID]; exists {
		return ErrDuplicateConn
	}
	m.byConn[s.ConnID] = s
	m.order = append(m.order, s)
	mm := m.byUser[s.UserID]
	if mm == nil {
		mm = make(map[string]*Session)
		m.byUser[s.UserID] = mm
	}
	mm[s.ConnID] = s
	return nil
}

// Remove deregisters connID and returns the session, or nil if unknown.
func (m *ConnManager) Remove(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	delete(m.byConn, connID)
	for i, x := range m.order {
		if x == s {
			copy(m.order[i:], m.order[i+1:])
			m.order[len(m.order)-1] = nil
			m.order = m.order[:len(m.order)-1]
			break
		}
	}
	if mm := m.byUser[s.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	return s
}

// Snapshot copies the registry so callers can iterate without the lock.
func (m *ConnManager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, len(m.order))
	copy(out, m.order)
	return out
}

func (m *ConnManager) ListByUser(userID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(mm))
	for _, s := range m.order {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// CloseAll signals every session to close. Deregistration happens in each
// session's own teardown.
func (m *ConnManager) CloseAll() {
	for _, s := range m.Snapshot() {
		s.Close()
	}
}
