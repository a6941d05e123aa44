package session

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one registered session.
type Entry struct {
	Key        string
	StartedAt  time.Time
	Controller *Controller
}

// Manager tracks active session controllers by key, holding at most one
// live session per key.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Entry
}

// NewManager creates a new session manager. If log is nil, slog.Default()
// is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Entry),
	}
}

// Add registers a controller under key. Returns false if a session with
// this key already exists.
func (m *Manager) Add(key string, c *Controller) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return false
	}

	m.sessions[key] = &Entry{Key: key, StartedAt: time.Now(), Controller: c}
	m.log.Info("session registered", "key", key, "session_id", c.ID())
	return true
}

// Get returns the session registered under key.
func (m *Manager) Get(key string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[key]
	return e, ok
}

// Remove unregisters and closes the session under key.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	e, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		e.Controller.Close()
		m.log.Info("session removed", "key", key)
	}
}

// List returns all registered sessions.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*Entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	return entries
}

// Shutdown closes every session and empties the manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*Entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.Controller.Close()
	}
	if len(entries) > 0 {
		m.log.Info("all sessions closed", "count", len(entries))
	}
}
