package capture

import (
	"fmt"
	"sort"
)

// ErrUnknownSession is returned for session names the manager does not
// manage.
var ErrUnknownSession = fmt.Errorf("unknown capture session")

// Manager routes control operations to named sessions. Sessions are
// registered once at startup; the map is read-only afterwards, so no
// lock is needed.
type Manager struct {
	sessions map[string]*Session
}

// NewManager creates a Manager over the given named sessions.
func NewManager(sessions map[string]*Session) *Manager {
	return &Manager{sessions: sessions}
}

// Start starts the named session.
func (m *Manager) Start(name string) error {
	s, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s.Start()
}

// Stop stops the named session.
func (m *Manager) Stop(name string) error {
	s, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s.Stop()
}

// StopAll stops every running session. Used during shutdown.
func (m *Manager) StopAll() {
	for _, s := range m.sessions {
		_ = s.Stop()
	}
}

// Status returns the snapshot of every session keyed by name.
func (m *Manager) Status() map[string]Status {
	out := make(map[string]Status, len(m.sessions))
	for name, s := range m.sessions {
		out[name] = s.Status()
	}
	return out
}

// Names returns the registered session names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
