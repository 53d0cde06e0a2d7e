package session

import (
	"context"
	"log/slog"
	"sync"

	"hls-media-server/internal/ingest"
	"hls-media-server/internal/platform/metrics"
)

// Manager is the registry of live sessions, keyed by session id and owned by
// the server object. Exactly one controller exists per concurrently
// publishing stream key.
type Manager struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager builds an empty registry. met may be nil.
func NewManager(cfg Config, log *slog.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		log:      log,
		met:      met,
		sessions: make(map[string]*Controller),
	}
}

// StartSession creates the live session for a publishing ingest session. It
// blocks through codec detection (bounded) and pipeline startup; on any
// failure no session is registered and no artifact remains. The id slot is
// reserved up front so a second publish on the same key is rejected while
// detection is still running.
func (m *Manager) StartSession(ctx context.Context, sess ingest.Session) error {
	c := newController(m.cfg, m.log, m.met, sess, m.remove)

	m.mu.Lock()
	if _, exists := m.sessions[c.ID()]; exists {
		m.mu.Unlock()
		return ErrSessionExists
	}
	m.sessions[c.ID()] = c
	m.mu.Unlock()

	if err := c.start(ctx); err != nil {
		m.remove(c.ID())
		return err
	}
	return nil
}

// StopSession tears down the session with the given id, if registered.
func (m *Manager) StopSession(id string) {
	m.mu.Lock()
	c, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		c.Stop()
	}
}

// StopAll tears down every live session; used on server shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	for _, c := range controllers {
		c.Stop()
	}
}

// Lookup resolves a live session id to its controller.
func (m *Manager) Lookup(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Count returns the number of registered sessions. Used for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
