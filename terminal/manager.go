package terminal

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/log"
)

const sweepInterval = 5 * time.Minute

// ErrNotFound covers both unknown terminals and terminals owned by another
// session; callers cannot distinguish the two.
var ErrNotFound = errors.New("terminal not found")

// Manager owns every live PTY in the process. Terminals are ephemeral:
// nothing survives a restart.
type Manager struct {
	mu        sync.Mutex
	terminals map[string]*Terminal
	logger    zerolog.Logger

	idleTimeout time.Duration
	stopSweep   chan struct{}
	sweepDone   chan struct{}
}

// NewManager creates a terminal manager and starts its idle sweeper.
func NewManager(idleTimeout time.Duration) *Manager {
	m := &Manager{
		terminals:   make(map[string]*Terminal),
		logger:      log.GetLogger("terminal"),
		idleTimeout: idleTimeout,
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go m.sweepWorker()
	return m
}

// Create spawns a shell owned by sessionID rooted at cwd.
func (m *Manager) Create(sessionID, cwd, name string, opts SpawnOptions) (*Terminal, error) {
	id := uuid.New().String()

	t, err := newTerminal(id, sessionID, cwd, name, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.terminals[id] = t
	m.mu.Unlock()

	m.logger.Info().
		Str("terminal", id).
		Str("session", sessionID).
		Str("cwd", cwd).
		Msg("terminal created")
	return t, nil
}

// get returns a terminal only if it belongs to sessionID.
func (m *Manager) get(sessionID, terminalID string) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.terminals[terminalID]
	if !ok || t.SessionID != sessionID {
		return nil, ErrNotFound
	}
	return t, nil
}

// Write sends input to a terminal owned by sessionID.
func (m *Manager) Write(sessionID, terminalID string, data []byte) error {
	t, err := m.get(sessionID, terminalID)
	if err != nil {
		return err
	}
	return t.WriteInput(data)
}

// Resize changes a terminal's window size.
func (m *Manager) Resize(sessionID, terminalID string, cols, rows uint16) error {
	t, err := m.get(sessionID, terminalID)
	if err != nil {
		return err
	}
	return t.Resize(cols, rows)
}

// Subscribe attaches an output listener to a terminal owned by sessionID.
func (m *Manager) Subscribe(sessionID, terminalID string) (*Terminal, []byte, <-chan []byte, func(), error) {
	t, err := m.get(sessionID, terminalID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	history, ch, cancel := t.Subscribe()
	return t, history, ch, cancel, nil
}

// Destroy kills one terminal owned by sessionID.
func (m *Manager) Destroy(sessionID, terminalID string) error {
	t, err := m.get(sessionID, terminalID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.terminals, terminalID)
	m.mu.Unlock()

	t.close()
	m.logger.Info().Str("terminal", terminalID).Msg("terminal destroyed")
	return nil
}

// ListFor returns the terminals owned by sessionID.
func (m *Manager) ListFor(sessionID string) []*Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Terminal
	for _, t := range m.terminals {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// DestroyAllFor kills every terminal owned by sessionID.
func (m *Manager) DestroyAllFor(sessionID string) {
	m.mu.Lock()
	var doomed []*Terminal
	for id, t := range m.terminals {
		if t.SessionID == sessionID {
			doomed = append(doomed, t)
			delete(m.terminals, id)
		}
	}
	m.mu.Unlock()

	for _, t := range doomed {
		t.close()
	}
	if len(doomed) > 0 {
		m.logger.Info().
			Str("session", sessionID).
			Int("count", len(doomed)).
			Msg("destroyed session terminals")
	}
}

// sweepWorker destroys terminals idle past the timeout.
func (m *Manager) sweepWorker() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var doomed []*Terminal
	for id, t := range m.terminals {
		if t.LastActivity().Before(cutoff) {
			doomed = append(doomed, t)
			delete(m.terminals, id)
		}
	}
	m.mu.Unlock()

	for _, t := range doomed {
		m.logger.Info().Str("terminal", t.ID).Msg("destroying idle terminal")
		t.close()
	}
}

// Close stops the sweeper and destroys all terminals.
func (m *Manager) Close() {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.Lock()
	doomed := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		doomed = append(doomed, t)
	}
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	for _, t := range doomed {
		t.close()
	}
}
