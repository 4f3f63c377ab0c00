package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/auth"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/store"
	"github.com/agentdeck/agentdeck/terminal"
)

// Error kinds surfaced to clients.
var (
	ErrValidation        = errors.New("validation error")
	ErrCapacityExhausted = errors.New("session capacity exhausted")
	ErrNotFound          = errors.New("session not found")
)

const idleSweepInterval = time.Minute

// bootstrapPrompt seeds a fresh session's transcript with project context.
const bootstrapPrompt = "Please read the README and any other markdown files in this directory and give me a brief summary of the project."

// Config tunes the session manager.
type Config struct {
	AgentCLI          string
	BootstrapPrompt   bool
	MaxSessions       int
	SessionTimeout    time.Duration
	PermissionTimeout time.Duration
	QuestionTimeout   time.Duration

	// TransportFactory overrides the subprocess transport in tests.
	TransportFactory agent.TransportFactory
}

// Manager orchestrates sessions: creation, recovery, attachment, policy
// mutations, offline buffering and lifecycle sweeps.
type Manager struct {
	store     *store.Store
	terminals *terminal.Manager
	cfg       Config
	logger    zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}
}

// NewManager creates a session manager and starts its idle sweeper.
func NewManager(st *store.Store, terminals *terminal.Manager, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     st,
		terminals: terminals,
		cfg:       cfg,
		logger:    log.GetLogger("session"),
		entries:   make(map[string]*Entry),
		ctx:       ctx,
		cancel:    cancel,
		sweepDone: make(chan struct{}),
	}
	go m.sweepWorker()
	return m
}

// Terminals returns the terminal manager serving this process.
func (m *Manager) Terminals() *terminal.Manager {
	return m.terminals
}

// Create validates the working directory, enforces the session cap, persists
// a new session row and spawns its supervisor.
func (m *Manager) Create(owner *auth.Identity, workingDir, name string) (*Entry, error) {
	workingDir = filepath.Clean(workingDir)

	if !filepath.IsAbs(workingDir) {
		return nil, fmt.Errorf("%w: working directory must be absolute", ErrValidation)
	}
	if !pathWithin(owner.Home, workingDir) {
		return nil, fmt.Errorf("%w: working directory must be under the home directory", ErrValidation)
	}
	info, err := os.Stat(workingDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory does not exist", ErrValidation)
	}

	if name == "" {
		name = filepath.Base(workingDir)
	}
	if len(name) > 100 {
		name = name[:100]
	}

	if err := m.enforceCapacity(); err != nil {
		return nil, err
	}

	sess := store.Session{
		ID:            uuid.New().String(),
		Name:          name,
		OwnerUsername: owner.Username,
		OwnerUID:      owner.UID,
		OwnerGID:      owner.GID,
		OwnerHome:     owner.Home,
		WorkingDir:    workingDir,
		Mode:          store.ModePlan,
	}
	if err := m.store.CreateSession(&sess); err != nil {
		return nil, err
	}

	entry, err := m.spawnEntry(sess, nil)
	if err != nil {
		m.store.DeleteSession(sess.ID)
		return nil, err
	}

	m.logger.Info().
		Str("session", sess.ID).
		Str("owner", owner.Username).
		Str("cwd", workingDir).
		Msg("session created")

	if m.cfg.BootstrapPrompt {
		if err := m.SendMessage(entry, bootstrapPrompt); err != nil {
			m.logger.Warn().Err(err).Str("session", sess.ID).Msg("bootstrap prompt failed")
		}
	}

	return entry, nil
}

// enforceCapacity terminates the oldest idle session when at the cap, or
// rejects with ErrCapacityExhausted when every session is mid-turn.
func (m *Manager) enforceCapacity() error {
	if m.cfg.MaxSessions <= 0 {
		return nil
	}

	active, err := m.store.ListActiveSessions()
	if err != nil {
		return err
	}
	if len(active) < m.cfg.MaxSessions {
		return nil
	}

	// Oldest activity first
	for i := len(active) - 1; i >= 0; i-- {
		candidate := active[i]

		m.mu.RLock()
		entry := m.entries[candidate.ID]
		m.mu.RUnlock()

		// A session without a live supervisor is idle by definition
		if entry != nil {
			state := entry.Supervisor().State()
			if state == agent.StateProcessing || state == agent.StateInterrupting {
				continue
			}
		}

		m.logger.Info().
			Str("session", candidate.ID).
			Msg("evicting oldest idle session for capacity")
		if err := m.Terminate(candidate.ID); err != nil {
			m.logger.Warn().Err(err).Str("session", candidate.ID).Msg("eviction failed")
			continue
		}
		return nil
	}

	return ErrCapacityExhausted
}

// spawnEntry materializes a supervisor for a session row and registers the
// in-memory entry. At most one live supervisor exists per session.
func (m *Manager) spawnEntry(sess store.Session, allowedTools []string) (*Entry, error) {
	entry := &Entry{
		manager:  m,
		sess:     sess,
		tasks:    make(map[string]*AgentTask),
		pumpDone: make(chan struct{}),
	}

	sup := agent.NewSupervisor(agent.Options{
		CLIPath:           m.cfg.AgentCLI,
		WorkingDir:        sess.WorkingDir,
		Resume:            sess.AgentSessionID,
		Mode:              sess.Mode,
		WebSearch:         sess.WebSearch,
		AllowedTools:      allowedTools,
		UID:               sess.OwnerUID,
		GID:               sess.OwnerGID,
		Home:              sess.OwnerHome,
		Username:          sess.OwnerUsername,
		PermissionTimeout: m.cfg.PermissionTimeout,
		QuestionTimeout:   m.cfg.QuestionTimeout,
		TransportFactory:  m.cfg.TransportFactory,
		OnAllowAll: func(toolName string) {
			if err := m.store.AllowTool(sess.ID, toolName); err != nil {
				m.logger.Error().Err(err).
					Str("session", sess.ID).
					Str("tool", toolName).
					Msg("failed to persist allowed tool")
			}
		},
		// A crashed agent only respawns while a client is watching
		Attached: entry.attached,
	})
	entry.sup = sup

	if err := sup.Start(m.ctx); err != nil {
		return nil, fmt.Errorf("agent spawn failed: %w", err)
	}

	m.mu.Lock()
	m.entries[sess.ID] = entry
	m.mu.Unlock()

	go entry.pump()
	entry.startWatcher()

	return entry, nil
}

// Join returns the live entry for a session, recovering it from the store
// when no supervisor is running. The caller's identity must own the session.
func (m *Manager) Join(owner *auth.Identity, id string) (*Entry, error) {
	m.mu.RLock()
	entry := m.entries[id]
	m.mu.RUnlock()

	if entry != nil {
		if entry.sess.OwnerUsername != owner.Username {
			return nil, ErrNotFound
		}
		return entry, nil
	}

	// Recover: only active rows come back after a restart
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, ErrNotFound
	}
	if !sess.IsActive || sess.OwnerUsername != owner.Username {
		return nil, ErrNotFound
	}

	allowedTools, err := m.store.AllowedToolsFor(id)
	if err != nil {
		return nil, err
	}

	entry, err = m.spawnEntry(*sess, allowedTools)
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("session", id).Msg("session recovered")
	return entry, nil
}

// Attach binds a sink to the entry, first flushing any events buffered
// while the session was detached. Buffered events enter the sink before any
// live event; a previously attached sink is dropped.
func (m *Manager) Attach(entry *Entry, sink Sink) error {
	entry.mu.Lock()
	prev := entry.sink
	entry.sink = sink

	complete, err := entry.drainBacklogLocked()
	if err != nil {
		entry.sink = prev
		entry.mu.Unlock()
		return err
	}
	// A sink that refused mid-drain stays backlogged: later events keep
	// buffering behind the undelivered tail until a drain catches up.
	entry.backlog = !complete
	entry.mu.Unlock()

	if prev != nil && prev != sink {
		prev.Replaced()
	}
	return nil
}

// Detach unbinds a sink; subsequent events buffer until the next attach.
func (m *Manager) Detach(entry *Entry, sink Sink) {
	entry.detach(sink)
}

// SendMessage appends the user message to the transcript, then feeds it to
// the agent. Persist-then-send: the transcript write always happens first.
func (m *Manager) SendMessage(entry *Entry, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}

	if err := m.store.AppendMessage(entry.sess.ID, store.RoleUser, text, 0); err != nil {
		return err
	}
	entry.touch()

	return entry.Supervisor().SendUserText(text)
}

// Interrupt aborts the session's current turn.
func (m *Manager) Interrupt(entry *Entry) error {
	return entry.Supervisor().Interrupt()
}

// Authorize confirms the owner controls the session without waking its
// agent. Sessions the owner does not control look nonexistent.
func (m *Manager) Authorize(owner *auth.Identity, id string) error {
	sess, err := m.store.GetSession(id)
	if err != nil || sess.OwnerUsername != owner.Username {
		return ErrNotFound
	}
	return nil
}

// Rename updates the session's label.
func (m *Manager) Rename(entry *Entry, name string) error {
	return m.rename(entry.sess.ID, name)
}

// RenameByID renames a session the owner controls. It works against the
// store row alone, so a cold session is not respawned just to rename it.
func (m *Manager) RenameByID(owner *auth.Identity, id, name string) error {
	if err := m.Authorize(owner, id); err != nil {
		return err
	}
	return m.rename(id, name)
}

func (m *Manager) rename(id, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrValidation)
	}
	if len(name) > 100 {
		return fmt.Errorf("%w: name too long", ErrValidation)
	}

	if err := m.store.UpdateSessionName(id, name); err != nil {
		return err
	}

	m.mu.RLock()
	entry := m.entries[id]
	m.mu.RUnlock()
	if entry != nil {
		entry.mu.Lock()
		entry.sess.Name = name
		entry.mu.Unlock()
	}
	return nil
}

// SetMode changes the permission mode, in memory, in the store and in the
// running agent.
func (m *Manager) SetMode(entry *Entry, mode string) error {
	switch mode {
	case store.ModeDefault, store.ModeAcceptEdits, store.ModePlan:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}

	if err := m.store.UpdateSessionMode(entry.sess.ID, mode); err != nil {
		return err
	}
	entry.mu.Lock()
	entry.sess.Mode = mode
	entry.mu.Unlock()

	return entry.Supervisor().SetMode(mode)
}

// SetWebSearch toggles web-search availability.
func (m *Manager) SetWebSearch(entry *Entry, enabled bool) error {
	if err := m.store.UpdateSessionWebSearch(entry.sess.ID, enabled); err != nil {
		return err
	}
	entry.mu.Lock()
	entry.sess.WebSearch = enabled
	entry.mu.Unlock()

	entry.Supervisor().SetWebSearch(enabled)
	return nil
}

// ClearAllowedTools revokes every allow-all grant for the session.
func (m *Manager) ClearAllowedTools(entry *Entry) error {
	if err := m.store.ClearAllowedTools(entry.sess.ID); err != nil {
		return err
	}
	entry.Supervisor().SetAllowedTools(nil)
	return nil
}

// List returns point-in-time snapshots of the owner's active sessions,
// newest activity first.
func (m *Manager) List(owner *auth.Identity) ([]Snapshot, error) {
	rows, err := m.store.ListActiveSessions()
	if err != nil {
		return nil, err
	}

	snapshots := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		if row.OwnerUsername != owner.Username {
			continue
		}

		m.mu.RLock()
		entry := m.entries[row.ID]
		m.mu.RUnlock()

		if entry != nil {
			snapshots = append(snapshots, entry.Snapshot())
			continue
		}

		count, _ := m.store.CountMessages(row.ID)
		snapshots = append(snapshots, Snapshot{
			ID:           row.ID,
			Name:         row.Name,
			WorkingDir:   row.WorkingDir,
			Mode:         row.Mode,
			WebSearch:    row.WebSearch,
			CreatedAt:    row.CreatedAt,
			LastActivity: row.LastActivity,
			MessageCount: count,
		})
	}
	return snapshots, nil
}

// Messages returns a session's transcript, oldest first.
func (m *Manager) Messages(entry *Entry) ([]*store.Message, error) {
	return m.store.LoadMessages(entry.sess.ID)
}

// Agents returns the subagent tasks the session's agent has spawned.
func (m *Manager) Agents(entry *Entry) []AgentTask {
	return entry.Agents()
}

// Terminate kills the supervisor and terminals, then soft-deletes the row.
// The transcript is retained.
func (m *Manager) Terminate(id string) error {
	m.teardown(id)

	if err := m.store.DeactivateSession(id); err != nil && err != store.ErrNotFound {
		return err
	}
	m.logger.Info().Str("session", id).Msg("session terminated")
	return nil
}

// Delete terminates the session and hard-deletes every row it owns.
func (m *Manager) Delete(id string) error {
	m.teardown(id)

	if err := m.store.DeleteSession(id); err != nil && err != store.ErrNotFound {
		return err
	}
	m.logger.Info().Str("session", id).Msg("session deleted")
	return nil
}

// Reset hard-deletes the session and creates a fresh one with the same
// name and working directory.
func (m *Manager) Reset(id string) (*Entry, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, ErrNotFound
	}

	owner := &auth.Identity{
		Username: sess.OwnerUsername,
		UID:      sess.OwnerUID,
		GID:      sess.OwnerGID,
		Home:     sess.OwnerHome,
	}
	name := sess.Name
	workingDir := sess.WorkingDir

	if err := m.Delete(id); err != nil {
		return nil, err
	}
	return m.Create(owner, workingDir, name)
}

// teardown removes the in-memory entry and stops everything it owns.
func (m *Manager) teardown(id string) {
	m.mu.Lock()
	entry := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if entry == nil {
		return
	}

	entry.stopWatcher()
	entry.Supervisor().Close()
	<-entry.pumpDone
	m.terminals.DestroyAllFor(id)
}

// sweepWorker terminates sessions idle past the session timeout.
func (m *Manager) sweepWorker() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	if m.cfg.SessionTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.SessionTimeout).UnixMilli()

	ids, err := m.store.ExpiredSessions(cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("idle sweep query failed")
		return
	}
	for _, id := range ids {
		m.logger.Info().Str("session", id).Msg("terminating idle session")
		if err := m.Terminate(id); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("idle termination failed")
		}
	}
}

// Close shuts down every session's supervisor. Rows stay active so users
// can rejoin after a restart; only explicit termination or the idle sweep
// deactivates a session.
func (m *Manager) Close() {
	m.cancel()
	<-m.sweepDone

	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.stopWatcher()
			e.Supervisor().Close()
			<-e.pumpDone
		}(entry)
	}
	wg.Wait()
}

// pathWithin reports whether target is home or inside it.
func pathWithin(home, target string) bool {
	home = filepath.Clean(home)
	target = filepath.Clean(target)
	if target == home {
		return true
	}
	return strings.HasPrefix(target, home+string(filepath.Separator))
}
