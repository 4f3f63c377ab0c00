package session

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/store"
)

// Sink receives outbound events for an attached client. Deliver returns
// false when the client cannot accept more; the entry then spills the event
// to the offline buffer. Replaced is called when another client attaches.
type Sink interface {
	Deliver(sessionID, eventType string, payload json.RawMessage) bool
	Replaced()
}

// Snapshot is a point-in-time view of a session for list responses.
type Snapshot struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	WorkingDir   string `json:"workingDir"`
	Mode         string `json:"mode"`
	WebSearch    bool   `json:"webSearch"`
	Processing   bool   `json:"processing"`
	Attached     bool   `json:"attached"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
	MessageCount int    `json:"messageCount"`
}

// AgentTask is a subagent task the session's agent has spawned.
type AgentTask struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	AgentType   string `json:"agentType,omitempty"`
	Status      string `json:"status"`
	Summary     string `json:"summary,omitempty"`
	StartTime   int64  `json:"startTime"`
}

// Entry is one live session: persisted metadata plus its supervisor,
// attachment state and in-flight assistant buffer.
type Entry struct {
	manager *Manager

	mu      sync.Mutex
	sess    store.Session
	sup     *agent.Supervisor
	sink    Sink
	backlog bool // buffered events exist that must precede live delivery
	buffer  strings.Builder
	tasks   map[string]*AgentTask

	watcher   *fsnotify.Watcher
	watchStop chan struct{}

	pumpDone chan struct{}
}

// ID returns the session id.
func (e *Entry) ID() string {
	return e.sess.ID
}

// Supervisor returns the entry's agent supervisor.
func (e *Entry) Supervisor() *agent.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

// Snapshot captures the entry state under lock, avoiding torn reads.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	sess := e.sess
	sup := e.sup
	attached := e.sink != nil
	e.mu.Unlock()

	processing := false
	if sup != nil {
		state := sup.State()
		processing = state == agent.StateProcessing || state == agent.StateInterrupting
	}

	count, err := e.manager.store.CountMessages(sess.ID)
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("failed to count messages")
	}

	return Snapshot{
		ID:           sess.ID,
		Name:         sess.Name,
		WorkingDir:   sess.WorkingDir,
		Mode:         sess.Mode,
		WebSearch:    sess.WebSearch,
		Processing:   processing,
		Attached:     attached,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		MessageCount: count,
	}
}

// Agents returns the session's subagent tasks, oldest first.
func (e *Entry) Agents() []AgentTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]AgentTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

// attached reports whether a client sink is bound to the session.
func (e *Entry) attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink != nil
}

// detach clears the sink if it is still the given one.
func (e *Entry) detach(sink Sink) {
	e.mu.Lock()
	if e.sink == sink {
		e.sink = nil
		e.backlog = false
	}
	e.mu.Unlock()
}

// pump consumes the supervisor's event stream until shutdown.
func (e *Entry) pump() {
	defer close(e.pumpDone)

	for {
		select {
		case ev, ok := <-e.sup.Events():
			if !ok {
				return
			}
			e.handleEvent(ev)
		case <-e.sup.Done():
			return
		}
	}
}

// handleEvent applies persistence side effects, then forwards or buffers.
func (e *Entry) handleEvent(ev agent.Event) {
	switch evt := ev.(type) {
	case agent.SystemInit:
		e.mu.Lock()
		changed := e.sess.AgentSessionID != evt.AgentSessionID
		e.sess.AgentSessionID = evt.AgentSessionID
		e.mu.Unlock()
		if changed {
			if err := e.manager.store.UpdateSessionAgentID(e.sess.ID, evt.AgentSessionID); err != nil {
				log.Error().Err(err).Str("session", e.sess.ID).Msg("failed to persist agent session id")
			}
		}
		return

	case agent.TextChunk:
		e.mu.Lock()
		e.buffer.WriteString(evt.Text)
		e.mu.Unlock()
		e.touch()

	case agent.Result:
		// Commit the assistant turn before anything downstream of it
		e.mu.Lock()
		text := evt.FinalText
		if text == "" {
			text = e.buffer.String()
		}
		e.buffer.Reset()
		e.mu.Unlock()

		if text != "" {
			if err := e.manager.store.AppendMessage(e.sess.ID, store.RoleAssistant, text, 0); err != nil {
				log.Error().Err(err).Str("session", e.sess.ID).Msg("failed to persist assistant message")
			}
		}
		e.touch()

		e.forwardEvent(ev)
		// complete follows the committed result
		e.forwardEvent(agent.Complete{})
		return

	case agent.AgentStart:
		e.mu.Lock()
		e.tasks[evt.TaskID] = &AgentTask{
			ID:          evt.TaskID,
			Description: evt.Description,
			AgentType:   evt.AgentType,
			Status:      agent.TaskRunning,
			StartTime:   evt.StartTime,
		}
		e.mu.Unlock()

	case agent.TaskNotification:
		e.mu.Lock()
		if task, ok := e.tasks[evt.TaskID]; ok {
			task.Status = evt.Status
			if evt.Summary != "" {
				task.Summary = evt.Summary
			}
		}
		e.mu.Unlock()

	case agent.Cancelled, agent.ErrorEvent:
		// Partial assistant text is not a committed turn
		e.mu.Lock()
		e.buffer.Reset()
		e.mu.Unlock()
		e.touch()
	}

	e.forwardEvent(ev)
}

// forwardEvent delivers one event to the attached client, or buffers it
// for the next attach when the session is detached or the client is slow.
func (e *Entry) forwardEvent(ev agent.Event) {
	eventType, payload, ok := encodeEvent(ev)
	if !ok {
		return
	}
	e.deliver(eventType, payload)
}

// deliver holds the entry lock end to end so an in-progress attach cannot
// interleave live events ahead of the drained backlog. Once an event has
// spilled to the buffer, newer events follow it there until the backlog is
// fully drained; live delivery never overtakes a buffered event.
func (e *Entry) deliver(eventType string, payload json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sink != nil {
		if e.backlog {
			complete, err := e.drainBacklogLocked()
			if err != nil {
				log.Error().Err(err).Str("session", e.sess.ID).Msg("failed to load buffered events")
			}
			e.backlog = !complete
		}
		if !e.backlog && e.sink.Deliver(e.sess.ID, eventType, payload) {
			return
		}
	}
	if transientEvents[eventType] {
		return
	}
	if _, err := e.manager.store.EnqueueEvent(e.sess.ID, eventType, string(payload)); err != nil {
		log.Error().Err(err).Str("session", e.sess.ID).Str("type", eventType).Msg("failed to buffer event")
		return
	}
	if e.sink != nil {
		e.backlog = true
	}
}

// drainBacklogLocked flushes buffered events into the sink in order and
// purges what was delivered. Reports whether the backlog fully drained.
// The caller holds e.mu and has set e.sink.
func (e *Entry) drainBacklogLocked() (bool, error) {
	drained, err := e.manager.store.DrainEvents(e.sess.ID)
	if err != nil {
		return false, err
	}

	var lastSeq int64
	complete := true
	for _, pe := range drained {
		if !e.sink.Deliver(e.sess.ID, pe.Type, json.RawMessage(pe.Payload)) {
			complete = false
			break
		}
		lastSeq = pe.Seq
	}
	if lastSeq > 0 {
		if err := e.manager.store.PurgeEvents(e.sess.ID, lastSeq); err != nil {
			log.Error().Err(err).Str("session", e.sess.ID).Msg("failed to purge drained events")
		}
	}
	return complete, nil
}

// touch bumps last activity in memory and in the store.
func (e *Entry) touch() {
	now := time.Now().UnixMilli()

	e.mu.Lock()
	if now > e.sess.LastActivity {
		e.sess.LastActivity = now
	}
	e.mu.Unlock()

	if err := e.manager.store.TouchSession(e.sess.ID, now); err != nil {
		log.Warn().Err(err).Str("session", e.sess.ID).Msg("failed to touch session")
	}
}

// startWatcher watches the working directory and forwards debounced change
// hints to the attached client. Hints are transient and never buffered.
func (e *Entry) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Str("session", e.sess.ID).Msg("failed to create file watcher")
		return
	}
	if err := watcher.Add(e.sess.WorkingDir); err != nil {
		log.Warn().Err(err).Str("dir", e.sess.WorkingDir).Msg("failed to watch working directory")
		watcher.Close()
		return
	}

	e.watcher = watcher
	e.watchStop = make(chan struct{})

	go func() {
		const debounce = 500 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time
		changed := make(map[string]bool)

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				changed[event.Name] = true
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}

			case <-timerC:
				paths := make([]string, 0, len(changed))
				for p := range changed {
					paths = append(paths, p)
				}
				changed = make(map[string]bool)
				timer = nil
				timerC = nil

				payload, _ := json.Marshal(struct {
					Paths []string `json:"paths"`
				}{paths})
				e.deliver(EventFilesChanged, payload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Str("session", e.sess.ID).Msg("file watcher error")

			case <-e.watchStop:
				return
			}
		}
	}()
}

// stopWatcher shuts down the working-directory watcher.
func (e *Entry) stopWatcher() {
	if e.watcher != nil {
		close(e.watchStop)
		e.watcher.Close()
		e.watcher = nil
	}
}
