package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/auth"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/session"
	"github.com/agentdeck/agentdeck/terminal"
)

const (
	// outboundRingSize bounds the per-connection send queue. When the ring
	// is full, session events spill to the offline buffer instead.
	outboundRingSize = 256

	pingInterval = 30 * time.Second
)

// Client is one authenticated WebSocket connection. It routes client
// commands into the session manager and fans session and terminal events
// back out. Client implements session.Sink for its attached session.
type Client struct {
	sessions *session.Manager
	identity *auth.Identity
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send chan serverFrame

	mu          sync.Mutex
	entry       *session.Entry
	termCancels map[string]context.CancelFunc
}

func newClient(ctx context.Context, sessions *session.Manager, identity *auth.Identity) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		sessions:    sessions,
		identity:    identity,
		logger:      log.GetLogger("gateway"),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan serverFrame, outboundRingSize),
		termCancels: make(map[string]context.CancelFunc),
	}
}

// Deliver implements session.Sink. It never blocks: a full ring reports
// false and the session spills the event to its offline buffer.
func (c *Client) Deliver(sessionID, eventType string, payload json.RawMessage) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- serverFrame{Type: eventType, SessionID: sessionID, Data: payload}:
		return true
	default:
		return false
	}
}

// Replaced implements session.Sink: another client took over the session,
// so this connection closes cleanly.
func (c *Client) Replaced() {
	c.logger.Debug().Str("user", c.identity.Username).Msg("connection replaced by a newer client")
	c.cancel()
}

// enqueue queues a command reply, waiting for ring space if needed.
func (c *Client) enqueue(f serverFrame) {
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	}
}

// run drives the connection until the socket closes or the context ends.
func (c *Client) run(conn *websocket.Conn) {
	defer c.shutdown()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(conn)
	}()
	go func() {
		defer wg.Done()
		c.pingPump(conn)
	}()

	c.enqueue(newFrame(FrameConnected, "", struct {
		Username string `json:"username"`
	}{c.identity.Username}))

	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				c.logger.Debug().Str("user", c.identity.Username).Msg("websocket closed")
			} else if c.ctx.Err() == nil {
				c.logger.Info().Err(err).Str("user", c.identity.Username).Msg("websocket read error")
			}
			break
		}
		if msgType != websocket.MessageText {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(errorFrame(ErrKindValidation, "malformed frame"))
			continue
		}
		c.handleFrame(frame)
	}

	c.cancel()
	wg.Wait()
}

func (c *Client) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug().Err(err).Msg("websocket write failed")
				}
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(c.ctx); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// shutdown detaches from the session and stops terminal streams. The
// session and its terminals keep running; only this connection goes away.
func (c *Client) shutdown() {
	c.cancel()

	c.mu.Lock()
	entry := c.entry
	c.entry = nil
	cancels := c.termCancels
	c.termCancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	if entry != nil {
		c.sessions.Detach(entry, c)
	}
	for _, cancelSub := range cancels {
		cancelSub()
	}
}

func (c *Client) handleFrame(f clientFrame) {
	switch f.Type {
	case FrameCreateSession:
		c.handleCreateSession(f)
	case FrameJoinSession:
		c.handleJoinSession(f)
	case FrameListSessions:
		c.handleListSessions()
	case FrameRenameSession:
		c.handleRenameSession(f)
	case FrameDeleteSession:
		c.handleDeleteSession(f)
	case FrameResetSession:
		c.handleResetSession(f)
	case FrameMessage:
		c.handleMessage(f)
	case FrameCancel:
		c.handleCancel()
	case FramePermission:
		c.handlePermissionResponse(f)
	case FramePromptResponse:
		c.handlePromptResponse(f)
	case FrameExitPlanResponse:
		c.handleExitPlanResponse(f)
	case FrameSetMode:
		c.handleSetMode(f)
	case FrameSetWebSearch:
		c.handleSetWebSearch(f)
	case FrameListAgents:
		c.handleListAgents()
	case FrameTerminalCreate:
		c.handleTerminalCreate(f)
	case FrameTerminalInput:
		c.handleTerminalInput(f)
	case FrameTerminalResize:
		c.handleTerminalResize(f)
	case FrameTerminalClose:
		c.handleTerminalClose(f)
	default:
		c.enqueue(errorFrame(ErrKindValidation, "unknown frame type"))
	}
}

// activeEntry returns the session this connection is attached to.
func (c *Client) activeEntry() (*session.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return nil, false
	}
	return c.entry, true
}

// sendError maps an internal error to a typed error frame.
func (c *Client) sendError(err error) {
	switch {
	case errors.Is(err, session.ErrValidation), errors.Is(err, session.ErrCapacityExhausted):
		c.enqueue(errorFrame(ErrKindValidation, err.Error()))
	case errors.Is(err, session.ErrNotFound), errors.Is(err, terminal.ErrNotFound):
		c.enqueue(errorFrame(ErrKindNotFound, err.Error()))
	default:
		c.logger.Error().Err(err).Str("user", c.identity.Username).Msg("command failed")
		c.enqueue(errorFrame(ErrKindInternal, "internal error"))
	}
}

// attachTo makes entry this connection's active session. The joined frame
// enters the ring before Attach drains buffered events, so the client sees
// the acknowledgement, then the backlog, then live events.
func (c *Client) attachTo(entry *session.Entry, ackType string) {
	c.mu.Lock()
	prev := c.entry
	c.entry = entry
	c.mu.Unlock()

	if prev != nil && prev != entry {
		c.sessions.Detach(prev, c)
	}

	messages, err := c.sessions.Messages(entry)
	if err != nil {
		c.logger.Warn().Err(err).Str("session", entry.ID()).Msg("failed to load transcript")
	}

	c.enqueue(newFrame(ackType, entry.ID(), struct {
		Session  session.Snapshot `json:"session"`
		Messages any              `json:"messages"`
	}{entry.Snapshot(), messages}))

	if err := c.sessions.Attach(entry, c); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleCreateSession(f clientFrame) {
	entry, err := c.sessions.Create(c.identity, f.WorkingDir, f.Name)
	if err != nil {
		c.sendError(err)
		return
	}
	c.attachTo(entry, FrameSessionCreated)
}

func (c *Client) handleJoinSession(f clientFrame) {
	entry, err := c.sessions.Join(c.identity, f.SessionID)
	if err != nil {
		c.sendError(err)
		return
	}
	c.attachTo(entry, FrameSessionJoined)
}

func (c *Client) handleListSessions() {
	snapshots, err := c.sessions.List(c.identity)
	if err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(newFrame(FrameSessionsList, "", struct {
		Sessions []session.Snapshot `json:"sessions"`
	}{snapshots}))
}

func (c *Client) handleRenameSession(f clientFrame) {
	// Authorized against the store row: renaming a cold session must not
	// respawn its agent.
	if err := c.sessions.RenameByID(c.identity, f.SessionID, f.Name); err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(newFrame(FrameSessionRenamed, f.SessionID, struct {
		Name string `json:"name"`
	}{f.Name}))
}

func (c *Client) handleDeleteSession(f clientFrame) {
	if err := c.sessions.Authorize(c.identity, f.SessionID); err != nil {
		c.sendError(err)
		return
	}

	c.mu.Lock()
	if c.entry != nil && c.entry.ID() == f.SessionID {
		c.entry = nil
	}
	c.mu.Unlock()

	if err := c.sessions.Delete(f.SessionID); err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(newFrame(FrameSessionDeleted, f.SessionID, nil))
}

func (c *Client) handleResetSession(f clientFrame) {
	if err := c.sessions.Authorize(c.identity, f.SessionID); err != nil {
		c.sendError(err)
		return
	}

	c.mu.Lock()
	wasActive := c.entry != nil && c.entry.ID() == f.SessionID
	if wasActive {
		c.entry = nil
	}
	c.mu.Unlock()

	fresh, err := c.sessions.Reset(f.SessionID)
	if err != nil {
		c.sendError(err)
		return
	}

	if wasActive {
		c.attachTo(fresh, FrameSessionReset)
		return
	}
	c.enqueue(newFrame(FrameSessionReset, fresh.ID(), struct {
		Session session.Snapshot `json:"session"`
	}{fresh.Snapshot()}))
}

func (c *Client) handleMessage(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	if err := c.sessions.SendMessage(entry, f.Content); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleCancel() {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	if err := c.sessions.Interrupt(entry); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handlePermissionResponse(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	// Late or duplicate answers lose the race against the timeout; drop them
	entry.Supervisor().RespondPermission(f.RequestID, f.Behavior, f.UpdatedInput)
}

func (c *Client) handlePromptResponse(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	entry.Supervisor().RespondPrompt(f.RequestID, f.Answers)
}

func (c *Client) handleExitPlanResponse(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	entry.Supervisor().RespondExitPlan(f.RequestID, f.Approved)
}

func (c *Client) handleSetMode(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	if err := c.sessions.SetMode(entry, f.Mode); err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(newFrame(FrameModeChanged, entry.ID(), struct {
		Mode string `json:"mode"`
	}{f.Mode}))
}

func (c *Client) handleSetWebSearch(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	if err := c.sessions.SetWebSearch(entry, f.Enabled); err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(newFrame(FrameWebSearchChanged, entry.ID(), struct {
		Enabled bool `json:"enabled"`
	}{f.Enabled}))
}

func (c *Client) handleListAgents() {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	c.enqueue(newFrame(FrameAgentsList, entry.ID(), struct {
		Agents []session.AgentTask `json:"agents"`
	}{c.sessions.Agents(entry)}))
}

func (c *Client) handleTerminalCreate(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	snap := entry.Snapshot()

	term, err := c.sessions.Terminals().Create(entry.ID(), snap.WorkingDir, f.Name, terminal.SpawnOptions{
		UID:  c.identity.UID,
		GID:  c.identity.GID,
		Home: c.identity.Home,
		User: c.identity.Username,
	})
	if err != nil {
		c.sendError(err)
		return
	}
	if f.Cols > 0 && f.Rows > 0 {
		c.sessions.Terminals().Resize(entry.ID(), term.ID, uint16(f.Cols), uint16(f.Rows))
	}

	_, history, output, cancelSub, err := c.sessions.Terminals().Subscribe(entry.ID(), term.ID)
	if err != nil {
		c.sendError(err)
		return
	}

	subCtx, subCancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.termCancels[term.ID] = subCancel
	c.mu.Unlock()

	c.enqueue(newFrame(FrameTerminalCreated, entry.ID(), struct {
		TerminalID string `json:"terminalId"`
		Name       string `json:"name,omitempty"`
	}{term.ID, term.Name}))

	go c.pumpTerminal(subCtx, term, history, output, cancelSub)
}

// pumpTerminal streams one terminal's output to the client.
func (c *Client) pumpTerminal(ctx context.Context, term *terminal.Terminal, history []byte, output <-chan []byte, cancelSub func()) {
	defer cancelSub()

	if len(history) > 0 {
		c.enqueueTerminalData(term.ID, history)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-output:
			if !ok {
				return
			}
			c.enqueueTerminalData(term.ID, data)
		case <-term.Exited():
			c.enqueue(newFrame(FrameTerminalExit, term.SessionID, struct {
				TerminalID string `json:"terminalId"`
				ExitCode   int    `json:"exitCode"`
			}{term.ID, term.ExitCode()}))
			return
		}
	}
}

func (c *Client) enqueueTerminalData(terminalID string, data []byte) {
	c.enqueue(newFrame(FrameTerminalData, "", struct {
		TerminalID string `json:"terminalId"`
		Data       string `json:"data"`
	}{terminalID, base64.StdEncoding.EncodeToString(data)}))
}

func (c *Client) handleTerminalInput(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		c.enqueue(errorFrame(ErrKindValidation, "bad terminal input encoding"))
		return
	}
	if err := c.sessions.Terminals().Write(entry.ID(), f.TerminalID, data); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleTerminalResize(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	if f.Cols <= 0 || f.Rows <= 0 {
		c.enqueue(errorFrame(ErrKindValidation, "bad terminal size"))
		return
	}
	if err := c.sessions.Terminals().Resize(entry.ID(), f.TerminalID, uint16(f.Cols), uint16(f.Rows)); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleTerminalClose(f clientFrame) {
	entry, ok := c.activeEntry()
	if !ok {
		c.enqueue(errorFrame(ErrKindValidation, "no session joined"))
		return
	}
	if err := c.sessions.Terminals().Destroy(entry.ID(), f.TerminalID); err != nil {
		c.sendError(err)
		return
	}

	c.mu.Lock()
	if cancelSub, ok := c.termCancels[f.TerminalID]; ok {
		cancelSub()
		delete(c.termCancels, f.TerminalID)
	}
	c.mu.Unlock()

	c.enqueue(newFrame(FrameTerminalClosed, entry.ID(), struct {
		TerminalID string `json:"terminalId"`
	}{f.TerminalID}))
}
