package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentdeck/agentdeck/log"
)

// Supervisor states.
type State int32

const (
	StateSpawning State = iota
	StateIdle
	StateProcessing
	StateInterrupting
	StateExited
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateInterrupting:
		return "interrupting"
	case StateExited:
		return "exited"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	initialRespawnBackoff = time.Second
	maxRespawnBackoff     = 30 * time.Second
	controlTimeout        = 10 * time.Second

	// healthyUptime is how long an incarnation must survive before earlier
	// crashes are forgiven and the respawn backoff resets.
	healthyUptime = time.Minute

	attachPollInterval = time.Second
)

// Options configures a Supervisor.
type Options struct {
	CLIPath      string
	WorkingDir   string
	Resume       string // agent session id to restore context from
	Mode         string
	WebSearch    bool
	AllowedTools []string

	// Owner identity the child runs as
	UID      int
	GID      int
	Home     string
	Username string

	PermissionTimeout time.Duration
	QuestionTimeout   time.Duration

	// TransportFactory defaults to NewSubprocessTransport
	TransportFactory TransportFactory

	// OnAllowAll is called when an allow_all decision promotes a tool
	// into the session's persistent allow-list.
	OnAllowAll func(toolName string)

	// Attached reports whether a client is watching the session. When set,
	// a crashed agent is only respawned while a client is attached.
	Attached func() bool
}

// Supervisor owns exactly one agent process for a session, translating its
// stream into typed events and commands into framed stdin writes. It
// respawns the child on crash with exponential backoff.
type Supervisor struct {
	opts    Options
	factory TransportFactory
	broker  *Broker

	events chan Event

	mu             sync.Mutex
	state          State
	transport      Transport
	agentSessionID string
	allowed        map[string]bool
	webSearch      bool
	mode           string
	lastExitErr    string

	// Outgoing control requests awaiting acks
	pendingResponses map[string]chan controlOutcome
	pendingMu        sync.Mutex
	requestCounter   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shuttingDown  atomic.Bool
	turnCompleted atomic.Bool
	closeOnce     sync.Once
}

type controlOutcome struct {
	response map[string]any
	err      error
}

// NewSupervisor creates a supervisor; call Start to spawn the agent.
func NewSupervisor(opts Options) *Supervisor {
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = 60 * time.Second
	}
	if opts.QuestionTimeout <= 0 {
		opts.QuestionTimeout = 120 * time.Second
	}
	factory := opts.TransportFactory
	if factory == nil {
		factory = NewSubprocessTransport
	}

	allowed := make(map[string]bool, len(opts.AllowedTools))
	for _, tool := range opts.AllowedTools {
		allowed[tool] = true
	}

	return &Supervisor{
		opts:             opts,
		factory:          factory,
		broker:           NewBroker(),
		events:           make(chan Event, 256),
		state:            StateSpawning,
		allowed:          allowed,
		webSearch:        opts.WebSearch,
		mode:             opts.Mode,
		agentSessionID:   opts.Resume,
		pendingResponses: make(map[string]chan controlOutcome),
	}
}

// Start spawns the agent process. A failed first spawn is returned to the
// caller; crashes after that are handled by the respawn loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.spawn(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run()
	return nil
}

// Events returns the supervisor's outbound event stream. The stream ends
// when Done is closed; the channel itself is never closed, so a racing
// emitter can never panic on it.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Done is closed when the supervisor shuts down. Consumers ranging over
// Events must also select on Done.
func (s *Supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AgentSessionID returns the agent-assigned session id, if observed.
func (s *Supervisor) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

// spawn starts a fresh transport for the current resume state.
func (s *Supervisor) spawn() error {
	s.mu.Lock()
	resume := s.agentSessionID
	mode := s.mode
	allowedTools := make([]string, 0, len(s.allowed))
	for tool := range s.allowed {
		allowedTools = append(allowedTools, tool)
	}
	var disallowed []string
	if !s.webSearch {
		disallowed = append(disallowed, "WebSearch")
	}
	s.state = StateSpawning
	s.mu.Unlock()

	env := map[string]string{}
	if s.opts.Home != "" {
		env["HOME"] = s.opts.Home
	}
	if s.opts.Username != "" {
		env["USER"] = s.opts.Username
	}

	transport, err := s.factory(TransportOptions{
		CLIPath:         s.opts.CLIPath,
		Cwd:             s.opts.WorkingDir,
		Resume:          resume,
		PermissionMode:  mode,
		AllowedTools:    allowedTools,
		DisallowedTools: disallowed,
		UID:             s.opts.UID,
		GID:             s.opts.GID,
		Env:             env,
	})
	if err != nil {
		return err
	}

	if err := transport.Connect(s.ctx); err != nil {
		transport.Close()
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.state = StateIdle
	s.mu.Unlock()
	return nil
}

// run pumps messages from the current transport and respawns on exit.
func (s *Supervisor) run() {
	defer s.wg.Done()

	backoff := initialRespawnBackoff

	for {
		transport := s.currentTransport()
		started := time.Now()
		s.pump(transport)

		if s.shuttingDown.Load() || s.ctx.Err() != nil {
			return
		}

		// Process died outside shutdown
		s.setState(StateExited)
		s.broker.ResolveAll(Decision{Behavior: BehaviorDeny, Reason: "agent process exited"})

		s.mu.Lock()
		exitErr := s.lastExitErr
		s.lastExitErr = ""
		s.mu.Unlock()

		s.emit(ProcessClosed{ExitError: exitErr})
		s.emit(ErrorEvent{
			Message: "agent process exited unexpectedly",
			Code:    "agent_crash",
			Stderr:  transport.StderrTail(),
		})

		// An incarnation that crashed before finishing a turn does not
		// forgive the crash loop; the delay keeps escalating.
		if resetBackoff(s.turnCompleted.Swap(false), time.Since(started)) {
			backoff = initialRespawnBackoff
		}

		// A detached session stays exited until someone is watching
		for s.opts.Attached != nil && !s.opts.Attached() {
			select {
			case <-time.After(attachPollInterval):
			case <-s.ctx.Done():
				return
			}
		}

		spawned := false
		for !spawned {
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}

			err := s.spawn()
			if err == nil {
				spawned = true
				break
			}

			log.Error().Err(err).Dur("backoff", backoff).Msg("agent respawn failed")

			if backoff >= maxRespawnBackoff {
				s.setState(StateDead)
				s.emit(ErrorEvent{
					Message: "agent could not be restarted: " + err.Error(),
					Code:    "agent_dead",
				})
				return
			}

			backoff = nextBackoff(backoff)
			s.emit(ErrorEvent{
				Message: "agent respawn failed: " + err.Error(),
				Code:    "spawn_failure",
			})
		}

		// A crash loop backs off even when spawning itself succeeds
		backoff = nextBackoff(backoff)
	}
}

// resetBackoff reports whether a finished incarnation was healthy enough
// to forgive earlier crashes.
func resetBackoff(completedTurn bool, uptime time.Duration) bool {
	return completedTurn || uptime >= healthyUptime
}

func nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > maxRespawnBackoff {
		backoff = maxRespawnBackoff
	}
	return backoff
}

// pump routes messages from one transport incarnation until it exits.
func (s *Supervisor) pump(transport Transport) {
	stderr := transport.StderrLines()

	for {
		select {
		case <-s.ctx.Done():
			return

		case data, ok := <-transport.ReadMessages():
			if !ok {
				return
			}
			s.route(data)

		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			s.emit(StderrLine{Text: line})

		case err, ok := <-transport.Errors():
			if !ok {
				continue
			}
			log.Error().Err(err).Msg("agent transport error")
			s.mu.Lock()
			s.lastExitErr = err.Error()
			s.mu.Unlock()
		}
	}
}

// route dispatches one stdout JSON object.
func (s *Supervisor) route(data []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		log.Debug().Err(err).Msg("failed to parse agent message")
		return
	}

	switch base.Type {
	case "control_response":
		s.handleControlResponse(data)

	case "control_request":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleControlRequest(data)
		}()

	default:
		for _, ev := range parseMessage(data) {
			s.applyAndEmit(ev)
		}
	}
}

// applyAndEmit applies state side effects before forwarding an event.
func (s *Supervisor) applyAndEmit(ev Event) {
	switch e := ev.(type) {
	case SystemInit:
		s.mu.Lock()
		s.agentSessionID = e.AgentSessionID
		s.mu.Unlock()

	case Result:
		s.turnCompleted.Store(true)
		s.setState(StateIdle)

	case ErrorEvent:
		s.setState(StateIdle)
	}

	s.emit(ev)
}

// emit forwards an event to the consumer, blocking until accepted or shutdown.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// SendUserText enqueues one user message into the agent's stdin stream.
// The message must already be persisted by the caller.
func (s *Supervisor) SendUserText(text string) error {
	s.mu.Lock()
	transport := s.transport
	sessionID := s.agentSessionID
	if s.state == StateDead {
		s.mu.Unlock()
		return fmt.Errorf("agent is dead")
	}
	s.state = StateProcessing
	s.mu.Unlock()

	if sessionID == "" {
		sessionID = "default"
	}

	message := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"parent_tool_use_id": nil,
		"session_id":         sessionID,
	}

	msgJSON, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}

	if err := transport.Write(string(msgJSON) + "\n"); err != nil {
		s.setState(StateIdle)
		return err
	}
	return nil
}

// Interrupt aborts the current turn. A no-op when no turn is in flight.
func (s *Supervisor) Interrupt() error {
	s.mu.Lock()
	if s.state != StateProcessing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateInterrupting
	s.mu.Unlock()

	// Any in-flight permission round-trip resolves as deny immediately
	s.broker.ResolveAll(Decision{Behavior: BehaviorDeny, Reason: "interrupted"})

	_, err := s.sendControlRequest(map[string]any{"subtype": "interrupt"}, controlTimeout)

	s.setState(StateIdle)
	s.emit(Cancelled{})
	return err
}

// RespondPermission answers a pending permission request. First answer wins.
func (s *Supervisor) RespondPermission(requestID, behavior string, updatedInput json.RawMessage) bool {
	return s.broker.Resolve(requestID, Decision{
		Behavior:     behavior,
		UpdatedInput: updatedInput,
	})
}

// RespondPrompt answers a pending AskUserQuestion round-trip.
func (s *Supervisor) RespondPrompt(requestID string, answers json.RawMessage) bool {
	return s.broker.Resolve(requestID, Decision{
		Behavior:     BehaviorAllow,
		UpdatedInput: answers,
	})
}

// RespondExitPlan answers a pending exit-plan-mode request.
func (s *Supervisor) RespondExitPlan(requestID string, approved bool) bool {
	if approved {
		return s.broker.Resolve(requestID, Decision{Behavior: BehaviorAllow})
	}
	return s.broker.Resolve(requestID, Decision{Behavior: BehaviorDeny, Reason: "plan rejected"})
}

// SetMode changes the permission mode mid-session.
func (s *Supervisor) SetMode(mode string) error {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()

	_, err := s.sendControlRequest(map[string]any{
		"subtype": "set_permission_mode",
		"mode":    mode,
	}, controlTimeout)
	return err
}

// SetWebSearch toggles web-search availability for subsequent tool calls.
func (s *Supervisor) SetWebSearch(enabled bool) {
	s.mu.Lock()
	s.webSearch = enabled
	s.mu.Unlock()
}

// SetAllowedTools replaces the pre-approved tool set.
func (s *Supervisor) SetAllowedTools(tools []string) {
	allowed := make(map[string]bool, len(tools))
	for _, tool := range tools {
		allowed[tool] = true
	}
	s.mu.Lock()
	s.allowed = allowed
	s.mu.Unlock()
}

// AllowTool adds one tool to the pre-approved set.
func (s *Supervisor) AllowTool(tool string) {
	s.mu.Lock()
	s.allowed[tool] = true
	s.mu.Unlock()
}

// PendingPermissionIDs returns unanswered permission request ids.
func (s *Supervisor) PendingPermissionIDs() []string {
	return s.broker.PendingIDs()
}

// Close terminates the agent process and ends the event stream. The events
// channel is left open: Interrupt and other callers may still be emitting,
// and their sends resolve against the cancelled context instead.
func (s *Supervisor) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.shuttingDown.Store(true)

		transport := s.currentTransport()
		if transport != nil {
			transport.SignalShutdown()
		}

		s.broker.ResolveAll(Decision{Behavior: BehaviorDeny, Reason: "shutting down"})

		if s.cancel != nil {
			s.cancel()
		}
		if transport != nil {
			closeErr = transport.Close()
		}

		s.wg.Wait()
	})
	return closeErr
}

func (s *Supervisor) currentTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) isAllowed(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed[tool]
}

func (s *Supervisor) webSearchEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webSearch
}

// handleControlRequest processes an incoming control request from the agent.
func (s *Supervisor) handleControlRequest(data []byte) {
	var req struct {
		RequestID string          `json:"request_id"`
		Request   json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		log.Debug().Err(err).Msg("failed to parse control request")
		return
	}

	var body struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(req.Request, &body); err != nil {
		return
	}

	switch body.Subtype {
	case "can_use_tool":
		s.handleCanUseTool(req.RequestID, req.Request)
	default:
		s.sendControlResponse(req.RequestID, nil, fmt.Errorf("unknown control request subtype: %s", body.Subtype))
	}
}

// handleCanUseTool arbitrates one tool-permission round-trip. The agent
// blocks on the control_response, which enforces turn ordering.
func (s *Supervisor) handleCanUseTool(requestID string, request json.RawMessage) {
	var req struct {
		ToolName  string          `json:"tool_name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
	}
	if err := json.Unmarshal(request, &req); err != nil {
		s.sendControlResponse(requestID, nil, fmt.Errorf("malformed can_use_tool request"))
		return
	}

	if req.ToolName == "WebSearch" && !s.webSearchEnabled() {
		s.sendControlResponse(requestID, denyResponse("web search is disabled"), nil)
		s.emit(PermissionResolved{
			RequestID: requestID,
			ToolName:  req.ToolName,
			Behavior:  BehaviorDeny,
			Reason:    "web search is disabled",
		})
		return
	}

	// Pre-allowed tools skip the human entirely
	if s.isAllowed(req.ToolName) {
		s.sendControlResponse(requestID, allowResponse(req.Input), nil)
		return
	}

	timeout := s.opts.PermissionTimeout
	var ev Event
	switch req.ToolName {
	case "AskUserQuestion":
		timeout = s.opts.QuestionTimeout
		var input struct {
			Questions []Question `json:"questions"`
		}
		json.Unmarshal(req.Input, &input)
		ev = AskUserQuestion{
			RequestID: requestID,
			ToolUseID: req.ToolUseID,
			Questions: input.Questions,
		}

	case "ExitPlanMode":
		var input struct {
			Plan string `json:"plan"`
		}
		json.Unmarshal(req.Input, &input)
		ev = ExitPlanModeRequest{RequestID: requestID, Plan: input.Plan}

	default:
		ev = PermissionRequest{
			RequestID: requestID,
			ToolName:  req.ToolName,
			Input:     req.Input,
			ToolUseID: req.ToolUseID,
		}
	}

	ch := s.broker.Register(requestID, req.ToolName)
	defer s.broker.Remove(requestID)

	s.emit(ev)

	var decision Decision
	select {
	case decision = <-ch:

	case <-time.After(timeout):
		decision = Decision{Behavior: BehaviorDeny, Reason: "permission request timed out"}

	case <-s.ctx.Done():
		s.sendControlResponse(requestID, denyResponse("shutting down"), nil)
		return
	}

	behavior := decision.Behavior
	if behavior == BehaviorAllowAll {
		s.AllowTool(req.ToolName)
		if cb := s.opts.OnAllowAll; cb != nil {
			cb(req.ToolName)
		}
		// Cover other requests for the same tool already waiting
		s.broker.ResolveAllForTool(req.ToolName, Decision{Behavior: BehaviorAllow})
		behavior = BehaviorAllow
	}

	if behavior == BehaviorDeny {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by user"
		}
		s.sendControlResponse(requestID, denyResponse(reason), nil)
		s.emit(PermissionResolved{
			RequestID: requestID,
			ToolName:  req.ToolName,
			Behavior:  BehaviorDeny,
			Reason:    reason,
		})
		return
	}

	input := decision.UpdatedInput
	if input == nil {
		input = req.Input
	}
	s.sendControlResponse(requestID, allowResponse(input), nil)
	s.emit(PermissionResolved{
		RequestID: requestID,
		ToolName:  req.ToolName,
		Behavior:  BehaviorAllow,
	})
}

func allowResponse(input json.RawMessage) map[string]any {
	resp := map[string]any{"behavior": "allow"}
	if len(input) > 0 {
		resp["updatedInput"] = input
	} else {
		resp["updatedInput"] = map[string]any{}
	}
	return resp
}

func denyResponse(message string) map[string]any {
	return map[string]any{
		"behavior": "deny",
		"message":  message,
	}
}

// sendControlResponse writes a control_response frame to the agent's stdin.
func (s *Supervisor) sendControlResponse(requestID string, responseData map[string]any, respErr error) {
	response := map[string]any{"type": "control_response"}
	inner := map[string]any{"request_id": requestID}
	if respErr != nil {
		inner["subtype"] = "error"
		inner["error"] = respErr.Error()
	} else {
		inner["subtype"] = "success"
		inner["response"] = responseData
	}
	response["response"] = inner

	respJSON, err := json.Marshal(response)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal control response")
		return
	}

	transport := s.currentTransport()
	if transport == nil {
		return
	}
	if err := transport.Write(string(respJSON) + "\n"); err != nil {
		log.Error().Err(err).Msg("failed to send control response")
	}
}

// sendControlRequest sends a control request and waits for its ack.
func (s *Supervisor) sendControlRequest(request map[string]any, timeout time.Duration) (map[string]any, error) {
	requestID := s.generateRequestID()

	ch := make(chan controlOutcome, 1)
	s.pendingMu.Lock()
	s.pendingResponses[requestID] = ch
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pendingResponses, requestID)
		s.pendingMu.Unlock()
	}()

	controlRequest := map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    request,
	}

	reqJSON, err := json.Marshal(controlRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal control request: %w", err)
	}

	transport := s.currentTransport()
	if transport == nil {
		return nil, ErrNotConnected
	}
	if err := transport.Write(string(reqJSON) + "\n"); err != nil {
		return nil, err
	}

	select {
	case outcome := <-ch:
		return outcome.response, outcome.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("control request %s timed out", requestID)
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// handleControlResponse routes an ack to its waiting caller.
func (s *Supervisor) handleControlResponse(data []byte) {
	var resp struct {
		Response struct {
			Subtype   string         `json:"subtype"`
			RequestID string         `json:"request_id"`
			Response  map[string]any `json:"response,omitempty"`
			Error     string         `json:"error,omitempty"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Debug().Err(err).Msg("failed to parse control response")
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pendingResponses[resp.Response.RequestID]
	if ok {
		delete(s.pendingResponses, resp.Response.RequestID)
	}
	s.pendingMu.Unlock()

	if !ok {
		log.Debug().Str("requestId", resp.Response.RequestID).Msg("control response for unknown request")
		return
	}

	if resp.Response.Subtype == "error" {
		ch <- controlOutcome{err: fmt.Errorf("%s", resp.Response.Error)}
		return
	}
	ch <- controlOutcome{response: resp.Response.Response}
}

func (s *Supervisor) generateRequestID() string {
	counter := s.requestCounter.Add(1)
	randBytes := make([]byte, 4)
	rand.Read(randBytes)
	return fmt.Sprintf("req_%d_%s", counter, hex.EncodeToString(randBytes))
}
