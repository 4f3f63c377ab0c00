package gateway

import "encoding/json"

// Client to server frame types.
const (
	FrameCreateSession    = "create_session"
	FrameJoinSession      = "join_session"
	FrameListSessions     = "list_sessions"
	FrameRenameSession    = "rename_session"
	FrameDeleteSession    = "delete_session"
	FrameResetSession     = "reset_session"
	FrameMessage          = "message"
	FrameCancel           = "cancel"
	FramePromptResponse   = "prompt_response"
	FramePermission       = "permission_response"
	FrameExitPlanResponse = "exit_plan_mode_response"
	FrameSetMode          = "set_mode"
	FrameSetWebSearch     = "set_web_search"
	FrameListAgents       = "list_agents"
	FrameTerminalCreate   = "terminal_create"
	FrameTerminalInput    = "terminal_input"
	FrameTerminalResize   = "terminal_resize"
	FrameTerminalClose    = "terminal_close"
)

// Server to client frame types. Session events pass through with the
// event's own type; these cover command replies and terminal traffic.
const (
	FrameConnected        = "connected"
	FrameError            = "error"
	FrameSessionCreated   = "session_created"
	FrameSessionJoined    = "session_joined"
	FrameSessionsList     = "sessions_list"
	FrameSessionRenamed   = "session_renamed"
	FrameSessionDeleted   = "session_deleted"
	FrameSessionReset     = "session_reset"
	FrameModeChanged      = "mode_changed"
	FrameWebSearchChanged = "web_search_changed"
	FrameAgentsList       = "agents_list"
	FrameTerminalCreated  = "terminal_created"
	FrameTerminalData     = "terminal_data"
	FrameTerminalExit     = "terminal_exit"
	FrameTerminalClosed   = "terminal_closed"
)

// Error kinds carried on error frames.
const (
	ErrKindValidation = "validation"
	ErrKindNotFound   = "not_found"
	ErrKindInternal   = "internal"
)

// clientFrame is the tagged union of everything a client may send. Only
// the fields relevant to the given type are populated.
type clientFrame struct {
	Type string `json:"type"`

	SessionID  string `json:"sessionId,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Name       string `json:"name,omitempty"`

	Content string `json:"content,omitempty"`

	RequestID    string          `json:"requestId,omitempty"`
	Behavior     string          `json:"behavior,omitempty"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Answers      json.RawMessage `json:"answers,omitempty"`
	Approved     bool            `json:"approved,omitempty"`

	Mode    string `json:"mode,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`

	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"` // base64 terminal bytes
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// serverFrame is one outbound message. Data carries the type-specific
// payload already marshalled.
type serverFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func newFrame(frameType, sessionID string, body any) serverFrame {
	var data json.RawMessage
	if body != nil {
		data, _ = json.Marshal(body)
	}
	return serverFrame{Type: frameType, SessionID: sessionID, Data: data}
}

func errorFrame(kind, message string) serverFrame {
	return newFrame(FrameError, "", struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}{kind, message})
}
