package agent

import "encoding/json"

// Event is one entry in a supervisor's outbound stream. The set of
// variants is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// SystemInit is emitted once per spawn with the agent-assigned session id.
type SystemInit struct {
	AgentSessionID string
}

// AssistantStart marks the beginning of an assistant turn.
type AssistantStart struct{}

// TextChunk is a streamed fragment of assistant text.
type TextChunk struct {
	Text       string
	BlockIndex int
}

// ContentBlockStart opens a content block within the assistant turn.
type ContentBlockStart struct {
	Kind       string // "text" or "tool_use"
	BlockIndex int
	ToolName   string // set for tool_use blocks
	ToolUseID  string // set for tool_use blocks
}

// ContentBlockStop closes a content block.
type ContentBlockStop struct {
	BlockIndex int
}

// ToolUse reports a tool invocation observed in the assistant stream.
// Permission arbitration, if needed, arrives separately.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// PermissionRequest asks the human to allow or deny a tool call.
// It must be answered or it times out as deny.
type PermissionRequest struct {
	RequestID string
	ToolName  string
	Input     json.RawMessage
	ToolUseID string
}

// Question is one question inside an AskUserQuestion round-trip.
type Question struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

// AskUserQuestion asks the human one or more structured questions.
type AskUserQuestion struct {
	RequestID string
	ToolUseID string
	Questions []Question
}

// ExitPlanModeRequest asks the human to approve leaving plan mode.
type ExitPlanModeRequest struct {
	RequestID string
	Plan      string
}

// AgentStart reports that a sub-agent task began.
type AgentStart struct {
	TaskID      string
	Description string
	AgentType   string
	StartTime   int64
}

// Task status values.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskStopped   = "stopped"
)

// TaskNotification reports a sub-agent status change.
type TaskNotification struct {
	TaskID  string
	Status  string
	Summary string
}

// Result ends a conversational turn; FinalText is committed to the transcript.
type Result struct {
	FinalText string
}

// Complete follows Result once the turn is fully persisted.
type Complete struct{}

// Cancelled reports an interrupted turn; partial assistant text is discarded.
type Cancelled struct{}

// ErrorEvent reports an agent-level failure.
type ErrorEvent struct {
	Message string
	Code    string
	Stderr  []string // recent stderr lines, newest last
}

// StderrLine is transient diagnostic output; never buffered offline.
type StderrLine struct {
	Text string
}

// ProcessClosed reports that the agent process exited.
type ProcessClosed struct {
	ExitError string
}

// PermissionResolved records how a permission round-trip ended, so a
// detached client can see the outcome on reattach.
type PermissionResolved struct {
	RequestID string
	ToolName  string
	Behavior  string // "allow" or "deny"
	Reason    string
}

func (SystemInit) isEvent()          {}
func (AssistantStart) isEvent()      {}
func (TextChunk) isEvent()           {}
func (ContentBlockStart) isEvent()   {}
func (ContentBlockStop) isEvent()    {}
func (ToolUse) isEvent()             {}
func (PermissionRequest) isEvent()   {}
func (AskUserQuestion) isEvent()     {}
func (ExitPlanModeRequest) isEvent() {}
func (AgentStart) isEvent()          {}
func (TaskNotification) isEvent()    {}
func (Result) isEvent()              {}
func (Complete) isEvent()            {}
func (Cancelled) isEvent()           {}
func (ErrorEvent) isEvent()          {}
func (StderrLine) isEvent()          {}
func (ProcessClosed) isEvent()       {}
func (PermissionResolved) isEvent()  {}
