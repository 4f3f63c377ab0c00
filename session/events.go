package session

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/agent"
)

// Outbound event types delivered to clients or buffered offline.
const (
	EventMessageStart        = "message_start"
	EventTextChunk           = "text_chunk"
	EventContentBlockStart   = "content_block_start"
	EventContentBlockStop    = "content_block_stop"
	EventToolUse             = "tool_use"
	EventPermissionRequest   = "permission_request"
	EventAskUserQuestion     = "ask_user_question"
	EventExitPlanModeRequest = "exit_plan_mode_request"
	EventAgentStart          = "agent_start"
	EventTaskNotification    = "task_notification"
	EventResult              = "result"
	EventComplete            = "complete"
	EventCancelled           = "cancelled"
	EventError               = "error"
	EventStderr              = "stderr"
	EventProcessClosed       = "process_closed"
	EventPermissionResolved  = "permission_resolved"
	EventFilesChanged        = "files_changed"
)

// transientEvents are delivered to an attached client but never buffered
// for a detached one.
var transientEvents = map[string]bool{
	EventStderr:       true,
	EventFilesChanged: true,
}

// encodeEvent maps a supervisor event to its outbound type and JSON payload.
// Returns ok=false for events the manager consumes internally.
func encodeEvent(ev agent.Event) (eventType string, payload json.RawMessage, ok bool) {
	var body any

	switch e := ev.(type) {
	case agent.SystemInit:
		// Consumed by the manager to persist the resume id
		return "", nil, false

	case agent.AssistantStart:
		eventType = EventMessageStart
		body = struct{}{}

	case agent.TextChunk:
		eventType = EventTextChunk
		body = struct {
			Text       string `json:"text"`
			BlockIndex int    `json:"blockIndex"`
		}{e.Text, e.BlockIndex}

	case agent.ContentBlockStart:
		eventType = EventContentBlockStart
		body = struct {
			Kind       string `json:"kind"`
			BlockIndex int    `json:"blockIndex"`
			ToolName   string `json:"toolName,omitempty"`
			ToolUseID  string `json:"toolUseId,omitempty"`
		}{e.Kind, e.BlockIndex, e.ToolName, e.ToolUseID}

	case agent.ContentBlockStop:
		eventType = EventContentBlockStop
		body = struct {
			BlockIndex int `json:"blockIndex"`
		}{e.BlockIndex}

	case agent.ToolUse:
		eventType = EventToolUse
		body = struct {
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input,omitempty"`
		}{e.ID, e.Name, e.Input}

	case agent.PermissionRequest:
		eventType = EventPermissionRequest
		body = struct {
			RequestID string          `json:"requestId"`
			ToolName  string          `json:"toolName"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"toolUseId,omitempty"`
		}{e.RequestID, e.ToolName, e.Input, e.ToolUseID}

	case agent.AskUserQuestion:
		eventType = EventAskUserQuestion
		body = struct {
			RequestID string           `json:"requestId"`
			ToolUseID string           `json:"toolUseId,omitempty"`
			Questions []agent.Question `json:"questions"`
		}{e.RequestID, e.ToolUseID, e.Questions}

	case agent.ExitPlanModeRequest:
		eventType = EventExitPlanModeRequest
		body = struct {
			RequestID string `json:"requestId"`
			Plan      string `json:"plan,omitempty"`
		}{e.RequestID, e.Plan}

	case agent.AgentStart:
		eventType = EventAgentStart
		body = struct {
			TaskID      string `json:"taskId"`
			Description string `json:"description,omitempty"`
			AgentType   string `json:"agentType,omitempty"`
			StartTime   int64  `json:"startTime"`
		}{e.TaskID, e.Description, e.AgentType, e.StartTime}

	case agent.TaskNotification:
		eventType = EventTaskNotification
		body = struct {
			TaskID  string `json:"taskId"`
			Status  string `json:"status"`
			Summary string `json:"summary,omitempty"`
		}{e.TaskID, e.Status, e.Summary}

	case agent.Result:
		eventType = EventResult
		body = struct {
			FinalText string `json:"finalText"`
		}{e.FinalText}

	case agent.Complete:
		eventType = EventComplete
		body = struct{}{}

	case agent.Cancelled:
		eventType = EventCancelled
		body = struct{}{}

	case agent.ErrorEvent:
		eventType = EventError
		body = struct {
			Message string   `json:"message"`
			Code    string   `json:"code,omitempty"`
			Stderr  []string `json:"stderr,omitempty"`
		}{e.Message, e.Code, e.Stderr}

	case agent.StderrLine:
		eventType = EventStderr
		body = struct {
			Text string `json:"text"`
		}{e.Text}

	case agent.ProcessClosed:
		eventType = EventProcessClosed
		body = struct {
			ExitError string `json:"exitError,omitempty"`
		}{e.ExitError}

	case agent.PermissionResolved:
		eventType = EventPermissionResolved
		body = struct {
			RequestID string `json:"requestId"`
			ToolName  string `json:"toolName"`
			Behavior  string `json:"behavior"`
			Reason    string `json:"reason,omitempty"`
		}{e.RequestID, e.ToolName, e.Behavior, e.Reason}

	default:
		return "", nil, false
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, false
	}
	return eventType, data, true
}
