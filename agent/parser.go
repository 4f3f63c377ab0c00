package agent

import (
	"encoding/json"
	"time"

	"github.com/agentdeck/agentdeck/log"
)

// parseMessage translates one stdout JSON object into zero or more events.
// Control frames (control_request / control_response) are routed before
// this point and never reach the parser.
func parseMessage(data []byte) []Event {
	var base struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		log.Debug().Err(err).Msg("failed to parse agent message type")
		return nil
	}

	switch base.Type {
	case "system":
		return parseSystem(base.Subtype, data)
	case "stream_event":
		return parseStreamEvent(data)
	case "assistant":
		return parseAssistant(data)
	case "result":
		return parseResult(base.Subtype, data)
	default:
		return nil
	}
}

func parseSystem(subtype string, data []byte) []Event {
	switch subtype {
	case "init":
		var msg struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
			return nil
		}
		return []Event{SystemInit{AgentSessionID: msg.SessionID}}

	case "task_notification":
		var msg struct {
			TaskID  string `json:"task_id"`
			Status  string `json:"status"`
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		return []Event{TaskNotification{TaskID: msg.TaskID, Status: msg.Status, Summary: msg.Summary}}
	}
	return nil
}

func parseStreamEvent(data []byte) []Event {
	var msg struct {
		Event struct {
			Type         string `json:"type"`
			Index        int    `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}

	ev := msg.Event
	switch ev.Type {
	case "message_start":
		return []Event{AssistantStart{}}

	case "content_block_start":
		return []Event{ContentBlockStart{
			Kind:       ev.ContentBlock.Type,
			BlockIndex: ev.Index,
			ToolName:   ev.ContentBlock.Name,
			ToolUseID:  ev.ContentBlock.ID,
		}}

	case "content_block_delta":
		if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return nil
		}
		return []Event{TextChunk{Text: ev.Delta.Text, BlockIndex: ev.Index}}

	case "content_block_stop":
		return []Event{ContentBlockStop{BlockIndex: ev.Index}}
	}
	return nil
}

func parseAssistant(data []byte) []Event {
	var msg struct {
		Message struct {
			Content []struct {
				Type  string          `json:"type"`
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}

	var events []Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		events = append(events, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})

		// A Task tool call is the start of a sub-agent
		if block.Name == "Task" {
			var input struct {
				Description  string `json:"description"`
				SubagentType string `json:"subagent_type"`
			}
			json.Unmarshal(block.Input, &input)
			events = append(events, AgentStart{
				TaskID:      block.ID,
				Description: input.Description,
				AgentType:   input.SubagentType,
				StartTime:   time.Now().UnixMilli(),
			})
		}
	}
	return events
}

func parseResult(subtype string, data []byte) []Event {
	var msg struct {
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}

	if msg.IsError || (subtype != "" && subtype != "success") {
		return []Event{ErrorEvent{Message: msg.Result, Code: subtype}}
	}
	return []Event{Result{FinalText: msg.Result}}
}
