// Package agent implements the bridge to the external tutor runtime: the
// live execution path that streams a chat turn, normalizes tool results as
// they arrive, and records the turn in the conversation log.
package agent

import (
	"encoding/json"
)

// ChatRequest represents a chat request to the tutor.
type ChatRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"-"`
	CourseID string `json:"-"`
}

// ChatResponse represents one streamed chunk of the tutor's reply.
type ChatResponse struct {
	Response  string   `json:"response"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Frame types exchanged with the runtime over the chat stream.
const (
	// client -> runtime
	FrameOpen       = "open"
	FrameToolResult = "tool_result"

	// runtime -> client
	FrameChunk = "chunk"
	FrameFinal = "final"
	FrameError = "error"
)

// ClientFrame is a message sent to the runtime on the chat stream: the
// opening user turn, or a normalized tool result echoed back so the model
// cites renumbered sources.
type ClientFrame struct {
	Type     string          `json:"type"`
	Message  string          `json:"message,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	CourseID string          `json:"course_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is a message received from the runtime: an assistant text
// chunk, a raw tool result awaiting normalization, the final frame carrying
// the citation id lists, or an error.
type ServerFrame struct {
	Type           string          `json:"type"`
	Content        string          `json:"content,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RagSourceIDs   []string        `json:"rag_source_ids,omitempty"`
	WebSourceIDs   []string        `json:"web_source_ids,omitempty"`
	ImageSourceIDs []string        `json:"image_source_ids,omitempty"`
	ToolsUsed      []string        `json:"tools_used,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}
