// Package domain contains core domain types for the Atlas tutor application.
package domain

import (
	"encoding/json"
	"time"
)

// ConversationKey identifies one user's chat thread within one course.
// It is stable for the conversation's lifetime and is the lookup key for
// both the snapshot cache and the durable message log.
type ConversationKey struct {
	UserID   string
	CourseID string
}

// String returns the canonical cache/log key form.
func (k ConversationKey) String() string {
	return k.UserID + ":" + k.CourseID
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation log, in its persisted wire shape.
// The role determines which fields are meaningful:
//
//   - user: Content only.
//   - assistant: Content plus citation references. RagSourceIDs, WebSourceIDs
//     and ImageSourceIDs reference ids assigned by the tool result normalizer;
//     ImageSource is the older singular image reference; Sources is the legacy
//     embedded shape from before reference indirection existed.
//   - tool: ToolName and ToolPayload, the normalized tool result.
type Message struct {
	ID             string           `json:"id"`
	Role           string           `json:"role"`
	Content        string           `json:"content,omitempty"`
	RagSourceIDs   []string         `json:"rag_source_ids,omitempty"`
	WebSourceIDs   []string         `json:"web_source_ids,omitempty"`
	ImageSourceIDs []string         `json:"image_source_ids,omitempty"`
	ImageSource    *ImageRef        `json:"image_source,omitempty"`
	Sources        *EmbeddedSources `json:"sources,omitempty"`
	ToolName       string           `json:"tool_name,omitempty"`
	ToolPayload    json.RawMessage  `json:"tool_payload,omitempty"`
	CreatedAt      time.Time        `json:"created_at,omitzero"`
}

// IsScaffolding reports whether an assistant message exists only as tool-call
// scaffolding (blank content). Such messages are never user-visible.
func (m *Message) IsScaffolding() bool {
	return m.Role == RoleAssistant && m.Content == ""
}

// ImageRef is the legacy singular slide-image reference carried directly on an
// assistant message.
type ImageRef struct {
	SlideID    string `json:"slide_id"`
	PageNumber int    `json:"page_number"`
}

// EmbeddedSources is the legacy persistence shape: sources stored directly on
// the assistant message (or in the per-conversation side table) without id
// indirection. Missing fields decode to zero values.
type EmbeddedSources struct {
	RagSources []RagSource `json:"rag_sources"`
	WebSources []WebSource `json:"web_sources"`
}

// IsEmpty reports whether the embedded shape carries no sources at all.
func (s *EmbeddedSources) IsEmpty() bool {
	return s == nil || (len(s.RagSources) == 0 && len(s.WebSources) == 0)
}
