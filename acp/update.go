package acp

import (
	"encoding/json"

	"github.com/m4xw311/codexd/errors"
)

// Discriminants of the sessionUpdate field.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
)

// SessionNotification is the params object of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a closed set of variants selected by the sessionUpdate
// discriminant. Exactly one getter returns non-nil; a discriminant outside
// the set decodes to the Ignored variant instead of failing.
type SessionUpdate struct {
	discriminator  string
	messageChunk   *ContentChunk
	thoughtChunk   *ContentChunk
	toolCall       *ToolCallFields
	toolCallUpdate *ToolCallFields
}

// ContentChunk carries a streamed text fragment.
type ContentChunk struct {
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ToolCallFields is the shared payload of tool_call and tool_call_update.
// Pointer fields distinguish absent from empty.
type ToolCallFields struct {
	ToolCallID string            `json:"toolCallId"`
	Title      *string           `json:"title,omitempty"`
	Kind       *string           `json:"kind,omitempty"`
	Status     *string           `json:"status,omitempty"`
	Content    []ToolCallContent `json:"content,omitempty"`
	Locations  []struct {
		Path string `json:"path"`
		Line *int   `json:"line,omitempty"`
	} `json:"locations,omitempty"`
	RawOutput json.RawMessage `json:"rawOutput,omitempty"`
}

// ToolCallContent is produced by a tool call: a content block, a diff or a
// terminal reference. Only the fields relevant to display are kept.
type ToolCallContent struct {
	Type    string `json:"type"`
	Content *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
	Path       string `json:"path,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
}

// Text returns the displayable text of a content entry, if any.
func (c ToolCallContent) Text() string {
	if c.Content != nil {
		return c.Content.Text
	}
	return ""
}

func (s *SessionUpdate) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}

	s.discriminator = discriminator.SessionUpdate
	switch discriminator.SessionUpdate {
	case UpdateAgentMessageChunk:
		var v ContentChunk
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.messageChunk = &v
	case UpdateAgentThoughtChunk:
		var v ContentChunk
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.thoughtChunk = &v
	case UpdateToolCall, UpdateToolCallUpdate:
		var v ToolCallFields
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if v.ToolCallID == "" {
			return errors.New("%s without toolCallId", discriminator.SessionUpdate)
		}
		if discriminator.SessionUpdate == UpdateToolCall {
			s.toolCall = &v
		} else {
			s.toolCallUpdate = &v
		}
	}
	return nil
}

// Discriminator returns the raw sessionUpdate value.
func (s *SessionUpdate) Discriminator() string { return s.discriminator }

func (s *SessionUpdate) GetMessageChunk() *ContentChunk { return s.messageChunk }

func (s *SessionUpdate) GetThoughtChunk() *ContentChunk { return s.thoughtChunk }

func (s *SessionUpdate) GetToolCall() *ToolCallFields { return s.toolCall }

func (s *SessionUpdate) GetToolCallUpdate() *ToolCallFields { return s.toolCallUpdate }

// IsIgnored reports whether the discriminant is outside the decoded set.
func (s *SessionUpdate) IsIgnored() bool {
	return s.messageChunk == nil && s.thoughtChunk == nil && s.toolCall == nil && s.toolCallUpdate == nil
}
