package acp

import "encoding/json"

// StreamEvent is one of MessageChunk, ThoughtChunk, ToolCallStarted or
// ToolCallUpdated. These are the only values delivered to a sink during a
// prompt turn.
type StreamEvent interface {
	// EventType names the variant, e.g. "message_chunk".
	EventType() string
}

type MessageChunk struct {
	Text string `json:"text"`
}

type ThoughtChunk struct {
	Text string `json:"text"`
}

type ToolCallStarted struct {
	Call ToolCall `json:"call"`
}

// ToolCallUpdated carries only the fields present in the update; Content and
// Locations hold the newly appended entries.
type ToolCallUpdated struct {
	ID        string            `json:"id"`
	Title     *string           `json:"title,omitempty"`
	Kind      *string           `json:"kind,omitempty"`
	Status    *ToolCallStatus   `json:"status,omitempty"`
	Locations []string          `json:"locations,omitempty"`
	Content   []ToolCallContent `json:"content,omitempty"`
	RawOutput json.RawMessage   `json:"rawOutput,omitempty"`
}

func (MessageChunk) EventType() string    { return "message_chunk" }
func (ThoughtChunk) EventType() string    { return "thought_chunk" }
func (ToolCallStarted) EventType() string { return "tool_call_started" }
func (ToolCallUpdated) EventType() string { return "tool_call_updated" }

// MarshalEvent encodes an event as {"type": ..., "event": ...} for relays.
func MarshalEvent(ev StreamEvent) ([]byte, error) {
	return json.Marshal(struct {
		Type  string      `json:"type"`
		Event StreamEvent `json:"event"`
	}{Type: ev.EventType(), Event: ev})
}
