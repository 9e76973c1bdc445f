package acp

import (
	"encoding/json"
	"sync"
)

type ToolCallStatus int

const (
	ToolCallInProgress ToolCallStatus = iota
	ToolCallCompleted
	ToolCallFailed
)

// ParseToolCallStatus maps the wire value; anything other than completed or
// failed (pending, in_progress, unknown) is InProgress.
func ParseToolCallStatus(s string) ToolCallStatus {
	switch s {
	case "completed":
		return ToolCallCompleted
	case "failed":
		return ToolCallFailed
	default:
		return ToolCallInProgress
	}
}

func (s ToolCallStatus) String() string {
	switch s {
	case ToolCallCompleted:
		return "completed"
	case ToolCallFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

func (s ToolCallStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ToolCall is the accumulated state of one agent-invoked unit of work.
type ToolCall struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Kind      string            `json:"kind"`
	Status    ToolCallStatus    `json:"status"`
	Locations []string          `json:"locations,omitempty"`
	Content   []ToolCallContent `json:"content,omitempty"`
	RawOutput json.RawMessage   `json:"rawOutput,omitempty"`
}

// Closed reports whether the call reached a terminal status.
func (c *ToolCall) Closed() bool {
	return c.Status != ToolCallInProgress
}

func (c *ToolCall) clone() ToolCall {
	out := *c
	out.Locations = append([]string(nil), c.Locations...)
	out.Content = append([]ToolCallContent(nil), c.Content...)
	return out
}

// ToolCalls tracks every tool call seen on a connection. Status only moves
// forward: once a call is closed, later notifications for its id are dropped.
type ToolCalls struct {
	mu    sync.Mutex
	calls map[string]*ToolCall
}

func NewToolCalls() *ToolCalls {
	return &ToolCalls{calls: make(map[string]*ToolCall)}
}

// Get returns a snapshot of the call with the given id.
func (t *ToolCalls) Get(id string) (ToolCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return ToolCall{}, false
	}
	return c.clone(), true
}

// Len returns the number of calls seen.
func (t *ToolCalls) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// start handles a tool_call. A new id yields ToolCallStarted; an id that is
// still open is merged as an update; a closed id yields nothing.
func (t *ToolCalls) start(f *ToolCallFields) StreamEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.calls[f.ToolCallID]; ok {
		if existing.Closed() {
			return nil
		}
		return merge(existing, f)
	}

	c := &ToolCall{ID: f.ToolCallID, Status: ToolCallInProgress}
	if f.Title != nil {
		c.Title = *f.Title
	}
	if f.Kind != nil {
		c.Kind = *f.Kind
	}
	if f.Status != nil {
		c.Status = ParseToolCallStatus(*f.Status)
	}
	for _, loc := range f.Locations {
		c.Locations = append(c.Locations, loc.Path)
	}
	c.Content = append(c.Content, f.Content...)
	c.RawOutput = f.RawOutput
	t.calls[c.ID] = c
	return ToolCallStarted{Call: c.clone()}
}

// update handles a tool_call_update. An unknown id is registered as an open
// call first so its later updates accumulate; a closed id yields nothing.
func (t *ToolCalls) update(f *ToolCallFields) StreamEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[f.ToolCallID]
	if !ok {
		c = &ToolCall{ID: f.ToolCallID, Status: ToolCallInProgress}
		t.calls[c.ID] = c
	}
	if c.Closed() {
		return nil
	}
	return merge(c, f)
}

// merge applies f to c and returns the partial event. Content and locations
// append, scalar fields overwrite when present.
func merge(c *ToolCall, f *ToolCallFields) ToolCallUpdated {
	ev := ToolCallUpdated{ID: c.ID}
	if f.Title != nil {
		c.Title = *f.Title
		ev.Title = f.Title
	}
	if f.Kind != nil {
		c.Kind = *f.Kind
		ev.Kind = f.Kind
	}
	if f.Status != nil {
		st := ParseToolCallStatus(*f.Status)
		c.Status = st
		ev.Status = &st
	}
	for _, loc := range f.Locations {
		c.Locations = append(c.Locations, loc.Path)
		ev.Locations = append(ev.Locations, loc.Path)
	}
	if len(f.Content) > 0 {
		c.Content = append(c.Content, f.Content...)
		ev.Content = append(ev.Content, f.Content...)
	}
	if len(f.RawOutput) > 0 {
		c.RawOutput = f.RawOutput
		ev.RawOutput = f.RawOutput
	}
	return ev
}
