package acp

import (
	"encoding/json"

	"github.com/m4xw311/codexd/errors"
)

// Decoder turns inbound notifications into StreamEvents, tracking tool-call
// state across the lifetime of a connection.
type Decoder struct {
	calls *ToolCalls
}

func NewDecoder() *Decoder {
	return &Decoder{calls: NewToolCalls()}
}

// ToolCalls exposes the accumulated tool-call state.
func (d *Decoder) ToolCalls() *ToolCalls { return d.calls }

// Decode returns the event carried by n (nil when there is none) and whether
// n is the completion signal that ends a prompt turn. Only the outer method
// separates completion from updates; everything else dispatches on the inner
// sessionUpdate discriminant.
func (d *Decoder) Decode(n *Notification) (StreamEvent, bool, error) {
	switch n.Method {
	case MethodSessionComplete:
		return nil, true, nil
	case MethodSessionUpdate:
	default:
		return nil, false, nil
	}

	var params SessionNotification
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return nil, false, errors.Wrapf(err, "decode %s", n.Method)
	}
	u := &params.Update
	switch {
	case u.GetMessageChunk() != nil:
		return MessageChunk{Text: u.GetMessageChunk().Content.Text}, false, nil
	case u.GetThoughtChunk() != nil:
		return ThoughtChunk{Text: u.GetThoughtChunk().Content.Text}, false, nil
	case u.GetToolCall() != nil:
		return d.calls.start(u.GetToolCall()), false, nil
	case u.GetToolCallUpdate() != nil:
		return d.calls.update(u.GetToolCallUpdate()), false, nil
	default:
		// Unknown update kinds never abort the stream.
		return nil, false, nil
	}
}
