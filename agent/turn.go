package agent

import (
	"context"

	"github.com/m4xw311/codexd/acp"
)

// Turn is a prompt turn running on its own goroutine.
type Turn struct {
	events chan acp.StreamEvent
	done   chan struct{}
	err    error
}

// Events yields the turn's events and is closed when the turn ends. Callers
// must drain it or cancel ctx; a full buffer stalls the connection.
func (t *Turn) Events() <-chan acp.StreamEvent { return t.events }

// Wait blocks until the turn ends and returns its result.
func (t *Turn) Wait() error {
	<-t.done
	return t.err
}

// Stream runs Prompt on a worker goroutine and relays its events through a
// channel holding up to buffer events. Events are dropped once ctx is done.
func (e *Engine) Stream(ctx context.Context, text string, buffer int) *Turn {
	t := &Turn{
		events: make(chan acp.StreamEvent, buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer close(t.events)
		t.err = e.Prompt(ctx, text, func(ev acp.StreamEvent) {
			select {
			case t.events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return t
}
