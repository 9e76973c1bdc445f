package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/agent"
	"github.com/m4xw311/codexd/errors"
	"github.com/m4xw311/codexd/session"
	"github.com/rs/zerolog"
)

// eventBuffer bounds the queue between the engine's reader and the printer.
const eventBuffer = 64

// Streamer runs prompt turns. *agent.Engine implements it.
type Streamer interface {
	Stream(ctx context.Context, text string, buffer int) *agent.Turn
}

// Transcript records each side of a turn. *session.Store implements it.
type Transcript interface {
	SaveMessage(ctx context.Context, role, content string) (session.Message, error)
}

// Terminal handles the terminal/CLI interaction mode for the engine
type Terminal struct {
	engine     Streamer
	transcript Transcript
	in         io.Reader
	out        io.Writer
	log        zerolog.Logger
	// titles remembers tool-call titles for update lines.
	titles map[string]string
}

type Option func(*Terminal)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(t *Terminal) { t.in, t.out = in, out }
}

// WithTranscript persists every turn.
func WithTranscript(tr Transcript) Option {
	return func(t *Terminal) { t.transcript = tr }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Terminal) { t.log = logger }
}

// New creates a new Terminal instance
func New(engine Streamer, opts ...Option) *Terminal {
	t := &Terminal{
		engine: engine,
		in:     os.Stdin,
		out:    os.Stdout,
		log:    zerolog.Nop(),
		titles: map[string]string{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run starts the interactive terminal session. It returns when input ends,
// on /quit or /exit, or when the connection to the agent is lost.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil && fatal(err) {
			return err
		}
	}

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			fmt.Fprintln(t.out)
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, userInput); err != nil && fatal(err) {
			return err
		}
	}
	return scanner.Err()
}

// processTurn runs one prompt on the engine's worker and prints events as
// they arrive.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	t.save(ctx, session.RoleUser, userInput)

	turn := t.engine.Stream(ctx, userInput, eventBuffer)
	var reply strings.Builder
	inMessage := false
	for ev := range turn.Events() {
		switch e := ev.(type) {
		case acp.MessageChunk:
			if !inMessage {
				fmt.Fprint(t.out, "Codex: ")
				inMessage = true
			}
			fmt.Fprint(t.out, e.Text)
			reply.WriteString(e.Text)
		case acp.ThoughtChunk:
			t.endLine(&inMessage)
			fmt.Fprintf(t.out, "(thinking) %s\n", e.Text)
		case acp.ToolCallStarted:
			t.endLine(&inMessage)
			t.titles[e.Call.ID] = e.Call.Title
			fmt.Fprintf(t.out, "[tool] %s (%s)\n", t.title(e.Call.ID), e.Call.Status)
		case acp.ToolCallUpdated:
			if e.Title != nil {
				t.titles[e.ID] = *e.Title
			}
			if e.Status == nil {
				continue
			}
			t.endLine(&inMessage)
			fmt.Fprintf(t.out, "[tool] %s %s\n", t.title(e.ID), *e.Status)
		}
	}
	t.endLine(&inMessage)

	err := turn.Wait()
	if reply.Len() > 0 {
		t.save(ctx, session.RoleAssistant, reply.String())
	}
	if err != nil {
		fmt.Fprintf(t.out, "Error: %v\n", err)
	}
	return err
}

func (t *Terminal) endLine(inMessage *bool) {
	if *inMessage {
		fmt.Fprintln(t.out)
		*inMessage = false
	}
}

func (t *Terminal) title(id string) string {
	if title := t.titles[id]; title != "" {
		return title
	}
	return id
}

func (t *Terminal) save(ctx context.Context, role, content string) {
	if t.transcript == nil {
		return
	}
	if _, err := t.transcript.SaveMessage(ctx, role, content); err != nil {
		t.log.Warn().Err(err).Str("role", role).Msg("failed to save transcript message")
	}
}

// fatal reports whether err ended the connection.
func fatal(err error) bool {
	return errors.Is(err, errors.ErrTransportClosed) ||
		errors.Is(err, errors.ErrMalformedMessage) ||
		errors.Is(err, context.Canceled)
}
