// Package acptest runs a scripted ACP agent in-process, connected to the
// client side through a pair of pipes.
//
// The peer answers initialize, authenticate and session/new, then replays one
// scripted Turn per session/prompt. Everything it receives is recorded so
// tests can assert on the exact traffic.
package acptest

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/errors"
	"github.com/rs/zerolog"
)

// Turn is the agent's side of one prompt turn.
type Turn struct {
	// AgentRequest, when set, is sent as a request from the agent before any
	// update.
	AgentRequest string
	// Raw lines are written verbatim before the updates.
	Raw []string
	// Updates are sent as session/update notifications in order.
	Updates []map[string]any
	// Complete sends session/complete after the updates.
	Complete bool
	// Respond answers the prompt request after the updates.
	Respond bool
	// Error answers the prompt request with an error payload.
	Error *acp.RPCError
	// Hang leaves the turn open after the updates.
	Hang bool
}

type Script struct {
	SessionID string
	// InitError and AuthError answer initialize and authenticate with an
	// error payload.
	InitError *acp.RPCError
	AuthError *acp.RPCError
	// OmitSessionID answers session/new without a sessionId.
	OmitSessionID bool
	Turns         []Turn
}

// Received is a message the peer read from the client.
type Received struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	// Error is set for replies the client sent to agent requests.
	Error *acp.RPCError
}

// Peer is the agent side of the connection.
type Peer struct {
	script Script
	tr     *acp.Transport
	out    chan any
	done   chan struct{}
	w      *io.PipeWriter
	log    zerolog.Logger

	mu       sync.Mutex
	received []Received
	turn     int
	err      error
}

// Conn is the client side of the connection. Closing it ends the peer.
type Conn struct {
	*acp.Transport
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *Conn) Close() error {
	_ = c.w.Close()
	return c.r.Close()
}

type rawLine string

// AgentRequestBase offsets the ids of requests sent by the agent so they
// never collide with the client's.
const AgentRequestBase = 1000

// Start launches a peer playing script and returns the client end.
func Start(script Script, logger zerolog.Logger) (*Peer, *Conn) {
	if script.SessionID == "" {
		script.SessionID = "sess_1"
	}
	clientR, agentW := io.Pipe()
	agentR, clientW := io.Pipe()

	p := &Peer{
		script: script,
		tr:     acp.NewTransport(agentR, agentW, logger),
		out:    make(chan any, 256),
		done:   make(chan struct{}),
		w:      agentW,
		log:    logger.With().Str("component", "acptest").Logger(),
	}
	go p.writeLoop()
	go p.readLoop()
	return p, &Conn{Transport: acp.NewTransport(clientR, clientW, logger), r: clientR, w: clientW}
}

// Received returns every message read so far.
func (p *Peer) Received() []Received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Received(nil), p.received...)
}

// Methods returns the methods of the received requests in order.
func (p *Peer) Methods() []string {
	var methods []string
	for _, r := range p.Received() {
		if r.Method != "" {
			methods = append(methods, r.Method)
		}
	}
	return methods
}

// Wait blocks until the client closed the connection and returns the first
// error the peer hit, if any.
func (p *Peer) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// writeLoop serializes outgoing traffic so handlers never block the reader.
func (p *Peer) writeLoop() {
	defer close(p.done)
	defer p.w.Close()
	for v := range p.out {
		var err error
		if line, ok := v.(rawLine); ok {
			_, err = p.tr.StdinWriter.WriteString(string(line) + "\n")
			if err == nil {
				err = p.tr.StdinWriter.Flush()
			}
		} else {
			err = p.tr.Send(v)
		}
		if err != nil {
			if !errors.Is(err, errors.ErrTransportClosed) {
				p.setErr(err)
			}
			// Keep draining so the reader never blocks on a full queue.
			for range p.out {
			}
			return
		}
	}
}

func (p *Peer) readLoop() {
	defer close(p.out)
	for {
		msg, err := p.tr.Receive()
		if err != nil {
			p.log.Debug().Err(err).Msg("client stream ended")
			return
		}
		switch m := msg.(type) {
		case *acp.InboundRequest:
			p.record(Received{ID: m.ID, Method: m.Method, Params: m.Params})
			p.dispatch(m)
		case *acp.Response:
			id, _ := json.Marshal(m.ID)
			p.record(Received{ID: id, Error: m.Error})
		case *acp.Notification:
			p.record(Received{Method: m.Method, Params: m.Params})
		}
	}
}

func (p *Peer) dispatch(req *acp.InboundRequest) {
	switch req.Method {
	case acp.MethodInitialize:
		if p.script.InitError != nil {
			p.replyError(req.ID, p.script.InitError)
			return
		}
		p.reply(req.ID, map[string]any{
			"protocolVersion": acp.ProtocolVersion,
			"agentCapabilities": map[string]any{
				"loadSession": false,
				"promptCapabilities": map[string]bool{
					"audio":           false,
					"embeddedContext": false,
					"image":           false,
				},
			},
			"authMethods": []map[string]string{{"id": "openai-api-key", "name": "OpenAI API key"}},
		})
	case acp.MethodAuthenticate:
		if p.script.AuthError != nil {
			p.replyError(req.ID, p.script.AuthError)
			return
		}
		p.reply(req.ID, map[string]any{})
	case acp.MethodSessionNew:
		if p.script.OmitSessionID {
			p.reply(req.ID, map[string]any{})
			return
		}
		p.reply(req.ID, map[string]any{"sessionId": p.script.SessionID})
	case acp.MethodSessionPrompt:
		p.prompt(req)
	default:
		p.replyError(req.ID, &acp.RPCError{Code: acp.MethodNotFound, Message: "Method not found"})
	}
}

func (p *Peer) prompt(req *acp.InboundRequest) {
	var params acp.PromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.replyError(req.ID, &acp.RPCError{Code: acp.InvalidParams, Message: err.Error()})
		return
	}
	if params.SessionID != p.script.SessionID {
		p.replyError(req.ID, &acp.RPCError{Code: acp.InvalidParams, Message: "unknown sessionId"})
		return
	}

	p.mu.Lock()
	if p.turn >= len(p.script.Turns) {
		p.mu.Unlock()
		p.replyError(req.ID, &acp.RPCError{Code: acp.InternalError, Message: "no scripted turn left"})
		return
	}
	turn := p.script.Turns[p.turn]
	p.turn++
	n := p.turn
	p.mu.Unlock()

	if turn.AgentRequest != "" {
		p.out <- acp.InboundRequest{
			JSONRPC: acp.Version,
			ID:      json.RawMessage(fmt.Sprintf("%d", AgentRequestBase+n)),
			Method:  turn.AgentRequest,
			Params:  json.RawMessage(`{}`),
		}
	}
	for _, line := range turn.Raw {
		p.out <- rawLine(line)
	}
	for _, u := range turn.Updates {
		p.notify(acp.MethodSessionUpdate, map[string]any{"sessionId": params.SessionID, "update": u})
	}
	if turn.Hang {
		return
	}
	if turn.Complete {
		p.notify(acp.MethodSessionComplete, map[string]any{"sessionId": params.SessionID})
	}
	switch {
	case turn.Error != nil:
		p.replyError(req.ID, turn.Error)
	case turn.Respond:
		p.reply(req.ID, map[string]any{"stopReason": "end_turn"})
	}
}

func (p *Peer) reply(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		p.setErr(err)
		return
	}
	p.out <- rawResponse{JSONRPC: acp.Version, ID: id, Result: data}
}

func (p *Peer) replyError(id json.RawMessage, rpcErr *acp.RPCError) {
	p.out <- acp.ErrorReply{JSONRPC: acp.Version, ID: id, Error: rpcErr}
}

func (p *Peer) notify(method string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		p.setErr(err)
		return
	}
	p.out <- acp.Notification{JSONRPC: acp.Version, Method: method, Params: data}
}

func (p *Peer) record(r Received) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, r)
}

func (p *Peer) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// rawResponse echoes the request id exactly as the client sent it.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}
