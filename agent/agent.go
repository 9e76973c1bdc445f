package agent

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/errors"
	"github.com/m4xw311/codexd/process"
	"github.com/m4xw311/codexd/tools/mcp"
	"github.com/rs/zerolog"
)

type State int

const (
	Disconnected State = iota
	HandshakeDone
	Authenticated
	SessionReady
	Prompting
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case HandshakeDone:
		return "handshake-done"
	case Authenticated:
		return "authenticated"
	case SessionReady:
		return "session-ready"
	case Prompting:
		return "prompting"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Session is the conversation created by CreateSession. Its ID is opaque.
type Session struct {
	ID               string
	SystemPrompt     string
	WorkingDirectory string
}

// Conn is a bidirectional message stream to the agent. *acp.Transport
// implements it; tests substitute scripted streams.
type Conn interface {
	Send(v any) error
	Receive() (acp.Message, error)
}

// AuxServer is the lifecycle of the auxiliary tool server. *mcp.Server
// implements it.
type AuxServer interface {
	Start(ctx context.Context) error
	Descriptor() (acp.MCPServer, bool)
	Stop() error
}

// Engine drives one agent connection. All protocol traffic goes through a
// single reader; operations may be called from any goroutine but a prompt
// turn holds the reader until it ends.
type Engine struct {
	cfg *config.Config
	id  string
	log zerolog.Logger

	sup     *process.Supervisor
	aux     AuxServer
	handle  *process.Handle
	decoder *acp.Decoder

	nextID atomic.Uint64
	// readMu makes awaitResponse single-consumer.
	readMu sync.Mutex
	// lateComplete is set when a turn ended on a successful response; the
	// agent may still send that turn's session/complete. Guarded by readMu.
	lateComplete bool
	// opMu serializes Initialize and CreateSession.
	opMu sync.Mutex

	mu      sync.Mutex
	conn    Conn
	state   State
	session *Session
	// fatal is the transport failure that ended the connection, if any.
	fatal error

	closeOnce sync.Once
	closeErr  error
	agentOnce sync.Once
	agentErr  error
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithTransport connects the engine to an existing stream instead of
// spawning the agent binary.
func WithTransport(conn Conn) Option {
	return func(e *Engine) { e.conn = conn }
}

func WithSupervisor(sup *process.Supervisor) Option {
	return func(e *Engine) { e.sup = sup }
}

func WithAuxServer(aux AuxServer) Option {
	return func(e *Engine) { e.aux = aux }
}

func New(cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		id:      uuid.NewString(),
		log:     zerolog.Nop(),
		decoder: acp.NewDecoder(),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With().Str("component", "engine").Str("engine", e.id).Logger()
	if e.sup == nil {
		e.sup = process.NewSupervisor(e.log)
	}
	if e.aux == nil {
		e.aux = mcp.NewServer(cfg.AuxServer, e.sup, e.log)
	}
	return e
}

// ID identifies the engine instance in logs.
func (e *Engine) ID() string { return e.id }

// NextID returns the next request id. Ids start at 1 and never repeat.
func (e *Engine) NextID() uint64 { return e.nextID.Add(1) }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns the current session, if one was created.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// ToolCall returns the accumulated state of a tool call seen on this
// connection.
func (e *Engine) ToolCall(id string) (acp.ToolCall, bool) {
	return e.decoder.ToolCalls().Get(id)
}

// Connect resolves and spawns the agent binary and frames its stdio. It is a
// no-op when a transport was supplied with WithTransport.
func (e *Engine) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Terminated {
		return errors.Wrapf(errors.ErrInvalidState, "engine is closed")
	}
	if e.conn != nil {
		return nil
	}

	chain := e.cfg.SearchChain()
	path, err := process.Resolve(chain)
	if err != nil {
		return errors.Wrapf(errors.ErrSpawnFailure,
			"%v; build the agent with `cargo build --release` so it lands in ./%s/release/%s, or put %s on PATH",
			err, e.cfg.Agent.BuildDir, e.cfg.Agent.Executable, e.cfg.Agent.Executable)
	}
	h, err := e.sup.Spawn(process.Command{
		Name:  e.cfg.Agent.Executable,
		Path:  path,
		Args:  e.cfg.Agent.Args,
		Stdio: process.StdioPipe,
	})
	if err != nil {
		return err
	}
	e.handle = h
	e.conn = acp.NewTransport(h.Stdout, h.Stdin, e.log)
	return nil
}

// Initialize performs the handshake and then authenticates with the
// configured method. A rejected authentication is reported as
// errors.ErrAuthentication and is not retried.
func (e *Engine) Initialize(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.expect(Disconnected); err != nil {
		return err
	}

	// An error payload on initialize does not stop the handshake; only
	// authentication decides whether the connection is usable.
	params := acp.InitializeParams{ProtocolVersion: acp.ProtocolVersion}
	if err := e.call(ctx, acp.MethodInitialize, params, nil); err != nil {
		var rpcErr *acp.RPCError
		if !errors.As(err, &rpcErr) {
			return errors.Wrapf(err, "initialize")
		}
		e.log.Warn().Err(rpcErr).Msg("initialize returned an error, authenticating anyway")
	}
	e.setState(HandshakeDone)

	auth := acp.AuthenticateParams{MethodID: e.cfg.AuthMethod}
	if err := e.call(ctx, acp.MethodAuthenticate, auth, nil); err != nil {
		var rpcErr *acp.RPCError
		if errors.As(err, &rpcErr) {
			return errors.Join(errors.Wrapf(errors.ErrAuthentication, "method %s", auth.MethodID), rpcErr)
		}
		return errors.Wrapf(err, "authenticate")
	}
	e.setState(Authenticated)
	e.log.Info().Str("method", auth.MethodID).Msg("authenticated")
	return nil
}

// CreateSession starts the auxiliary server, then asks the agent for a new
// session in workingDirectory. A session is created at most once per
// connection; concurrent callers are serialized and all but the first get
// errors.ErrInvalidState.
func (e *Engine) CreateSession(ctx context.Context, systemPrompt, workingDirectory string) (string, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.expect(Authenticated); err != nil {
		return "", err
	}

	cwd, err := filepath.Abs(workingDirectory)
	if err != nil {
		return "", errors.Wrapf(err, "working directory %s", workingDirectory)
	}
	if err := e.aux.Start(ctx); err != nil {
		return "", errors.Wrapf(err, "auxiliary server")
	}

	params := acp.NewSessionParams{
		Cwd:            cwd,
		MCPServers:     e.mcpServers(),
		PermissionMode: e.cfg.PermissionMode,
		SystemPrompt:   systemPrompt,
	}
	var result acp.NewSessionResult
	if err := e.call(ctx, acp.MethodSessionNew, params, &result); err != nil {
		return "", errors.Wrapf(err, "session/new")
	}
	if result.SessionID == "" {
		return "", errors.Wrapf(errors.ErrNoSessionID, "session/new result")
	}

	e.mu.Lock()
	if e.state == Terminated {
		e.mu.Unlock()
		return "", errors.Wrapf(errors.ErrInvalidState, "engine closed during session/new")
	}
	e.session = &Session{ID: result.SessionID, SystemPrompt: systemPrompt, WorkingDirectory: cwd}
	e.state = SessionReady
	e.mu.Unlock()
	e.log.Info().Str("session", result.SessionID).Str("cwd", cwd).Int("mcpServers", len(params.MCPServers)).Msg("session created")
	return result.SessionID, nil
}

// mcpServers lists the auxiliary server while it runs, followed by every
// external endpoint.
func (e *Engine) mcpServers() []acp.MCPServer {
	servers := []acp.MCPServer{}
	if d, ok := e.aux.Descriptor(); ok {
		servers = append(servers, d)
	}
	for _, s := range e.cfg.ExternalMCPServers {
		servers = append(servers, acp.HTTPServer(s.Name, s.URL))
	}
	return servers
}

// Prompt sends text to the current session and delivers every decoded event
// to sink until the turn ends. The turn ends on session/complete or on the
// prompt's own response, whichever arrives first. sink runs on the reading
// goroutine; a slow sink stalls the connection.
//
// Cancelling ctx during a turn closes the connection; every later call
// returns the cancellation.
func (e *Engine) Prompt(ctx context.Context, text string, sink func(acp.StreamEvent)) error {
	e.mu.Lock()
	if e.fatal != nil {
		e.mu.Unlock()
		return e.fatal
	}
	if e.session == nil {
		e.mu.Unlock()
		return errors.Wrapf(errors.ErrNoActiveSession, "prompt")
	}
	if e.state != SessionReady {
		state := e.state
		e.mu.Unlock()
		return errors.Wrapf(errors.ErrInvalidState, "prompt in state %s", state)
	}
	sess := *e.session
	e.state = Prompting
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.state == Prompting {
			e.state = SessionReady
		}
		e.mu.Unlock()
	}()

	if sink == nil {
		sink = func(acp.StreamEvent) {}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id := e.NextID()
	params := acp.PromptParams{
		SessionID: sess.ID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(sess.SystemPrompt), acp.TextBlock(text)},
	}
	if err := e.send(acp.NewRequest(id, acp.MethodSessionPrompt, params)); err != nil {
		return err
	}
	e.log.Debug().Uint64("id", id).Str("session", sess.ID).Msg("prompt sent")

	stop := context.AfterFunc(ctx, func() { e.abort(ctx.Err()) })
	resp, err := e.awaitResponse(ctx, id, sess.ID, sink)
	stop()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			e.abort(cerr)
			return errors.Wrapf(cerr, "prompt turn cancelled")
		}
		return err
	}
	if resp == nil {
		e.log.Debug().Uint64("id", id).Msg("turn completed")
		return nil
	}
	if resp.Error != nil {
		return errors.Wrapf(resp.Error, "session/prompt")
	}
	var result acp.PromptResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			e.log.Debug().Err(err).Uint64("id", id).Msg("undecodable prompt result")
		}
	}
	e.log.Debug().Uint64("id", id).Str("stopReason", result.StopReason).Msg("turn ended by response")
	return nil
}

// call sends one request and waits for its response. An error payload is
// returned as *acp.RPCError.
func (e *Engine) call(ctx context.Context, method string, params, result any) error {
	id := e.NextID()
	if err := e.send(acp.NewRequest(id, method, params)); err != nil {
		return err
	}
	resp, err := e.awaitResponse(ctx, id, "", nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(errors.ErrProtocol, "%s result: %v", method, err)
		}
	}
	return nil
}

func (e *Engine) send(v any) error {
	conn, err := e.connection()
	if err != nil {
		return err
	}
	if err := conn.Send(v); err != nil {
		return e.fail(err)
	}
	return nil
}

// awaitResponse consumes messages until the response with the given id
// arrives. Notifications seen meanwhile go through the decoder in arrival
// order. When sink is non-nil a prompt turn is in progress: events are
// delivered to it, and session/complete for sessionID ends the wait with a nil
// response.
func (e *Engine) awaitResponse(ctx context.Context, id uint64, sessionID string, sink func(acp.StreamEvent)) (*acp.Response, error) {
	e.readMu.Lock()
	defer e.readMu.Unlock()

	conn, err := e.connection()
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := conn.Receive()
		if err != nil {
			return nil, e.fail(err)
		}

		switch m := msg.(type) {
		case *acp.Response:
			if m.ID == id {
				if sink != nil && m.Error == nil {
					e.lateComplete = true
				}
				return m, nil
			}
			e.log.Debug().Uint64("id", m.ID).Uint64("awaiting", id).Msg("dropping stale response")
		case *acp.Notification:
			ev, complete, err := e.decoder.Decode(m)
			if err != nil {
				e.log.Warn().Err(err).Str("method", m.Method).Msg("skipping undecodable notification")
				continue
			}
			if complete {
				switch {
				case sink == nil:
					e.lateComplete = false
					e.log.Debug().Msg("completion outside a prompt turn")
				case !sameSession(m, sessionID):
					e.log.Debug().Msg("completion for another session")
				case e.lateComplete:
					e.lateComplete = false
					e.log.Debug().Uint64("awaiting", id).Msg("dropping completion of the previous turn")
				default:
					return nil, nil
				}
				continue
			}
			if ev == nil {
				continue
			}
			if sink != nil {
				// An event of this turn means the previous one is over.
				e.lateComplete = false
				sink(ev)
			} else {
				e.log.Debug().Str("event", ev.EventType()).Msg("event outside a prompt turn")
			}
		case *acp.InboundRequest:
			e.log.Warn().Str("method", m.Method).RawJSON("id", m.ID).Msg("rejecting agent request")
			reply := &acp.ErrorReply{
				JSONRPC: acp.Version,
				ID:      m.ID,
				Error:   &acp.RPCError{Code: acp.MethodNotFound, Message: "method not supported by client: " + m.Method},
			}
			if err := conn.Send(reply); err != nil {
				return nil, e.fail(err)
			}
		}
	}
}

// sameSession reports whether a completion names sessionID. A completion
// without a sessionId matches any session.
func sameSession(n *acp.Notification, sessionID string) bool {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil || params.SessionID == "" {
		return true
	}
	return params.SessionID == sessionID
}

func (e *Engine) connection() (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return nil, e.fatal
	}
	if e.conn == nil {
		return nil, errors.Wrapf(errors.ErrInvalidState, "not connected")
	}
	return e.conn, nil
}

// fail records a transport failure as fatal to the connection.
func (e *Engine) fail(err error) error {
	if errors.Is(err, errors.ErrTransportClosed) || errors.Is(err, errors.ErrMalformedMessage) {
		e.mu.Lock()
		if e.fatal == nil {
			e.fatal = err
		}
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("connection lost")
	}
	return err
}

// abort latches cause as fatal and closes the agent connection, which
// unblocks a pending read.
func (e *Engine) abort(cause error) {
	e.mu.Lock()
	first := e.fatal == nil
	if first {
		e.fatal = errors.Wrapf(cause, "prompt turn abandoned, connection closed")
	}
	e.mu.Unlock()
	if first {
		e.log.Warn().Err(cause).Msg("prompt turn cancelled, closing connection")
	}
	_ = e.closeAgent()
}

// closeAgent terminates the spawned agent, or closes an injected transport
// that supports it. It runs once.
func (e *Engine) closeAgent() error {
	e.agentOnce.Do(func() {
		e.mu.Lock()
		h, conn := e.handle, e.conn
		e.mu.Unlock()
		if h != nil {
			e.agentErr = e.sup.Terminate(h)
		} else if c, ok := conn.(io.Closer); ok {
			e.agentErr = c.Close()
		}
	})
	return e.agentErr
}

func (e *Engine) expect(want State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return e.fatal
	}
	if e.state != want {
		return errors.Wrapf(errors.ErrInvalidState, "in state %s, want %s", e.state, want)
	}
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Terminated {
		e.state = s
	}
}

// Close terminates the agent and then the auxiliary server, then reaps
// anything else the supervisor spawned. Every step is attempted; their errors
// are joined. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = Terminated
		e.mu.Unlock()

		e.closeErr = errors.Join(e.closeAgent(), e.aux.Stop())
		// Shutdown repeats the first two results; it only adds handles
		// nothing else owned.
		if err := e.sup.Shutdown(); e.closeErr == nil {
			e.closeErr = err
		}
		e.log.Info().Err(e.closeErr).Msg("engine closed")
	})
	return e.closeErr
}
