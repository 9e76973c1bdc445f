package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/errors"
	"github.com/m4xw311/codexd/process"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replayConn replays a fixed inbound script and records everything sent.
type replayConn struct {
	mu       sync.Mutex
	incoming []acp.Message
	sent     [][]byte
}

func newReplay(t *testing.T, lines ...string) *replayConn {
	t.Helper()
	c := &replayConn{}
	c.push(t, lines...)
	return c
}

func (c *replayConn) push(t *testing.T, lines ...string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		m, err := acp.Decode([]byte(l))
		require.NoError(t, err, l)
		c.incoming = append(c.incoming, m)
	}
}

func (c *replayConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *replayConn) Receive() (acp.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.incoming) == 0 {
		return nil, errors.Wrapf(errors.ErrTransportClosed, "script exhausted")
	}
	m := c.incoming[0]
	c.incoming = c.incoming[1:]
	return m, nil
}

func (c *replayConn) remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.incoming)
}

type sentMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *acp.RPCError   `json:"error"`
}

func (c *replayConn) messages(t *testing.T) []sentMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMessage
	for _, data := range c.sent {
		var m sentMessage
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, m)
	}
	return out
}

type fakeAux struct {
	mu       sync.Mutex
	starts   int
	stops    int
	running  bool
	stopErr  error
	startErr error
}

func (a *fakeAux) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	return a.startErr
}

func (a *fakeAux) Descriptor() (acp.MCPServer, bool) {
	if !a.running {
		return acp.MCPServer{}, false
	}
	return acp.HTTPServer("codex-psychology", "http://127.0.0.1:52848/mcp"), true
}

func (a *fakeAux) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return a.stopErr
}

const (
	initOK    = `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1}}`
	authOK    = `{"jsonrpc":"2.0","id":2,"result":{}}`
	sessionOK = `{"jsonrpc":"2.0","id":3,"result":{"sessionId":"s1"}}`
	complete  = `{"jsonrpc":"2.0","method":"session/complete","params":{"sessionId":"s1"}}`
)

func update(u string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":%s}}`, u)
}

func testEngine(conn Conn, aux AuxServer) *Engine {
	cfg := config.Default()
	cfg.ExternalMCPServers = []config.MCPServer{{Name: "hosted", URL: "https://tools.example.com/mcp"}}
	return New(cfg, WithTransport(conn), WithAuxServer(aux), WithLogger(zerolog.Nop()))
}

func readyEngine(t *testing.T, conn *replayConn, aux AuxServer) *Engine {
	t.Helper()
	e := testEngine(conn, aux)
	require.NoError(t, e.Initialize(context.Background()))
	_, err := e.CreateSession(context.Background(), "You are a developer psychology analyst.", t.TempDir())
	require.NoError(t, err)
	return e
}

func collect(events *[]acp.StreamEvent) func(acp.StreamEvent) {
	return func(ev acp.StreamEvent) { *events = append(*events, ev) }
}

func TestInitializeThenCreateSessionStoresID(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK)
	aux := &fakeAux{running: true}
	e := testEngine(conn, aux)

	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, Authenticated, e.State())

	dir := t.TempDir()
	id, err := e.CreateSession(context.Background(), "system prompt", dir)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, SessionReady, e.State())
	assert.Equal(t, 1, aux.starts)

	sess, ok := e.Session()
	require.True(t, ok)
	assert.Equal(t, Session{ID: "s1", SystemPrompt: "system prompt", WorkingDirectory: dir}, sess)

	sent := conn.messages(t)
	require.Len(t, sent, 3)
	for i, m := range sent {
		assert.Equal(t, fmt.Sprint(i+1), string(m.ID))
	}
	assert.Equal(t, []string{"initialize", "authenticate", "session/new"},
		[]string{sent[0].Method, sent[1].Method, sent[2].Method})
	assert.JSONEq(t, `{"methodId":"openai-api-key"}`, string(sent[1].Params))

	var params acp.NewSessionParams
	require.NoError(t, json.Unmarshal(sent[2].Params, &params))
	assert.Equal(t, dir, params.Cwd)
	assert.Equal(t, "bypassPermissions", params.PermissionMode)
	assert.Equal(t, "system prompt", params.SystemPrompt)
	assert.Equal(t, []acp.MCPServer{
		acp.HTTPServer("codex-psychology", "http://127.0.0.1:52848/mcp"),
		acp.HTTPServer("hosted", "https://tools.example.com/mcp"),
	}, params.MCPServers)
}

func TestCreateSessionOmitsStoppedAuxServer(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK)
	e := testEngine(conn, &fakeAux{})
	require.NoError(t, e.Initialize(context.Background()))
	_, err := e.CreateSession(context.Background(), "p", t.TempDir())
	require.NoError(t, err)

	var params acp.NewSessionParams
	require.NoError(t, json.Unmarshal(conn.messages(t)[2].Params, &params))
	require.Len(t, params.MCPServers, 1)
	assert.Equal(t, "hosted", params.MCPServers[0].Name)
}

func TestCreateSessionRelativeDirectoryIsAbsolute(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK)
	e := testEngine(conn, &fakeAux{})
	require.NoError(t, e.Initialize(context.Background()))
	_, err := e.CreateSession(context.Background(), "p", ".")
	require.NoError(t, err)
	sess, _ := e.Session()
	assert.True(t, filepath.IsAbs(sess.WorkingDirectory))
}

func TestAwaitResponseForwardsInterleavedNotifications(t *testing.T) {
	conn := newReplay(t,
		update(`{"sessionUpdate":"tool_call","toolCallId":"t1","title":"git log","status":"in_progress"}`),
		`{"jsonrpc":"2.0","id":99,"result":{}}`,
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"t1","content":[{"type":"content","content":{"type":"text","text":"a"}}]}`),
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"t1","content":[{"type":"content","content":{"type":"text","text":"b"}}]}`),
		initOK,
		`{"jsonrpc":"2.0","id":5,"result":{}}`,
	)
	e := testEngine(conn, &fakeAux{})
	err := e.call(context.Background(), acp.MethodInitialize, acp.InitializeParams{}, nil)
	require.NoError(t, err)

	call, ok := e.ToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, "git log", call.Title)
	require.Len(t, call.Content, 2)
	assert.Equal(t, "a", call.Content[0].Text())
	assert.Equal(t, "b", call.Content[1].Text())
	// The call returned on its own response and left the rest unread.
	assert.Equal(t, 1, conn.remaining())
}

func TestRequestIDsStrictlyIncrease(t *testing.T) {
	e := testEngine(newReplay(t), &fakeAux{})
	const n = 1000
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				ids <- e.NextID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, uint64(n+1), e.NextID())
}

func TestCreateSessionRequiresInitialize(t *testing.T) {
	conn := newReplay(t, sessionOK)
	aux := &fakeAux{}
	e := testEngine(conn, aux)

	_, err := e.CreateSession(context.Background(), "p", t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	assert.Empty(t, conn.messages(t))
	assert.Zero(t, aux.starts)
	assert.Equal(t, Disconnected, e.State())
}

func TestCreateSessionOnlyOnce(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK)
	e := readyEngine(t, conn, &fakeAux{})
	_, err := e.CreateSession(context.Background(), "p", t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	assert.Len(t, conn.messages(t), 3)
}

func TestInitializeErrorPayloadStillAuthenticates(t *testing.T) {
	conn := newReplay(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"boom"}}`, authOK)
	e := testEngine(conn, &fakeAux{})
	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, Authenticated, e.State())

	sent := conn.messages(t)
	require.Len(t, sent, 2)
	assert.Equal(t, acp.MethodAuthenticate, sent[1].Method)
}

func TestInitializeTransportFailureKeepsDisconnected(t *testing.T) {
	conn := newReplay(t)
	e := testEngine(conn, &fakeAux{})
	err := e.Initialize(context.Background())
	assert.True(t, errors.Is(err, errors.ErrTransportClosed))
	assert.Equal(t, Disconnected, e.State())
	assert.Len(t, conn.messages(t), 1)
}

func TestConcurrentCreateSessionSendsOnce(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK)
	aux := &fakeAux{}
	e := testEngine(conn, aux)
	require.NoError(t, e.Initialize(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.CreateSession(context.Background(), "p", t.TempDir())
		}()
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrInvalidState):
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)
	assert.Equal(t, 1, aux.starts)

	sessionNews := 0
	for _, m := range conn.messages(t) {
		if m.Method == acp.MethodSessionNew {
			sessionNews++
		}
	}
	assert.Equal(t, 1, sessionNews)
	sess, _ := e.Session()
	assert.Equal(t, "s1", sess.ID)
}

func TestAuthenticationFailureIsTyped(t *testing.T) {
	conn := newReplay(t, initOK, `{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"missing OPENAI_API_KEY"}}`)
	e := testEngine(conn, &fakeAux{})
	err := e.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthentication))
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	assert.Contains(t, err.Error(), "missing OPENAI_API_KEY")
	assert.Equal(t, HandshakeDone, e.State())
	// No retry.
	assert.Len(t, conn.messages(t), 2)
}

func TestCreateSessionWithoutSessionID(t *testing.T) {
	conn := newReplay(t, initOK, authOK, `{"jsonrpc":"2.0","id":3,"result":{}}`)
	e := testEngine(conn, &fakeAux{})
	require.NoError(t, e.Initialize(context.Background()))
	_, err := e.CreateSession(context.Background(), "p", t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrNoSessionID))
	assert.Equal(t, Authenticated, e.State())
	_, ok := e.Session()
	assert.False(t, ok)
}

func TestCreateSessionAuxCancelled(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK)
	e := testEngine(conn, &fakeAux{startErr: context.Canceled})
	require.NoError(t, e.Initialize(context.Background()))
	_, err := e.CreateSession(context.Background(), "p", t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, conn.messages(t), 2)
}

func TestPromptWithoutSession(t *testing.T) {
	conn := newReplay(t, initOK, authOK)
	e := testEngine(conn, &fakeAux{})
	err := e.Prompt(context.Background(), "hi", nil)
	assert.True(t, errors.Is(err, errors.ErrNoActiveSession))

	require.NoError(t, e.Initialize(context.Background()))
	err = e.Prompt(context.Background(), "hi", nil)
	assert.True(t, errors.Is(err, errors.ErrNoActiveSession))
	assert.Len(t, conn.messages(t), 2)
}

func TestPromptToolCallLifecycle(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"tool_call","toolCallId":"t1","status":"in_progress"}`),
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"completed"}`),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})

	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "analyze me", collect(&events)))
	require.Len(t, events, 2)

	started, ok := events[0].(acp.ToolCallStarted)
	require.True(t, ok)
	assert.Equal(t, "t1", started.Call.ID)
	assert.Equal(t, acp.ToolCallInProgress, started.Call.Status)

	updated, ok := events[1].(acp.ToolCallUpdated)
	require.True(t, ok)
	assert.Equal(t, "t1", updated.ID)
	require.NotNil(t, updated.Status)
	assert.Equal(t, acp.ToolCallCompleted, *updated.Status)
	assert.Equal(t, SessionReady, e.State())

	sent := conn.messages(t)
	require.Len(t, sent, 4)
	assert.Equal(t, "session/prompt", sent[3].Method)
	assert.Equal(t, "4", string(sent[3].ID))
	var params acp.PromptParams
	require.NoError(t, json.Unmarshal(sent[3].Params, &params))
	assert.Equal(t, "s1", params.SessionID)
	assert.Equal(t, []acp.ContentBlock{
		acp.TextBlock("You are a developer psychology analyst."),
		acp.TextBlock("analyze me"),
	}, params.Prompt)
}

func TestClosedToolCallNeverReverts(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"tool_call","toolCallId":"t1","status":"failed"}`),
		complete,
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"in_progress"}`),
		update(`{"sessionUpdate":"tool_call","toolCallId":"t1","title":"again"}`),
		update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"done"}}`),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})
	require.NoError(t, e.Prompt(context.Background(), "one", nil))

	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "two", collect(&events)))
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "done"}}, events)

	call, ok := e.ToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, acp.ToolCallFailed, call.Status)
	assert.Empty(t, call.Title)
}

func TestCompletionEndsTurnUnconditionally(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"tool_call","toolCallId":"t1"}`),
		complete,
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"completed"}`),
	)
	e := readyEngine(t, conn, &fakeAux{})

	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "go", collect(&events)))
	assert.Len(t, events, 1)
	assert.Equal(t, 1, conn.remaining())

	call, _ := e.ToolCall("t1")
	assert.False(t, call.Closed())
}

func TestPromptEndsOnResponse(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}`),
		update(`{"sessionUpdate":"plan","entries":[]}`),
		`{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`,
	)
	e := readyEngine(t, conn, &fakeAux{})
	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "go", collect(&events)))
	assert.Equal(t, []acp.StreamEvent{acp.ThoughtChunk{Text: "hmm"}}, events)
}

func TestPromptErrorResponse(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		`{"jsonrpc":"2.0","id":4,"error":{"code":-32602,"message":"unknown sessionId"}}`,
	)
	e := readyEngine(t, conn, &fakeAux{})
	err := e.Prompt(context.Background(), "go", nil)
	var rpcErr *acp.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, acp.InvalidParams, rpcErr.Code)
	assert.Equal(t, SessionReady, e.State())
}

func TestMalformedUpdateIsSkipped(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"tool_call","title":"no id"}`),
		update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"still here"}}`),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})
	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "go", collect(&events)))
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "still here"}}, events)
}

func TestInboundRequestIsRejected(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		`{"jsonrpc":"2.0","id":"perm-1","method":"session/request_permission","params":{}}`,
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})
	require.NoError(t, e.Prompt(context.Background(), "go", nil))

	sent := conn.messages(t)
	reply := sent[len(sent)-1]
	assert.Equal(t, `"perm-1"`, string(reply.ID))
	require.NotNil(t, reply.Error)
	assert.Equal(t, acp.MethodNotFound, reply.Error.Code)
}

func TestTransportClosedIsFatal(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"partial"}}`),
	)
	e := readyEngine(t, conn, &fakeAux{})

	err := e.Prompt(context.Background(), "go", nil)
	assert.True(t, errors.Is(err, errors.ErrTransportClosed))

	conn.push(t, complete)
	err = e.Prompt(context.Background(), "again", nil)
	assert.True(t, errors.Is(err, errors.ErrTransportClosed))
	assert.Equal(t, 1, conn.remaining())
}

func TestPromptHonorsCancelledContext(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK, complete)
	e := readyEngine(t, conn, &fakeAux{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Prompt(ctx, "go", nil), context.Canceled)
	assert.Equal(t, SessionReady, e.State())
}

func chunk(text string) string {
	return update(fmt.Sprintf(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":%q}}`, text))
}

func TestCancelMidTurnClosesConnection(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		chunk("old1"), chunk("old2"), complete,
		`{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`,
		chunk("new"), complete,
	)
	e := readyEngine(t, conn, &fakeAux{})

	ctx, cancel := context.WithCancel(context.Background())
	var first []acp.StreamEvent
	err := e.Prompt(ctx, "first", func(ev acp.StreamEvent) {
		first = append(first, ev)
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "old1"}}, first)

	// The rest of the cancelled turn is never replayed into the next one.
	sent := len(conn.messages(t))
	var second []acp.StreamEvent
	err = e.Prompt(context.Background(), "second", collect(&second))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, second)
	assert.Len(t, conn.messages(t), sent)
}

func TestLateCompletionDoesNotEndNextTurn(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		chunk("first"),
		`{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`,
		complete,
		chunk("second"),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})

	var first, second []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "one", collect(&first)))
	require.NoError(t, e.Prompt(context.Background(), "two", collect(&second)))
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "first"}}, first)
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "second"}}, second)
	assert.Zero(t, conn.remaining())
}

func TestTurnAfterResponseEndsOnItsOwnCompletion(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		chunk("a"),
		`{"jsonrpc":"2.0","id":4,"result":{}}`,
		chunk("b"),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})

	require.NoError(t, e.Prompt(context.Background(), "one", nil))
	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "two", collect(&events)))
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "b"}}, events)
	assert.Zero(t, conn.remaining())
}

func TestCompletionForOtherSessionIsIgnored(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		chunk("before"),
		`{"jsonrpc":"2.0","method":"session/complete","params":{"sessionId":"other"}}`,
		chunk("after"),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})

	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(context.Background(), "go", collect(&events)))
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "before"}, acp.MessageChunk{Text: "after"}}, events)
	assert.Zero(t, conn.remaining())
}

func TestPromptUndecodableResultStillEndsTurn(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		`{"jsonrpc":"2.0","id":4,"result":"done"}`,
	)
	e := readyEngine(t, conn, &fakeAux{})
	require.NoError(t, e.Prompt(context.Background(), "go", nil))
	assert.Equal(t, SessionReady, e.State())
}

func TestStreamRelaysEvents(t *testing.T) {
	conn := newReplay(t, initOK, authOK, sessionOK,
		update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hel"}}`),
		update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"lo"}}`),
		complete,
	)
	e := readyEngine(t, conn, &fakeAux{})

	turn := e.Stream(context.Background(), "go", 1)
	var text string
	for ev := range turn.Events() {
		text += ev.(acp.MessageChunk).Text
	}
	require.NoError(t, turn.Wait())
	assert.Equal(t, "Hello", text)
}

func TestCloseStopsAuxWithoutAgent(t *testing.T) {
	aux := &fakeAux{stopErr: errors.New("aux stop failed")}
	e := New(config.Default(), WithAuxServer(aux), WithLogger(zerolog.Nop()))

	err := e.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aux stop failed")
	assert.Equal(t, 1, aux.stops)
	assert.Equal(t, Terminated, e.State())

	// Idempotent.
	assert.Equal(t, err, e.Close())
	assert.Equal(t, 1, aux.stops)

	err = e.Initialize(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestConnectSpawnsAndCloseTerminates(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.Executable = "cat"
	cfg.Agent.BuildDir = filepath.Join(t.TempDir(), "target")
	aux := &fakeAux{}
	sup := process.NewSupervisor(zerolog.Nop())
	e := New(cfg, WithSupervisor(sup), WithAuxServer(aux), WithLogger(zerolog.Nop()))

	require.NoError(t, e.Connect(context.Background()))
	require.NotNil(t, e.handle)
	assert.NotZero(t, e.handle.Pid())

	assert.NoError(t, e.Close())
	assert.Equal(t, 1, aux.stops)
	assert.NoError(t, sup.Shutdown())
}

func TestConnectMissingBinary(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.Executable = "codex-acp-missing-" + t.Name()
	aux := &fakeAux{}
	e := New(cfg, WithAuxServer(aux), WithLogger(zerolog.Nop()))

	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSpawnFailure))
	assert.Contains(t, err.Error(), "cargo build --release")

	assert.NoError(t, e.Close())
	assert.Equal(t, 1, aux.stops)
}

func TestCloseReapsSupervisedProcesses(t *testing.T) {
	path, err := exec.LookPath("sleep")
	require.NoError(t, err)
	sup := process.NewSupervisor(zerolog.Nop())
	h, err := sup.Spawn(process.Command{Name: "stray", Path: path, Args: []string{"30"}, Stdio: process.StdioDrain})
	require.NoError(t, err)

	e := New(config.Default(), WithSupervisor(sup), WithAuxServer(&fakeAux{}), WithLogger(zerolog.Nop()))
	require.NoError(t, e.Close())
	assert.ErrorIs(t, syscall.Kill(h.Pid(), 0), syscall.ESRCH)
}
