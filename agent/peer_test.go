package agent_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/agent"
	"github.com/m4xw311/codexd/agent/acptest"
	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/errors"
	"github.com/m4xw311/codexd/process"
	"github.com/m4xw311/codexd/tools/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, script acptest.Script) (*agent.Engine, *acptest.Peer) {
	t.Helper()
	cfg := config.Default()
	// Absent directory: the auxiliary server degrades and is not advertised.
	cfg.AuxServer.Dir = t.TempDir() + "/absent"
	sup := process.NewSupervisor(zerolog.Nop())
	peer, conn := acptest.Start(script, zerolog.Nop())
	e := agent.New(cfg,
		agent.WithTransport(conn),
		agent.WithSupervisor(sup),
		agent.WithAuxServer(mcp.NewServer(cfg.AuxServer, sup, zerolog.Nop())),
	)
	t.Cleanup(func() { _ = e.Close() })
	return e, peer
}

func TestEngineAgainstPeer(t *testing.T) {
	e, peer := startEngine(t, acptest.Script{
		SessionID: "sess_42",
		Turns: []acptest.Turn{{
			AgentRequest: "session/request_permission",
			Updates: []map[string]any{
				acptest.ThoughtChunk("reading history"),
				acptest.ToolCall("t1", "git log", "pending", "/repo/.git"),
				acptest.ToolCallUpdate("t1", "", "12 commits"),
				acptest.ToolCallUpdate("t1", "completed"),
				acptest.MessageChunk("You revert a lot."),
			},
			Complete: true,
			Respond:  true,
		}, {
			Updates: []map[string]any{acptest.MessageChunk("Second turn.")},
			Respond: true,
		}},
	})
	ctx := context.Background()

	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.Initialize(ctx))
	id, err := e.CreateSession(ctx, "You are a developer psychology analyst.", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "sess_42", id)

	turn := e.Stream(ctx, "why?", 16)
	var types []string
	for ev := range turn.Events() {
		types = append(types, ev.EventType())
	}
	require.NoError(t, turn.Wait())
	assert.Equal(t, []string{"thought_chunk", "tool_call_started", "tool_call_updated", "tool_call_updated", "message_chunk"}, types)

	call, ok := e.ToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, acp.ToolCallCompleted, call.Status)
	assert.Equal(t, []string{"/repo/.git"}, call.Locations)
	require.Len(t, call.Content, 1)
	assert.Equal(t, "12 commits", call.Content[0].Text())

	// The late response of the first turn is dropped; the second turn ends
	// on its own response.
	var events []acp.StreamEvent
	require.NoError(t, e.Prompt(ctx, "and now?", func(ev acp.StreamEvent) { events = append(events, ev) }))
	assert.Equal(t, []acp.StreamEvent{acp.MessageChunk{Text: "Second turn."}}, events)

	require.NoError(t, e.Close())
	require.NoError(t, peer.Wait())

	assert.Equal(t, []string{"initialize", "authenticate", "session/new", "session/prompt", "session/prompt"}, peer.Methods())

	var rejected *acptest.Received
	for _, r := range peer.Received() {
		if r.Error != nil {
			rejected = &r
		}
	}
	require.NotNil(t, rejected)
	assert.Equal(t, acp.MethodNotFound, rejected.Error.Code)

	var params acp.NewSessionParams
	require.NoError(t, json.Unmarshal(peer.Received()[2].Params, &params))
	assert.Empty(t, params.MCPServers)
	assert.Equal(t, "bypassPermissions", params.PermissionMode)
}

func TestEngineAuthRejectedByPeer(t *testing.T) {
	e, _ := startEngine(t, acptest.Script{AuthError: &acp.RPCError{Code: -32000, Message: "invalid api key"}})
	err := e.Initialize(context.Background())
	assert.True(t, errors.Is(err, errors.ErrAuthentication))
	assert.Equal(t, agent.HandshakeDone, e.State())
}

func TestEngineMissingSessionIDFromPeer(t *testing.T) {
	e, _ := startEngine(t, acptest.Script{OmitSessionID: true})
	require.NoError(t, e.Initialize(context.Background()))
	_, err := e.CreateSession(context.Background(), "p", t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrNoSessionID))
}

func TestEngineMalformedLineIsFatal(t *testing.T) {
	e, _ := startEngine(t, acptest.Script{Turns: []acptest.Turn{{Raw: []string{"{not json"}, Complete: true}}})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	_, err := e.CreateSession(ctx, "p", t.TempDir())
	require.NoError(t, err)

	err = e.Prompt(ctx, "go", nil)
	assert.True(t, errors.Is(err, errors.ErrMalformedMessage))
	err = e.Prompt(ctx, "again", nil)
	assert.True(t, errors.Is(err, errors.ErrMalformedMessage))
}

func TestCloseUnblocksHangingTurn(t *testing.T) {
	e, _ := startEngine(t, acptest.Script{Turns: []acptest.Turn{{
		Updates: []map[string]any{acptest.MessageChunk("thinking")},
		Hang:    true,
	}}})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	_, err := e.CreateSession(ctx, "p", t.TempDir())
	require.NoError(t, err)

	turn := e.Stream(ctx, "go", 4)
	ev := <-turn.Events()
	assert.Equal(t, acp.MessageChunk{Text: "thinking"}, ev)

	time.AfterFunc(20*time.Millisecond, func() { _ = e.Close() })
	err = turn.Wait()
	assert.True(t, errors.Is(err, errors.ErrTransportClosed))
	assert.Equal(t, agent.Terminated, e.State())
}

func TestCancelledStreamClosesConnection(t *testing.T) {
	e, peer := startEngine(t, acptest.Script{Turns: []acptest.Turn{{
		Updates: []map[string]any{acptest.MessageChunk("thinking")},
		Hang:    true,
	}}})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	_, err := e.CreateSession(ctx, "p", t.TempDir())
	require.NoError(t, err)

	turnCtx, cancel := context.WithCancel(ctx)
	turn := e.Stream(turnCtx, "go", 4)
	assert.Equal(t, acp.MessageChunk{Text: "thinking"}, <-turn.Events())
	cancel()

	assert.ErrorIs(t, turn.Wait(), context.Canceled)
	assert.ErrorIs(t, e.Prompt(ctx, "again", nil), context.Canceled)
	require.NoError(t, peer.Wait())
	assert.Equal(t, []string{"initialize", "authenticate", "session/new", "session/prompt"}, peer.Methods())
}
