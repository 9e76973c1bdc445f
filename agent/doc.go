// Package agent drives an ACP agent subprocess through one conversation.
//
// An Engine owns the connection: it spawns the agent binary, performs the
// initialize and authenticate handshake, creates a single session and runs
// prompt turns. The state machine is
//
//	Disconnected -> HandshakeDone -> Authenticated -> SessionReady
//	SessionReady -> Prompting -> SessionReady
//	any -> Terminated (Close)
//
// Requests carry ids from a per-engine counter starting at 1. Every response
// is awaited by a single reader, which also feeds interleaved session/update
// notifications through an acp.Decoder and, during a turn, hands the
// resulting events to the caller's sink.
//
// # Usage
//
//	eng := agent.New(cfg, agent.WithLogger(log.Logger))
//	defer eng.Close()
//	if err := eng.Connect(ctx); err != nil {
//	    return err
//	}
//	if err := eng.Initialize(ctx); err != nil {
//	    return err
//	}
//	if _, err := eng.CreateSession(ctx, systemPrompt, repoDir); err != nil {
//	    return err
//	}
//	turn := eng.Stream(ctx, "why do I keep reverting?", 64)
//	for ev := range turn.Events() {
//	    // render ev
//	}
//	err := turn.Wait()
//
// # Failures
//
// A closed or desynchronized stream is fatal: every later call returns the
// same error and the caller must build a new Engine. Cancelling the context of
// a prompt turn in flight closes the connection the same way, since closing
// the agent is the only way to stop a turn. Error payloads in responses are
// returned as *acp.RPCError and leave the connection usable.
//
// # Subpackages
//
// agent/terminal is the interactive REPL built on Stream. agent/acptest is an
// in-process agent peer used by tests.
package agent
