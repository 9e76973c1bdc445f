package main

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/agent"
	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/repo"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is a control message exchanged with the browser. Events use the
// acp.MarshalEvent shape instead.
type Frame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Session is the part of agent.Engine the bridge drives.
type Session interface {
	Stream(ctx context.Context, text string, buffer int) *agent.Turn
	Close() error
}

// starter returns a session ready for prompts on repoDir.
type starter func(ctx context.Context, repoDir string) (Session, string, error)

type bridge struct {
	start starter
	log   zerolog.Logger
}

func newBridge(cfg *config.Config, logger zerolog.Logger) *bridge {
	return &bridge{start: engineStarter(cfg, logger), log: logger.With().Str("component", "ws-bridge").Logger()}
}

func engineStarter(cfg *config.Config, logger zerolog.Logger) starter {
	return func(ctx context.Context, repoDir string) (Session, string, error) {
		analysis, err := repo.Analyze(repoDir, cfg.HistoryLimit)
		if err != nil {
			return nil, "", err
		}
		eng := agent.New(cfg, agent.WithLogger(logger))
		if err := eng.Connect(ctx); err != nil {
			return nil, "", joinClose(err, eng)
		}
		if err := eng.Initialize(ctx); err != nil {
			return nil, "", joinClose(err, eng)
		}
		id, err := eng.CreateSession(ctx, repo.SystemPrompt(analysis), repoDir)
		if err != nil {
			return nil, "", joinClose(err, eng)
		}
		return eng, id, nil
	}
}

func joinClose(err error, eng *agent.Engine) error {
	_ = eng.Close()
	return err
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	repoDir := r.URL.Query().Get("repo")
	if repoDir == "" {
		repoDir = "."
	}
	if abs, err := filepath.Abs(repoDir); err == nil {
		repoDir = abs
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, id, err := b.start(ctx, repoDir)
	if err != nil {
		b.log.Error().Err(err).Str("repo", repoDir).Msg("failed to start session")
		_ = conn.WriteJSON(Frame{Type: "error", Message: err.Error()})
		return
	}
	defer sess.Close()
	if err := conn.WriteJSON(Frame{Type: "ready", SessionID: id}); err != nil {
		return
	}

	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			b.log.Debug().Err(err).Msg("client gone")
			return
		}
		if in.Type != "prompt" || in.Text == "" {
			_ = conn.WriteJSON(Frame{Type: "error", Message: "expected {\"type\":\"prompt\",\"text\":...}"})
			continue
		}
		if err := b.relayTurn(ctx, conn, sess, in.Text); err != nil {
			b.log.Debug().Err(err).Msg("relay stopped")
			return
		}
	}
}

// relayTurn runs one prompt and forwards its events. It returns an error
// only when the WebSocket itself failed.
func (b *bridge) relayTurn(ctx context.Context, conn *websocket.Conn, sess Session, text string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turn := sess.Stream(turnCtx, text, 64)
	var writeErr error
	for ev := range turn.Events() {
		if writeErr != nil {
			continue
		}
		data, err := acp.MarshalEvent(ev)
		if err != nil {
			b.log.Warn().Err(err).Str("event", ev.EventType()).Msg("cannot encode event")
			continue
		}
		if writeErr = conn.WriteMessage(websocket.TextMessage, data); writeErr != nil {
			// The socket is gone; abandoning the turn closes the engine.
			cancel()
		}
	}
	turnErr := turn.Wait()
	if writeErr != nil {
		return writeErr
	}
	end := Frame{Type: "turn_end"}
	if turnErr != nil {
		end = Frame{Type: "error", Message: turnErr.Error()}
	}
	return conn.WriteJSON(end)
}
