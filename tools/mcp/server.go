// Package mcp supervises the auxiliary MCP tool server that the agent calls
// back into during a session.
//
// The server is a Python project living in its own directory. Start bootstraps
// a virtual environment when missing, reinstalls the declared dependencies,
// launches the entry script and waits until the endpoint answers an MCP
// tools/list. Every failure along the way degrades the feature instead of
// failing the session.
package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/codexd/acp"
	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/errors"
	"github.com/m4xw311/codexd/process"
	"github.com/rs/zerolog"
)

const pollInterval = 250 * time.Millisecond

// Runner executes a one-shot command in dir.
type Runner func(ctx context.Context, dir, name string, args ...string) (string, error)

// Server is the lifecycle of one auxiliary server.
type Server struct {
	cfg   config.AuxServer
	sup   *process.Supervisor
	log   zerolog.Logger
	run   Runner
	probe Prober
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	started bool
	// stopped is set by Stop; a Start still in progress must not spawn.
	stopped bool
	handle  *process.Handle
	tools   []string
}

type Option func(*Server)

// WithRunner replaces process.Run for venv and pip commands.
func WithRunner(r Runner) Option { return func(s *Server) { s.run = r } }

// WithProber replaces the MCP readiness probe.
func WithProber(p Prober) Option { return func(s *Server) { s.probe = p } }

func NewServer(cfg config.AuxServer, sup *process.Supervisor, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		sup:   sup,
		log:   logger.With().Str("component", "aux-server").Str("name", cfg.Name).Logger(),
		run:   process.Run,
		probe: ListTools,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// URL is the local endpoint the server listens on.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%d%s", s.cfg.Host, s.cfg.Port, s.cfg.Path)
}

// Start brings the server up. It runs at most once; later calls are no-ops.
// Only context cancellation is returned as an error. After Stop, Start never
// leaves a process running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if info, err := os.Stat(s.cfg.Dir); err != nil || !info.IsDir() {
		s.log.Info().Str("dir", s.cfg.Dir).Msg("auxiliary server directory absent, continuing without it")
		return nil
	}

	python, err := s.ensureVenv(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("virtual environment bootstrap failed, continuing without auxiliary server")
		return ctx.Err()
	}
	if err := s.installDeps(ctx, python); err != nil {
		s.log.Warn().Err(err).Msg("dependency install failed, continuing without auxiliary server")
		return ctx.Err()
	}
	entry, err := s.entry()
	if err != nil {
		s.log.Warn().Err(err).Msg("no entry script, continuing without auxiliary server")
		return nil
	}
	if s.isStopped() {
		s.log.Info().Msg("stopped before launch, not starting auxiliary server")
		return nil
	}

	h, err := s.sup.Spawn(process.Command{
		Name:  s.cfg.Name,
		Path:  python,
		Args:  []string{entry},
		Dir:   s.cfg.Dir,
		Stdio: process.StdioDrain,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to start auxiliary server")
		return nil
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Info().Msg("stopped during launch, terminating auxiliary server")
		if err := s.sup.Terminate(h); err != nil {
			s.log.Warn().Err(err).Msg("failed to terminate auxiliary server")
		}
		return nil
	}
	s.handle = h
	s.mu.Unlock()

	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}
	return s.awaitReady(ctx)
}

// ensureVenv returns the venv interpreter, creating the venv if needed.
func (s *Server) ensureVenv(ctx context.Context) (string, error) {
	dir, err := filepath.Abs(s.cfg.Dir)
	if err != nil {
		return "", err
	}
	python := filepath.Join(dir, s.cfg.Venv, "bin", "python")
	if _, err := os.Stat(python); err == nil {
		return python, nil
	}
	s.log.Info().Str("venv", s.cfg.Venv).Msg("creating virtual environment")
	if _, err := s.run(ctx, s.cfg.Dir, s.cfg.Python, "-m", "venv", s.cfg.Venv); err != nil {
		return "", err
	}
	return python, nil
}

// installDeps runs on every start; pip makes it idempotent.
func (s *Server) installDeps(ctx context.Context, python string) error {
	args := []string{"-m", "pip", "install", "-q"}
	switch {
	case fileExists(filepath.Join(s.cfg.Dir, s.cfg.Requirements)):
		args = append(args, "-r", s.cfg.Requirements)
	case fileExists(filepath.Join(s.cfg.Dir, "pyproject.toml")):
		args = append(args, "-e", ".")
	case len(s.cfg.Packages) > 0:
		args = append(args, s.cfg.Packages...)
	default:
		return nil
	}
	s.log.Info().Strs("args", args).Msg("installing dependencies")
	_, err := s.run(ctx, s.cfg.Dir, python, args...)
	return err
}

// entry resolves the configured entry script, which may be a glob relative
// to the server directory.
func (s *Server) entry() (string, error) {
	matches, err := doublestar.Glob(os.DirFS(s.cfg.Dir), s.cfg.Entry)
	if err != nil {
		return "", errors.Wrapf(err, "invalid entry pattern '%s'", s.cfg.Entry)
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(errors.ErrNotFound, "entry '%s' in %s", s.cfg.Entry, s.cfg.Dir)
	}
	return matches[0], nil
}

// awaitReady polls the endpoint until it lists its tools or ReadyTimeout
// elapses. A timeout is logged; the process keeps running.
func (s *Server) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	url := s.URL()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, pollInterval*4)
		tools, err := s.probe(probeCtx, url)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.tools = tools
			s.mu.Unlock()
			s.log.Info().Str("url", url).Strs("tools", tools).Msg("auxiliary server ready")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Before(deadline) {
			s.log.Warn().Err(err).Str("url", url).Dur("timeout", s.cfg.ReadyTimeout).Msg("auxiliary server not ready, continuing")
			return nil
		}
		if err := s.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// Descriptor returns the endpoint to advertise while the process is running.
func (s *Server) Descriptor() (acp.MCPServer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return acp.MCPServer{}, false
	}
	return acp.HTTPServer(s.cfg.Name, s.URL()), true
}

// Tools returns the tool names reported by the readiness probe.
func (s *Server) Tools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tools...)
}

// Stop terminates the server process if one was started and prevents a Start
// in progress from launching one. It is safe to call at any time and more
// than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return s.sup.Terminate(h)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
