// Package process locates, spawns and terminates the subprocesses the engine
// depends on. A Supervisor owns every handle it spawns and is the only place
// they are killed.
package process

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/codexd/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Stdio selects how a child's standard streams are wired.
type Stdio int

const (
	// StdioPipe connects stdin/stdout to pipes for the caller and leaves
	// stderr attached to the parent's stderr.
	StdioPipe Stdio = iota
	// StdioDrain closes stdin and drains stdout/stderr into the log on
	// background readers.
	StdioDrain
)

// Command describes a subprocess to spawn.
type Command struct {
	Name  string
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdio Stdio
}

// Handle is a spawned subprocess.
type Handle struct {
	Name   string
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd    *exec.Cmd
	drains *errgroup.Group
	once   sync.Once
	err    error
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Supervisor registers every handle at spawn time and terminates them all on
// Shutdown.
type Supervisor struct {
	mu      sync.Mutex
	handles []*Handle
	log     zerolog.Logger
}

func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{log: logger.With().Str("component", "supervisor").Logger()}
}

// Resolve returns the first existing candidate of an ordered search chain.
// Candidates containing a path separator are file paths and may be globs;
// bare names are looked up on PATH.
func Resolve(chain []string) (string, error) {
	for _, candidate := range chain {
		if candidate == "" {
			continue
		}
		if !strings.ContainsRune(candidate, '/') && !strings.ContainsRune(candidate, filepath.Separator) {
			if p, err := exec.LookPath(candidate); err == nil {
				return p, nil
			}
			continue
		}
		matches, err := doublestar.FilepathGlob(candidate)
		if err != nil {
			return "", errors.Wrapf(err, "invalid search pattern '%s'", candidate)
		}
		for _, m := range matches {
			if isExecutable(m) {
				if abs, err := filepath.Abs(m); err == nil {
					return abs, nil
				}
				return m, nil
			}
		}
	}
	return "", errors.Wrapf(errors.ErrNotFound, "none of %s exist", strings.Join(chain, ", "))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Spawn starts c and registers its handle.
func (s *Supervisor) Spawn(c Command) (*Handle, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	h := &Handle{Name: c.Name, cmd: cmd}

	var stdout, stderr io.ReadCloser
	var err error
	switch c.Stdio {
	case StdioPipe:
		if h.Stdin, err = cmd.StdinPipe(); err != nil {
			return nil, errors.Wrapf(errors.ErrSpawnFailure, "%s: stdin pipe: %v", c.Name, err)
		}
		if h.Stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, errors.Wrapf(errors.ErrSpawnFailure, "%s: stdout pipe: %v", c.Name, err)
		}
		// Diagnostics go straight to our stderr, never parsed.
		cmd.Stderr = os.Stderr
	case StdioDrain:
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, errors.Wrapf(errors.ErrSpawnFailure, "%s: stdout pipe: %v", c.Name, err)
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return nil, errors.Wrapf(errors.ErrSpawnFailure, "%s: stderr pipe: %v", c.Name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(errors.ErrSpawnFailure, "%s: %v", c.Name, err)
	}

	if c.Stdio == StdioDrain {
		h.drains = &errgroup.Group{}
		h.drains.Go(func() error { return s.drain(c.Name, "stdout", stdout) })
		h.drains.Go(func() error { return s.drain(c.Name, "stderr", stderr) })
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	s.log.Info().Str("name", c.Name).Str("path", c.Path).Int("pid", h.Pid()).Msg("spawned")
	return h, nil
}

func (s *Supervisor) drain(name, stream string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Debug().Str("name", name).Str("stream", stream).Msg(scanner.Text())
	}
	return nil
}

// Terminate kills the process and reaps it. Calling it again, or on a process
// that already exited, returns the first result without error escalation.
func (s *Supervisor) Terminate(h *Handle) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.Stdin != nil {
			_ = h.Stdin.Close()
		}
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.err = errors.Wrapf(err, "kill %s", h.Name)
		}
		if h.drains != nil {
			_ = h.drains.Wait()
		}
		// Wait reports the kill signal as an ExitError; only other failures count.
		if err := h.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) && h.err == nil {
				h.err = errors.Wrapf(err, "wait %s", h.Name)
			}
		}
		s.log.Info().Str("name", h.Name).Msg("terminated")
	})
	return h.err
}

// Shutdown terminates every registered handle in spawn order. All handles are
// attempted even if one fails.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	handles := append([]*Handle(nil), s.handles...)
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, s.Terminate(h))
	}
	return errors.Join(errs...)
}

// Run executes a one-shot command to completion and returns its combined
// output.
func Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return string(output), nil
}
