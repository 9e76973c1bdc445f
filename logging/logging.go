// Package logging configures the zerolog logger shared by the CLI binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TraceFile receives a copy of every log line when tracing is enabled.
const TraceFile = "codexd.trace"

type Options struct {
	Verbose bool
	JSON    bool
	// Trace enables wire-level logging and tees output to TraceFile.
	Trace bool
}

// Setup installs the global logger and returns a closer for the trace file.
// Logs always go to stderr: stdout belongs to the conversation.
func Setup(opts Options) (func() error, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}

	closer := func() error { return nil }
	if opts.Trace {
		f, err := os.OpenFile(TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f.Close
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	switch {
	case opts.Trace:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case opts.Verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return closer, nil
}
