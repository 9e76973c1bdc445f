package acp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/m4xw311/codexd/errors"
	"github.com/rs/zerolog"
)

// Transport frames newline-delimited JSON-RPC messages over a subprocess's
// stdin/stdout. Writes are serialized by writeLock and flushed per message;
// reads are serialized by readLock so a single reader owns the stream at a
// time. Transport never retries: any error is fatal to the connection.
type Transport struct {
	StdinWriter  *bufio.Writer
	StdoutReader *bufio.Reader
	writeLock    sync.Mutex
	readLock     sync.Mutex
	log          zerolog.Logger
}

// NewTransport wraps the agent's stdin (w) and stdout (r).
func NewTransport(r io.Reader, w io.Writer, logger zerolog.Logger) *Transport {
	return &Transport{
		StdinWriter:  bufio.NewWriter(w),
		StdoutReader: bufio.NewReader(r),
		log:          logger.With().Str("component", "transport").Logger(),
	}
}

// Send serializes v to a single line and flushes it before returning.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	t.log.Trace().RawJSON("line", data).Msg("send")

	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if _, err := t.StdinWriter.Write(data); err != nil {
		return t.writeErr(err)
	}
	// JSON-RPC messages are newline-delimited JSONs.
	if err := t.StdinWriter.WriteByte('\n'); err != nil {
		return t.writeErr(err)
	}
	if err := t.StdinWriter.Flush(); err != nil {
		return t.writeErr(err)
	}
	return nil
}

// Receive blocks until one full message is available or the stream ends.
func (t *Transport) Receive() (Message, error) {
	t.readLock.Lock()
	defer t.readLock.Unlock()

	for {
		line, err := t.StdoutReader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if err != nil {
			if len(line) == 0 {
				if err == io.EOF {
					return nil, errors.Wrapf(errors.ErrTransportClosed, "agent closed its output")
				}
				return nil, errors.Wrapf(errors.ErrTransportClosed, "read failed: %v", err)
			}
			// A final line without a trailing newline is still a message;
			// the next call reports the closed stream.
		}
		if len(line) == 0 {
			continue
		}
		t.log.Trace().Bytes("line", line).Msg("recv")
		msg, derr := Decode(line)
		if derr != nil {
			t.log.Error().Err(derr).Bytes("line", line).Msg("undecodable line")
			return nil, derr
		}
		return msg, nil
	}
}

func (t *Transport) writeErr(err error) error {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) || isBrokenPipe(err) {
		return errors.Wrapf(errors.ErrTransportClosed, "write failed: %v", err)
	}
	return errors.Wrapf(err, "write failed")
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}
