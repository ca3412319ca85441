// Package agent runs coding agent processes speaking the streaming JSON
// protocol and exposes their output as an ordered stream of events.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
)

// Session is a running agent process. It implements Stream: events are
// decoded from the process stdout as they arrive and handed out by Next.
type Session struct {
	cmd     *exec.Cmd
	msgCh   chan Message
	done    chan struct{} // closed when the reader goroutine exits
	pending []Event
	err     error
	log     *slog.Logger
}

var _ Stream = (*Session)(nil)

// NewSession creates a Session from an already-started command. logW receives
// raw NDJSON lines (may be nil).
func NewSession(cmd *exec.Cmd, stdout io.Reader, logW io.Writer, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cmd:   cmd,
		msgCh: make(chan Message, 16),
		done:  make(chan struct{}),
		log:   log,
	}
	go func() {
		defer close(s.done)
		result, parseErr := readMessages(stdout, s.msgCh, logW, log)
		close(s.msgCh)
		if parseErr != nil {
			// Keep the pipe flowing so the process can exit.
			_, _ = io.Copy(io.Discard, stdout)
		}
		waitErr := cmd.Wait()
		switch {
		case result != nil:
			// Got a proper result; ignore exit errors.
		case parseErr != nil:
			s.err = fmt.Errorf("parse: %w", parseErr)
		case waitErr != nil:
			s.err = fmt.Errorf("agent exited: %w", waitErr)
		default:
			s.err = errors.New("agent exited without a result message")
		}
	}()
	return s
}

// Next blocks until the next event is available. It returns io.EOF after the
// terminal event, or the process error if the agent died without one.
func (s *Session) Next(ctx context.Context) (Event, error) {
	for len(s.pending) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-s.msgCh:
			if !ok {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-s.done:
				}
				if s.err != nil {
					return nil, s.err
				}
				return nil, io.EOF
			}
			s.pending = Events(m)
		}
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	return e, nil
}

// Close kills the process if it is still running and waits for the reader
// to finish. Idempotent.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	// Drain so the reader goroutine is never blocked on a send.
	for range s.msgCh {
	}
	<-s.done
	return nil
}

// maxLineSize bounds a single NDJSON line. Longer lines are consumed and
// skipped.
var maxLineSize = 64 << 20

// readMessages reads NDJSON lines from r, dispatches to msgCh, and returns
// the terminal ResultMessage. If logW is non-nil, each raw line is written to it.
func readMessages(r io.Reader, msgCh chan<- Message, logW io.Writer, log *slog.Logger) (*ResultMessage, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var result *ResultMessage
	var buf []byte
	for {
		line, tooLong, err := readLine(br, buf[:0])
		buf = line
		if tooLong {
			log.Warn("skipping over-long message", "limit", maxLineSize)
		} else if line = bytes.TrimSpace(line); len(line) != 0 {
			if logW != nil {
				_, _ = logW.Write(line)
				_, _ = logW.Write([]byte{'\n'})
			}
			msg, perr := ParseMessage(line)
			if perr != nil {
				log.Warn("skipping unparseable message", "err", perr, "line", string(line))
			} else {
				if msgCh != nil {
					msgCh <- msg
				}
				if rm, ok := msg.(*ResultMessage); ok {
					result = rm
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, err
		}
	}
}

// readLine appends the next line to buf. tooLong is set when the line
// exceeds maxLineSize, in which case the rest of it is discarded.
func readLine(br *bufio.Reader, buf []byte) (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := br.ReadSlice('\n')
		if tooLong || len(buf)+len(chunk) > maxLineSize {
			tooLong = true
		} else {
			buf = append(buf, chunk...)
		}
		if !errors.Is(rerr, bufio.ErrBufferFull) {
			return buf, tooLong, rerr
		}
	}
}

// ParseMessage decodes a single NDJSON line into a typed Message.
func ParseMessage(line []byte) (Message, error) {
	var envelope struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch envelope.Type {
	case "system":
		if envelope.Subtype == "init" {
			var m SystemInitMessage
			if err := json.Unmarshal(line, &m); err != nil {
				return nil, err
			}
			return &m, nil
		}
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case "assistant":
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case "user":
		var m UserMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case "result":
		var m ResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		// stream_event, tool_progress, etc. are passed through as raw.
		return &RawMessage{MessageType: envelope.Type, Raw: append([]byte(nil), line...)}, nil
	}
}

// StderrWriter is an io.Writer that logs each line via log.Warn.
type StderrWriter struct {
	Log    *slog.Logger
	Source string
	buf    []byte
}

func (w *StderrWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSpace(w.buf[:i]))
		w.buf = w.buf[i+1:]
		if line != "" {
			w.Log.Warn("stderr", "source", w.Source, "line", line)
		}
	}
	return len(p), nil
}
