// Package claude implements agent.Backend for the Claude Code CLI.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nibzard/autocoder/backend/internal/agent"
)

// Backend runs the claude CLI locally, one process per invocation.
type Backend struct {
	Path     string       // claude binary; defaults to "claude".
	Model    string       // Optional --model.
	MaxTurns int          // Optional --max-turns; 0 means unlimited.
	LogW     io.Writer    // Receives raw NDJSON of every invocation (may be nil).
	Log      *slog.Logger // Defaults to slog.Default().
}

var _ agent.Backend = (*Backend)(nil)

// Invoke starts claude in opts.Dir, sends the instruction on stdin and returns
// the stream of events it produces.
func (b *Backend) Invoke(ctx context.Context, opts agent.Options) (agent.Stream, error) {
	if opts.Dir == "" {
		return nil, errors.New("opts.Dir is required")
	}
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	bin := b.Path
	if bin == "" {
		bin = "claude"
	}
	cmd := exec.CommandContext(ctx, bin, buildArgs(opts, b.Model, b.MaxTurns)...) //nolint:gosec // args are not user-controlled.
	cmd.Dir = opts.Dir
	cmd.WaitDelay = 5 * time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = &agent.StderrWriter{Log: log, Source: "claude"}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}
	s := agent.NewSession(cmd, stdout, b.LogW, log)
	if err := WritePrompt(stdin, opts.Instruction, b.LogW); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("write prompt: %w", err)
	}
	// A single query per process; closing stdin lets claude exit after the result.
	if err := stdin.Close(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("close stdin: %w", err)
	}
	return s, nil
}

// userInputMessage is the NDJSON message sent to Claude Code via stdin.
type userInputMessage struct {
	Type    string           `json:"type"`
	Message userInputContent `json:"message"`
}

type userInputContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WritePrompt writes a single user message in Claude Code's stdin format.
// If logW is non-nil, the same line is also written to it.
func WritePrompt(w io.Writer, prompt string, logW io.Writer) error {
	msg := userInputMessage{
		Type:    "user",
		Message: userInputContent{Role: "user", Content: prompt},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	if logW != nil {
		_, _ = logW.Write(data)
	}
	return nil
}

// buildArgs constructs the Claude Code CLI arguments.
func buildArgs(opts agent.Options, model string, maxTurns int) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "acceptEdits",
	}
	if len(opts.AllowedTools) != 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}
