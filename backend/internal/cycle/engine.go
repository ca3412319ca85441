// Package cycle drives one work cycle through its four delegated steps:
// select a task, implement it, commit it and mark it done.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/maruel/ksid"
	"github.com/nibzard/autocoder/backend/internal/agent"
	"github.com/nibzard/autocoder/backend/internal/extract"
	"github.com/nibzard/autocoder/backend/internal/gitutil"
)

var (
	// ErrNoTask means the task-selection agent named no task. It ends the
	// session normally.
	ErrNoTask = errors.New("no task found")
	// ErrFinalize means the task was not confirmed as done after it was
	// implemented and possibly committed.
	ErrFinalize = errors.New("task completion not confirmed")

	errNoResult = errors.New("agent ended without a result")
)

// CommitResolver looks up the commit made during the commit step.
type CommitResolver interface {
	Resolve(ctx context.Context) gitutil.CommitInfo
}

// StepResult is the outcome of one step. Only the payload field matching Kind
// is set.
type StepResult struct {
	Kind     StepKind
	Success  bool
	Duration time.Duration
	Err      error

	Task    *extract.Task        // StepSelectTask.
	Changes []extract.FileChange // StepImplement.
	Commit  *gitutil.CommitInfo  // StepCommit; nil when no commit was detected.
}

// Record is the finalized outcome of a cycle.
type Record struct {
	ID       ksid.ID
	Number   int
	Steps    []StepResult
	Success  bool
	State    State // StateCompleted or StateAborted.
	Reason   AbortReason
	Err      error
	Task     *extract.Task
	Duration time.Duration // Sum of step durations.
}

// Engine runs cycles against a project directory.
type Engine struct {
	Backend  agent.Backend
	Dir      string
	TodoFile string         // Defaults to "todo.md".
	Resolver CommitResolver // Defaults to a gitutil.Resolver on Dir.
	Log      *slog.Logger
}

// Run executes cycle number n. It never returns an error: every outcome is
// described by the Record.
func (e *Engine) Run(ctx context.Context, n int) Record {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	c := &run{
		e:        e,
		todoFile: e.TodoFile,
		rec:      Record{ID: ksid.NewID(), Number: n, State: StateIdle},
	}
	if c.todoFile == "" {
		c.todoFile = "todo.md"
	}
	c.resolver = e.Resolver
	if c.resolver == nil {
		c.resolver = &gitutil.Resolver{Dir: e.Dir, Log: log}
	}
	c.log = log.With("cycle", n, "cycle_id", c.rec.ID)
	c.log.Info("cycle started")
	for _, step := range []func(context.Context) bool{c.selectTask, c.implement, c.commit, c.markDone} {
		if !step(ctx) {
			return c.finish()
		}
	}
	c.moveTo(StateCompleted)
	c.rec.Success = true
	return c.finish()
}

// run holds the mutable state of one cycle. It is discarded once the Record
// is finalized.
type run struct {
	e        *Engine
	todoFile string
	resolver CommitResolver
	log      *slog.Logger
	rec      Record
}

func (c *run) selectTask(ctx context.Context) bool {
	start := time.Now()
	events, res := c.invoke(ctx, StepSelectTask, selectInstruction(c.todoFile), todoTools)
	if res.Err == nil {
		res.Err = resultErr(events)
	}
	if res.Err != nil {
		c.abort(ctx, res, start, ReasonAgentFailed)
		return false
	}
	t, ok := extract.SelectedTask(events)
	if !ok {
		res.Err = ErrNoTask
		c.abort(ctx, res, start, ReasonNoTask)
		return false
	}
	if n := len(extract.TaskCandidates(events)); n > 1 {
		c.log.Info("several task lines in response, using the first", "candidates", n, "task", t.Text)
	}
	res.Task = &t
	c.rec.Task = &t
	c.log.Info("task selected", "task", t.Text, "priority", t.Priority, "line", t.Line)
	c.succeed(res, start)
	return true
}

func (c *run) implement(ctx context.Context) bool {
	start := time.Now()
	events, res := c.invoke(ctx, StepImplement, implementInstruction(c.todoFile, c.rec.Task.Text), implementTools)
	if res.Err == nil {
		res.Err = resultErr(events)
	}
	if res.Err != nil {
		c.abort(ctx, res, start, ReasonAgentFailed)
		return false
	}
	res.Changes = extract.FileChanges(events)
	for _, fc := range res.Changes {
		c.log.Info("file changed", "op", fc.Op, "file", fc.Name)
	}
	c.succeed(res, start)
	return true
}

func (c *run) commit(ctx context.Context) bool {
	start := time.Now()
	events, res := c.invoke(ctx, StepCommit, commitInstruction(c.rec.Task.Text), commitTools)
	if res.Err == nil {
		res.Err = resultErr(events)
	}
	if res.Err != nil {
		c.abort(ctx, res, start, ReasonAgentFailed)
		return false
	}
	det := extract.DetectCommit(events)
	if det.Detected {
		c.log.Info("commit command seen", "command", det.Command)
		info := c.resolver.Resolve(ctx)
		if info.Message == "" {
			info.Message = det.Message
		}
		if info.Hash == "" {
			c.log.Warn("commit command seen but no commit found in repository")
		} else {
			c.log.Info("commit", "hash", info.Hash, "message", info.Message, "url", info.URL)
		}
		res.Commit = &info
	} else {
		c.log.Warn("no commit detected, continuing")
	}
	c.succeed(res, start)
	return true
}

func (c *run) markDone(ctx context.Context) bool {
	start := time.Now()
	events, res := c.invoke(ctx, StepMarkDone, markDoneInstruction(c.todoFile, c.rec.Task.Text), todoTools)
	if res.Err == nil && !extract.Confirmed(events) {
		res.Err = ErrFinalize
		if err := resultErr(events); err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrFinalize, err)
		}
	} else if res.Err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrFinalize, res.Err)
	}
	if res.Err != nil {
		c.abort(ctx, res, start, ReasonFinalize)
		return false
	}
	c.succeed(res, start)
	return true
}

// invoke runs one agent invocation and collects its events. res.Err is set
// only when the invocation or its stream failed.
func (c *run) invoke(ctx context.Context, kind StepKind, instruction string, tools []string) ([]agent.Event, StepResult) {
	res := StepResult{Kind: kind}
	c.moveTo(kind.state())
	c.log.Info("step started", "step", kind)
	s, err := c.e.Backend.Invoke(ctx, agent.Options{Dir: c.e.Dir, Instruction: instruction, AllowedTools: tools})
	if err != nil {
		res.Err = fmt.Errorf("invoke: %w", err)
		return nil, res
	}
	defer func() {
		if err := s.Close(); err != nil {
			c.log.Warn("closing agent stream", "step", kind, "err", err)
		}
	}()
	var events []agent.Event
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = err
			break
		}
		switch ev := ev.(type) {
		case agent.TextSegment:
			c.log.Info("agent response", "step", kind, "text", ev.Content)
		case agent.ToolInvocation:
			c.log.Debug("tool", "step", kind, "name", ev.Name)
		case agent.TerminalResult:
			c.log.Debug("agent result", "step", kind, "error", ev.IsError, "turns", ev.NumTurns, "cost_usd", ev.CostUSD)
		}
		events = append(events, ev)
	}
	return events, res
}

// resultErr checks that the stream ended with a successful terminal result.
func resultErr(events []agent.Event) error {
	tr, ok := extract.LastResult(events)
	if !ok {
		return errNoResult
	}
	if tr.IsError {
		return fmt.Errorf("agent reported an error: %s", tr.Result)
	}
	return nil
}

func (c *run) succeed(res StepResult, start time.Time) {
	res.Success = true
	res.Duration = time.Since(start)
	c.rec.Steps = append(c.rec.Steps, res)
	c.log.Info("step finished", "step", res.Kind, "duration", res.Duration.Round(time.Millisecond), "outcome", "ok")
}

func (c *run) abort(ctx context.Context, res StepResult, start time.Time, reason AbortReason) {
	if ctx.Err() != nil {
		reason = ReasonInterrupted
	}
	res.Duration = time.Since(start)
	c.rec.Steps = append(c.rec.Steps, res)
	c.log.Info("step finished", "step", res.Kind, "duration", res.Duration.Round(time.Millisecond), "outcome", "failed", "err", res.Err)
	c.rec.Reason = reason
	c.rec.Err = res.Err
	c.moveTo(StateAborted)
}

func (c *run) moveTo(to State) {
	if err := transition(c.rec.State, to); err != nil {
		panic(err)
	}
	c.log.Debug("state", "from", c.rec.State, "to", to)
	c.rec.State = to
}

// finish computes derived fields and logs the single classification line.
func (c *run) finish() Record {
	for _, s := range c.rec.Steps {
		c.rec.Duration += s.Duration
	}
	d := c.rec.Duration.Round(time.Millisecond)
	var task string
	if c.rec.Task != nil {
		task = c.rec.Task.Text
	}
	switch c.rec.Reason {
	case ReasonNone:
		c.log.Info("cycle completed", "duration", d, "task", task)
	case ReasonNoTask:
		c.log.Info("cycle aborted", "reason", c.rec.Reason, "duration", d)
	case ReasonFinalize:
		var hash string
		for _, s := range c.rec.Steps {
			if s.Commit != nil {
				hash = s.Commit.Hash
			}
		}
		c.log.Error("cycle aborted: task implemented but not marked done, reconcile the todo document manually",
			"reason", c.rec.Reason, "duration", d, "task", task, "commit", hash, "err", c.rec.Err)
	default:
		c.log.Warn("cycle aborted", "reason", c.rec.Reason, "step", len(c.rec.Steps), "duration", d, "task", task, "err", c.rec.Err)
	}
	return c.rec
}
