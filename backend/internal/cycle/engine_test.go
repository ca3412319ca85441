package cycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nibzard/autocoder/backend/internal/agent"
	"github.com/nibzard/autocoder/backend/internal/extract"
	"github.com/nibzard/autocoder/backend/internal/gitutil"
)

// reply is one scripted invocation.
type reply struct {
	events    []agent.Event
	invokeErr error
	streamErr error // Returned after events.
	delay     time.Duration
}

// fakeBackend replays replies in order and records the options it got.
type fakeBackend struct {
	replies []reply
	calls   []agent.Options
}

func (f *fakeBackend) Invoke(ctx context.Context, opts agent.Options) (agent.Stream, error) {
	f.calls = append(f.calls, opts)
	if len(f.replies) == 0 {
		return nil, errors.New("unexpected invocation")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.invokeErr != nil {
		return nil, r.invokeErr
	}
	return &fakeStream{r: r}, nil
}

type fakeStream struct {
	r reply
	i int
}

func (s *fakeStream) Next(ctx context.Context) (agent.Event, error) {
	if s.r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.r.delay):
		}
	}
	if s.i < len(s.r.events) {
		s.i++
		return s.r.events[s.i-1], nil
	}
	if s.r.streamErr != nil {
		return nil, s.r.streamErr
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeResolver struct {
	info  gitutil.CommitInfo
	calls int
}

func (f *fakeResolver) Resolve(context.Context) gitutil.CommitInfo {
	f.calls++
	return f.info
}

func ok(events ...agent.Event) reply {
	return reply{events: append(events, agent.TerminalResult{})}
}

func taskReply(line string) reply {
	return ok(agent.TextSegment{Content: line})
}

func newEngine(b agent.Backend, r CommitResolver) *Engine {
	return &Engine{Backend: b, Dir: "/repo", Resolver: r, Log: slog.New(slog.DiscardHandler)}
}

func kinds(steps []StepResult) []StepKind {
	var out []StepKind
	for _, s := range steps {
		out = append(out, s.Kind)
	}
	return out
}

func TestRun(t *testing.T) {
	t.Run("Completed", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("- [~] **P0** Fix crash on startup"),
			ok(
				agent.ToolInvocation{Name: "Write", Args: map[string]any{"file_path": "/repo/app.py"}},
				agent.ToolInvocation{Name: "Edit", Args: map[string]any{"file_path": "/repo/util.py"}},
			),
			ok(agent.ToolInvocation{Name: "Bash", Args: map[string]any{"command": "git commit -m 'feat: x'"}}),
			ok(agent.TextSegment{Content: "Marked as done."}),
		}}
		r := &fakeResolver{info: gitutil.CommitInfo{Hash: "abc1234"}}
		rec := newEngine(b, r).Run(t.Context(), 1)

		if !rec.Success || rec.State != StateCompleted || rec.Reason != ReasonNone || rec.Err != nil {
			t.Fatalf("rec = %+v", rec)
		}
		want := []StepKind{StepSelectTask, StepImplement, StepCommit, StepMarkDone}
		if got := kinds(rec.Steps); !slices.Equal(got, want) {
			t.Fatalf("steps = %v, want %v", got, want)
		}
		if rec.Task == nil || rec.Task.Priority != extract.P0 || rec.Task.Text != "- [~] **P0** Fix crash on startup" {
			t.Errorf("task = %+v", rec.Task)
		}
		wantChanges := []extract.FileChange{{Op: extract.Created, Name: "app.py"}, {Op: extract.Modified, Name: "util.py"}}
		if !slices.Equal(rec.Steps[1].Changes, wantChanges) {
			t.Errorf("changes = %v", rec.Steps[1].Changes)
		}
		c := rec.Steps[2].Commit
		if c == nil || c.Hash != "abc1234" || c.Message != "feat: x" || c.URL != "" {
			t.Errorf("commit = %+v", c)
		}
		if r.calls != 1 {
			t.Errorf("resolver calls = %d", r.calls)
		}
		var sum time.Duration
		for _, s := range rec.Steps {
			if !s.Success {
				t.Errorf("step %s failed", s.Kind)
			}
			sum += s.Duration
		}
		if sum != rec.Duration {
			t.Errorf("duration = %s, sum of steps = %s", rec.Duration, sum)
		}
		if rec.Number != 1 || rec.ID.String() == "" {
			t.Errorf("number = %d, id = %q", rec.Number, rec.ID)
		}
	})
	t.Run("Instructions", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("Task: - [~] **P1** Add search"),
			ok(), ok(), ok(),
		}}
		e := newEngine(b, &fakeResolver{})
		e.TodoFile = "TODO.md"
		e.Run(t.Context(), 1)
		if len(b.calls) != 4 {
			t.Fatalf("calls = %d", len(b.calls))
		}
		for i, want := range [][]string{todoTools, implementTools, commitTools, todoTools} {
			if !slices.Equal(b.calls[i].AllowedTools, want) {
				t.Errorf("call %d tools = %v, want %v", i, b.calls[i].AllowedTools, want)
			}
			if b.calls[i].Dir != "/repo" {
				t.Errorf("call %d dir = %q", i, b.calls[i].Dir)
			}
		}
		if !strings.Contains(b.calls[0].Instruction, "TODO.md") {
			t.Errorf("select instruction = %q", b.calls[0].Instruction)
		}
		for i := 1; i < 4; i++ {
			if !strings.Contains(b.calls[i].Instruction, "Add search") {
				t.Errorf("call %d instruction lacks task: %q", i, b.calls[i].Instruction)
			}
		}
	})
	t.Run("NoTask", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{ok(agent.TextSegment{Content: "All tasks are complete."})}}
		rec := newEngine(b, &fakeResolver{}).Run(t.Context(), 3)
		if rec.Success || rec.State != StateAborted || rec.Reason != ReasonNoTask || !errors.Is(rec.Err, ErrNoTask) {
			t.Fatalf("rec = %+v", rec)
		}
		if len(rec.Steps) != 1 || len(b.calls) != 1 {
			t.Errorf("steps = %d, calls = %d", len(rec.Steps), len(b.calls))
		}
		if rec.Task != nil {
			t.Errorf("task = %+v", rec.Task)
		}
	})
	t.Run("SelectError", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{{events: []agent.Event{agent.TextSegment{Content: "**P0** x"}, agent.TerminalResult{IsError: true, Result: "rate limited"}}}}}
		rec := newEngine(b, &fakeResolver{}).Run(t.Context(), 1)
		if rec.Reason != ReasonAgentFailed || rec.Err == nil || !strings.Contains(rec.Err.Error(), "rate limited") {
			t.Fatalf("rec = %+v", rec)
		}
	})
	t.Run("ImplementInvokeError", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P2** Docs"),
			{invokeErr: errors.New("exec: claude: not found")},
		}}
		r := &fakeResolver{}
		rec := newEngine(b, r).Run(t.Context(), 1)
		if rec.Reason != ReasonAgentFailed || rec.State != StateAborted {
			t.Fatalf("rec = %+v", rec)
		}
		if got := kinds(rec.Steps); !slices.Equal(got, []StepKind{StepSelectTask, StepImplement}) {
			t.Errorf("steps = %v", got)
		}
		if rec.Steps[1].Success {
			t.Error("implement step marked successful")
		}
		if len(b.calls) != 2 || r.calls != 0 {
			t.Errorf("calls = %d, resolver calls = %d", len(b.calls), r.calls)
		}
	})
	t.Run("ImplementStreamError", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P2** Docs"),
			{streamErr: errors.New("agent exited: signal: killed")},
		}}
		rec := newEngine(b, &fakeResolver{}).Run(t.Context(), 1)
		if rec.Reason != ReasonAgentFailed {
			t.Fatalf("rec = %+v", rec)
		}
	})
	t.Run("MissingResult", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P2** Docs"),
			{events: []agent.Event{agent.TextSegment{Content: "working"}}},
		}}
		rec := newEngine(b, &fakeResolver{}).Run(t.Context(), 1)
		if rec.Reason != ReasonAgentFailed || !errors.Is(rec.Err, errNoResult) {
			t.Fatalf("rec = %+v", rec)
		}
	})
	t.Run("NoCommitDetected", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P3** Tidy"),
			ok(),
			ok(agent.ToolInvocation{Name: "Bash", Args: map[string]any{"command": "git status"}}),
			ok(),
		}}
		r := &fakeResolver{info: gitutil.CommitInfo{Hash: "abc1234"}}
		rec := newEngine(b, r).Run(t.Context(), 1)
		if !rec.Success {
			t.Fatalf("rec = %+v", rec)
		}
		if rec.Steps[2].Commit != nil || r.calls != 0 {
			t.Errorf("commit = %+v, resolver calls = %d", rec.Steps[2].Commit, r.calls)
		}
	})
	t.Run("CommitInEmptyRepo", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P3** Tidy"),
			ok(),
			ok(agent.ToolInvocation{Name: "Bash", Args: map[string]any{"command": "git commit -m 'chore: tidy'"}}),
			ok(),
		}}
		rec := newEngine(b, &fakeResolver{}).Run(t.Context(), 1)
		if !rec.Success {
			t.Fatalf("rec = %+v", rec)
		}
		if c := rec.Steps[2].Commit; c == nil || c.Hash != "" || c.Message != "chore: tidy" {
			t.Errorf("commit = %+v", c)
		}
	})
	t.Run("FinalizeFailed", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P1** Search"),
			ok(),
			ok(agent.ToolInvocation{Name: "Bash", Args: map[string]any{"command": "git commit -m 'feat: search'"}}),
			{events: []agent.Event{agent.TextSegment{Content: "could not edit todo.md"}}},
		}}
		rec := newEngine(b, &fakeResolver{info: gitutil.CommitInfo{Hash: "abc1234"}}).Run(t.Context(), 1)
		if rec.Reason != ReasonFinalize || !errors.Is(rec.Err, ErrFinalize) || rec.State != StateAborted {
			t.Fatalf("rec = %+v", rec)
		}
		if len(rec.Steps) != 4 || rec.Steps[3].Success || !rec.Steps[2].Success {
			t.Errorf("steps = %+v", rec.Steps)
		}
	})
	t.Run("FinalizeErrorResult", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P1** Search"), ok(), ok(),
			{events: []agent.Event{agent.TerminalResult{IsError: true, Result: "boom"}}},
		}}
		rec := newEngine(b, &fakeResolver{}).Run(t.Context(), 1)
		if rec.Reason != ReasonFinalize || !errors.Is(rec.Err, ErrFinalize) {
			t.Fatalf("rec = %+v", rec)
		}
	})
	t.Run("Interrupted", func(t *testing.T) {
		b := &fakeBackend{replies: []reply{
			taskReply("**P1** Search"),
			{events: []agent.Event{agent.TerminalResult{}}, delay: time.Minute},
		}}
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		rec := newEngine(b, &fakeResolver{}).Run(ctx, 1)
		if rec.Reason != ReasonInterrupted || !errors.Is(rec.Err, context.DeadlineExceeded) {
			t.Fatalf("rec = %+v", rec)
		}
	})
}

func TestTransitions(t *testing.T) {
	path := []State{StateIdle, StateSelectingTask, StateImplementing, StateCommitting, StateFinalizing, StateCompleted}
	for i := 0; i+1 < len(path); i++ {
		if err := transition(path[i], path[i+1]); err != nil {
			t.Error(err)
		}
	}
	for _, s := range path[1:5] {
		if err := transition(s, StateAborted); err != nil {
			t.Error(err)
		}
	}
	for _, tc := range [][2]State{
		{StateIdle, StateImplementing},
		{StateIdle, StateAborted},
		{StateSelectingTask, StateCommitting},
		{StateCompleted, StateIdle},
		{StateAborted, StateSelectingTask},
		{StateFinalizing, StateSelectingTask},
	} {
		if err := transition(tc[0], tc[1]); err == nil {
			t.Errorf("%s -> %s allowed", tc[0], tc[1])
		}
	}
	if !StateAborted.Terminal() || StateFinalizing.Terminal() {
		t.Error("Terminal()")
	}
	if StepCommit.state() != StateCommitting {
		t.Errorf("StepCommit.state() = %s", StepCommit.state())
	}
}

type logEntry struct {
	level slog.Level
	msg   string
	attrs map[string]string
}

// captureHandler keeps every record with its attributes rendered as strings.
type captureHandler struct {
	mu      *sync.Mutex
	entries *[]logEntry
	attrs   []slog.Attr
}

func newCapture() *captureHandler {
	return &captureHandler{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	e := logEntry{level: r.Level, msg: r.Message, attrs: map[string]string{}}
	for _, a := range h.attrs {
		e.attrs[a.Key] = a.Value.Resolve().String()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.attrs[a.Key] = a.Value.Resolve().String()
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.entries = append(*h.entries, e)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(slices.Clone(h.attrs), attrs...)
	return &c
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) find(prefix string) []logEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []logEntry
	for _, e := range *h.entries {
		if strings.HasPrefix(e.msg, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func TestRunLogs(t *testing.T) {
	commit := ok(agent.ToolInvocation{Name: "Bash", Args: map[string]any{"command": "git commit -m 'feat: search'"}})
	for _, tc := range []struct {
		name      string
		replies   []reply
		timeout   time.Duration
		msg       string
		level     slog.Level
		wantAttrs map[string]string
	}{
		{
			name:      "Completed",
			replies:   []reply{taskReply("**P1** Search"), ok(), commit, ok()},
			msg:       "cycle completed",
			level:     slog.LevelInfo,
			wantAttrs: map[string]string{"task": "**P1** Search", "cycle": "1"},
		},
		{
			name:      "NoTask",
			replies:   []reply{ok(agent.TextSegment{Content: "Nothing left."})},
			msg:       "cycle aborted",
			level:     slog.LevelInfo,
			wantAttrs: map[string]string{"reason": "no task"},
		},
		{
			name:      "AgentFailed",
			replies:   []reply{taskReply("**P1** Search"), {invokeErr: errors.New("exec: claude: not found")}},
			msg:       "cycle aborted",
			level:     slog.LevelWarn,
			wantAttrs: map[string]string{"reason": "agent failed", "task": "**P1** Search", "step": "2"},
		},
		{
			name: "FinalizeFailed",
			replies: []reply{
				taskReply("**P1** Search"), ok(), commit,
				{events: []agent.Event{agent.TextSegment{Content: "could not edit todo.md"}}},
			},
			msg:       "cycle aborted: task implemented but not marked done",
			level:     slog.LevelError,
			wantAttrs: map[string]string{"reason": "finalize failed", "task": "**P1** Search", "commit": "abc1234"},
		},
		{
			name:      "Interrupted",
			replies:   []reply{taskReply("**P1** Search"), {events: []agent.Event{agent.TerminalResult{}}, delay: time.Minute}},
			timeout:   50 * time.Millisecond,
			msg:       "cycle aborted",
			level:     slog.LevelWarn,
			wantAttrs: map[string]string{"reason": "interrupted", "task": "**P1** Search"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := t.Context()
			if tc.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tc.timeout)
				defer cancel()
			}
			h := newCapture()
			e := newEngine(&fakeBackend{replies: tc.replies}, &fakeResolver{info: gitutil.CommitInfo{Hash: "abc1234"}})
			e.Log = slog.New(h)
			e.Run(ctx, 1)

			lines := append(h.find("cycle completed"), h.find("cycle aborted")...)
			if len(lines) != 1 {
				t.Fatalf("got %d classification lines, want 1: %+v", len(lines), lines)
			}
			got := lines[0]
			if !strings.HasPrefix(got.msg, tc.msg) || got.level != tc.level {
				t.Errorf("line = %s %q, want %s %q", got.level, got.msg, tc.level, tc.msg)
			}
			for k, v := range tc.wantAttrs {
				if got.attrs[k] != v {
					t.Errorf("%s = %q, want %q", k, got.attrs[k], v)
				}
			}
		})
	}
	t.Run("SeveralTaskLines", func(t *testing.T) {
		h := newCapture()
		b := &fakeBackend{replies: []reply{
			taskReply("- [ ] **P0** First\n- [ ] **P1** Second"), ok(), ok(), ok(),
		}}
		e := newEngine(b, &fakeResolver{})
		e.Log = slog.New(h)
		e.Run(t.Context(), 1)
		got := h.find("several task lines")
		if len(got) != 1 || got[0].attrs["candidates"] != "2" || got[0].attrs["task"] != "- [ ] **P0** First" {
			t.Fatalf("entries = %+v", got)
		}
		if warn := h.find("no commit detected"); len(warn) != 1 || warn[0].level != slog.LevelWarn {
			t.Errorf("no-commit warning = %+v", warn)
		}
	})
}
