// Package extract recovers structured facts from the events produced by one
// agent invocation: the selected task, the files touched, whether a commit
// happened and whether the agent finished cleanly.
//
// The matching is heuristic. Every function accepts any event list, including
// nil, and reports "not found" rather than failing.
package extract

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/nibzard/autocoder/backend/internal/agent"
)

// Priority is a task priority tier. Lower values are more urgent.
type Priority int

// Priority tiers, most urgent first.
const (
	P0 Priority = iota
	P1
	P2
	P3
	Unclassified
)

func (p Priority) String() string {
	switch p {
	case P0, P1, P2, P3:
		return "P" + strconv.Itoa(int(p))
	default:
		return "unclassified"
	}
}

// Less reports whether p is more urgent than o.
func (p Priority) Less(o Priority) bool {
	return p.rank() < o.rank()
}

func (p Priority) rank() int {
	if p < P0 || p > P3 {
		return int(Unclassified)
	}
	return int(p)
}

// Task is a unit of work named by the task-selection agent.
type Task struct {
	Text     string
	Priority Priority
	// Line is the 1-based line in the todo document when the agent mentioned
	// one, else 0.
	Line int
}

func (t Task) String() string {
	return t.Priority.String() + " " + t.Text
}

var (
	priorityRe = regexp.MustCompile(`\bP([0-3])\b`)
	lineHintRe = regexp.MustCompile(`(?i)\bline\s+(\d+)`)
)

const taskToken = "Task:"

// qualifies reports whether a text line names a task.
func qualifies(line string) bool {
	return priorityRe.MatchString(line) || strings.Contains(line, taskToken)
}

func parseTask(line string) Task {
	t := Task{Text: strings.TrimSpace(line), Priority: Unclassified}
	if m := priorityRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		t.Priority = Priority(n)
	}
	if m := lineHintRe.FindStringSubmatch(line); m != nil {
		t.Line, _ = strconv.Atoi(m[1])
	}
	return t
}

// TaskCandidates returns every task-like line in stream order.
func TaskCandidates(events []agent.Event) []Task {
	var out []Task
	for _, e := range events {
		ts, ok := e.(agent.TextSegment)
		if !ok {
			continue
		}
		for line := range strings.Lines(ts.Content) {
			if qualifies(line) {
				out = append(out, parseTask(line))
			}
		}
	}
	return out
}

// SelectedTask returns the first task-like line in stream order. ok is false
// when none appears; that is a normal outcome meaning the todo list is done.
func SelectedTask(events []agent.Event) (Task, bool) {
	for _, e := range events {
		ts, ok := e.(agent.TextSegment)
		if !ok {
			continue
		}
		for line := range strings.Lines(ts.Content) {
			if qualifies(line) {
				return parseTask(line), true
			}
		}
	}
	return Task{}, false
}

// Op is a file change operation.
type Op string

// File change operations.
const (
	Created  Op = "created"
	Modified Op = "modified"
)

// FileChange is one write or edit tool call.
type FileChange struct {
	Op   Op
	Name string // Base name of the path argument.
}

// fileOps maps tool names to the operation they perform.
var fileOps = map[string]Op{
	"Write":        Created,
	"Edit":         Modified,
	"MultiEdit":    Modified,
	"NotebookEdit": Modified,
}

var pathArgs = []string{"file_path", "notebook_path", "path"}

// FileChanges lists write/edit tool calls in stream order. Repeated edits of
// the same file are kept. Calls without a path argument are skipped.
func FileChanges(events []agent.Event) []FileChange {
	var out []FileChange
	for _, e := range events {
		ti, ok := e.(agent.ToolInvocation)
		if !ok {
			continue
		}
		op, ok := fileOps[ti.Name]
		if !ok {
			continue
		}
		for _, k := range pathArgs {
			if p, ok := ti.StringArg(k); ok && p != "" {
				out = append(out, FileChange{Op: op, Name: path.Base(filepathSlash(p))})
				break
			}
		}
	}
	return out
}

// filepathSlash normalizes Windows separators so path.Base works on paths
// reported by an agent running on another OS.
func filepathSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Commit is the outcome of commit detection.
type Commit struct {
	Detected bool
	Command  string // First command containing "commit".
	Message  string // Recovered from -m when present.
}

var commitMsgRe = regexp.MustCompile(`-m\s+(?:'([^']*)'|"((?:[^"\\]|\\.)*)")`)

// DetectCommit reports whether any tool call ran a command containing
// "commit" (case-sensitive). This only says the agent tried; it does not
// prove a commit object exists.
func DetectCommit(events []agent.Event) Commit {
	for _, e := range events {
		ti, ok := e.(agent.ToolInvocation)
		if !ok {
			continue
		}
		cmd, ok := ti.StringArg("command")
		if !ok || !strings.Contains(cmd, "commit") {
			continue
		}
		c := Commit{Detected: true, Command: cmd}
		if m := commitMsgRe.FindStringSubmatch(cmd); m != nil {
			c.Message = m[1] + m[2]
		}
		return c
	}
	return Commit{}
}

// Confirmed reports whether the stream ended with a successful terminal
// result.
func Confirmed(events []agent.Event) bool {
	tr, ok := LastResult(events)
	return ok && !tr.IsError
}

// LastResult returns the last terminal result in the stream.
func LastResult(events []agent.Event) (agent.TerminalResult, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if tr, ok := events[i].(agent.TerminalResult); ok {
			return tr, true
		}
	}
	return agent.TerminalResult{}, false
}
