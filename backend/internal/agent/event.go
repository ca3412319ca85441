package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
)

// Event is a single item produced by one agent invocation. It is one of
// TextSegment, ToolInvocation or TerminalResult.
type Event interface {
	isEvent()
}

// TextSegment is free-form text emitted by the agent.
type TextSegment struct {
	Content string
}

// ToolInvocation records the agent calling one of its tools.
type ToolInvocation struct {
	Name string
	Args map[string]any
}

// TerminalResult is the last event of an invocation.
type TerminalResult struct {
	IsError    bool
	Result     string
	NumTurns   int
	DurationMs int64
	CostUSD    float64
}

func (TextSegment) isEvent()    {}
func (ToolInvocation) isEvent() {}
func (TerminalResult) isEvent() {}

// StringArg returns the named argument when it is a string.
func (t ToolInvocation) StringArg(key string) (string, bool) {
	v, ok := t.Args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Events flattens a stream-json message into the events it carries. Messages
// that carry nothing the orchestrator looks at yield nil.
func Events(m Message) []Event {
	switch m := m.(type) {
	case *AssistantMessage:
		var out []Event
		for _, b := range m.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, TextSegment{Content: b.Text})
				}
			case "tool_use":
				var args map[string]any
				if len(b.Input) != 0 {
					if err := json.Unmarshal(b.Input, &args); err != nil {
						slog.Warn("tool_use input is not an object", "tool", b.Name, "err", err)
					}
				}
				out = append(out, ToolInvocation{Name: b.Name, Args: args})
			}
		}
		return out
	case *ResultMessage:
		return []Event{TerminalResult{
			IsError:    m.IsError,
			Result:     m.Result,
			NumTurns:   m.NumTurns,
			DurationMs: m.DurationMs,
			CostUSD:    m.TotalCostUSD,
		}}
	default:
		return nil
	}
}

// Stream is a lazy, finite sequence of Events from one invocation. It cannot
// be restarted. Next returns io.EOF once the sequence is exhausted.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// SliceStream replays a fixed list of events.
type SliceStream struct {
	events []Event
}

// NewSliceStream returns a Stream over events.
func NewSliceStream(events ...Event) *SliceStream {
	return &SliceStream{events: events}
}

// Next implements Stream.
func (s *SliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

// Close implements Stream.
func (s *SliceStream) Close() error {
	s.events = nil
	return nil
}

// Options configures a single agent invocation.
type Options struct {
	Dir          string   // Working directory of the agent process.
	Instruction  string   // Natural language instruction.
	AllowedTools []string // Capability allowlist.
}

// Backend starts agent invocations.
type Backend interface {
	Invoke(ctx context.Context, opts Options) (Stream, error)
}
