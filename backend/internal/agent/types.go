package agent

import (
	"encoding/json"
)

// Message is one decoded line of the claude stream-json output.
type Message interface {
	Type() string
}

// SystemInitMessage opens a session (type=system, subtype=init).
type SystemInitMessage struct {
	MessageType string   `json:"type"`
	Subtype     string   `json:"subtype"`
	Cwd         string   `json:"cwd"`
	SessionID   string   `json:"session_id"`
	Tools       []string `json:"tools"`
	Model       string   `json:"model"`
}

// Type implements Message.
func (m *SystemInitMessage) Type() string { return "system" }

// SystemMessage is any other system message (status, compact_boundary).
type SystemMessage struct {
	MessageType string `json:"type"`
	Subtype     string `json:"subtype"`
	SessionID   string `json:"session_id"`
}

// Type implements Message.
func (m *SystemMessage) Type() string { return "system" }

// AssistantMessage carries text and tool_use blocks produced by the model.
type AssistantMessage struct {
	MessageType string     `json:"type"`
	Message     APIMessage `json:"message"`
	SessionID   string     `json:"session_id"`
}

// Type implements Message.
func (m *AssistantMessage) Type() string { return "assistant" }

// APIMessage is the model message embedded in an AssistantMessage.
type APIMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one element of APIMessage.Content.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// UserMessage carries tool results fed back to the model.
type UserMessage struct {
	MessageType string          `json:"type"`
	Message     json.RawMessage `json:"message"`
	SessionID   string          `json:"session_id"`
}

// Type implements Message.
func (m *UserMessage) Type() string { return "user" }

// ResultMessage is the last message of an invocation.
type ResultMessage struct {
	MessageType  string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	DurationMs   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Type implements Message.
func (m *ResultMessage) Type() string { return "result" }

// RawMessage keeps message types that are not decoded, such as stream_event
// and tool_progress.
type RawMessage struct {
	MessageType string
	Raw         []byte
}

// Type implements Message.
func (m *RawMessage) Type() string { return m.MessageType }
