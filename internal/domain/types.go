// Package domain defines the canonical types shared by the streaming chat
// core: the normalized stream event union, in-memory messages and parts,
// and the provider abstraction.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Usage represents token usage for one turn.
type Usage struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	TotalTokens  int   `json:"total_tokens"`
	LatencyMs    int64 `json:"latency_ms,omitempty"`
	// Estimated is true when the counts were computed client-side because
	// the provider reported no usage.
	Estimated bool `json:"estimated,omitempty"`
}

// Add accumulates another turn's usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCallStart describes a tool invocation announced by the model.
type ToolCallStart struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallResult carries the outcome of a previously started tool call.
type ToolCallResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// StreamEvent is the canonical, provider-agnostic streaming event union.
// Exactly one field group is populated per event. Events for a single
// stream are totally ordered; Usage and Done are the last events observed.
type StreamEvent struct {
	TextDelta      string          // visible content increment
	ReasoningDelta string          // reasoning ("thinking") increment
	ToolCall       *ToolCallStart  // tool invocation started
	ToolResult     *ToolCallResult // tool invocation completed
	Usage          *Usage          // terminal, at most once per stream
	Done           bool            // terminal sentinel
}

// PartKind identifies the kind of a message part.
type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartToolCall  PartKind = "tool_call"
)

// ToolStatus tracks the lifecycle of a tool call part.
type ToolStatus string

const (
	ToolStatusPending  ToolStatus = "pending"
	ToolStatusComplete ToolStatus = "complete"
	ToolStatusError    ToolStatus = "error"
)

// ToolCallPart is the assembled state of one tool invocation.
type ToolCallPart struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Status ToolStatus      `json:"status"`
}

// Part is one typed segment of a message. Text is set for PartText and
// PartReasoning; ToolCall is set for PartToolCall.
type Part struct {
	Kind     PartKind      `json:"kind"`
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCallPart `json:"tool_call,omitempty"`
}

// Message is the in-memory message object the UI renders incrementally.
// It is mutable only while streaming; once finalized it is append-only.
// Sequence is the persisted sequence number, 0 until stored.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Parts       []Part    `json:"parts"`
	CreatedAt   time.Time `json:"created_at"`
	Sequence    int       `json:"sequence,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// Text returns the concatenated visible text of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Reasoning returns the concatenated reasoning text of the message.
func (m *Message) Reasoning() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartReasoning {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part message holding plain text.
func TextMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Parts:     []Part{{Kind: PartText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// PromptMessage is one entry of the outgoing request history.
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Parameters are the sampling parameters recorded with each turn.
type Parameters struct {
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema
}

// ChatRequest is the outgoing request handed to a provider transport.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []PromptMessage  `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float32          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}
