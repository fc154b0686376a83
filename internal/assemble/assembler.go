// Package assemble folds the canonical event sequence into the in-memory
// message the UI renders incrementally. The assembler buckets parts by
// kind and re-linearizes on every update: reasoning parts always render
// before tool-call parts, which render before the text part, regardless of
// interleaving in the raw stream. Arrival order within each kind is
// preserved.
package assemble

import (
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
)

// Assembler owns the currently streaming assistant message.
type Assembler struct {
	reasoning strings.Builder
	text      strings.Builder
	tools     []domain.ToolCallPart
	toolIndex map[string]int
	usage     *domain.Usage
}

// New creates an empty assembler for one stream.
func New() *Assembler {
	return &Assembler{toolIndex: make(map[string]int)}
}

// Apply folds one canonical event into the assembler state. Terminal and
// error events are ignored here; the session controller reacts to those.
func (a *Assembler) Apply(ev domain.StreamEvent) {
	switch {
	case ev.TextDelta != "":
		a.text.WriteString(ev.TextDelta)

	case ev.ReasoningDelta != "":
		a.reasoning.WriteString(ev.ReasoningDelta)

	case ev.ToolCall != nil:
		// Repeated start for a known id is ignored.
		if _, ok := a.toolIndex[ev.ToolCall.ID]; ok {
			return
		}
		a.toolIndex[ev.ToolCall.ID] = len(a.tools)
		a.tools = append(a.tools, domain.ToolCallPart{
			ID:     ev.ToolCall.ID,
			Name:   ev.ToolCall.Name,
			Args:   ev.ToolCall.Args,
			Status: domain.ToolStatusPending,
		})

	case ev.ToolResult != nil:
		i, ok := a.toolIndex[ev.ToolResult.ID]
		if !ok {
			// Result without a started call; drop.
			return
		}
		if a.tools[i].Status != domain.ToolStatusPending {
			// At most one result per id.
			return
		}
		a.tools[i].Result = ev.ToolResult.Result
		a.tools[i].Status = domain.ToolStatusComplete

	case ev.Usage != nil:
		a.usage = ev.Usage
	}
}

// Usage returns the usage reported on the stream, or nil.
func (a *Assembler) Usage() *domain.Usage {
	return a.usage
}

// Text returns the visible text assembled so far.
func (a *Assembler) Text() string {
	return a.text.String()
}

// Reasoning returns the reasoning text assembled so far.
func (a *Assembler) Reasoning() string {
	return a.reasoning.String()
}

// Message re-linearizes the buckets into a message: reasoning first, then
// tool calls in arrival order, then the text part.
func (a *Assembler) Message(id string, createdAt time.Time) domain.Message {
	var parts []domain.Part

	if a.reasoning.Len() > 0 {
		parts = append(parts, domain.Part{Kind: domain.PartReasoning, Text: a.reasoning.String()})
	}
	for i := range a.tools {
		tc := a.tools[i]
		parts = append(parts, domain.Part{Kind: domain.PartToolCall, ToolCall: &tc})
	}
	if a.text.Len() > 0 {
		parts = append(parts, domain.Part{Kind: domain.PartText, Text: a.text.String()})
	}

	return domain.Message{
		ID:        id,
		Role:      domain.RoleAssistant,
		Parts:     parts,
		CreatedAt: createdAt,
	}
}

// Empty reports whether nothing has been assembled yet.
func (a *Assembler) Empty() bool {
	return a.reasoning.Len() == 0 && a.text.Len() == 0 && len(a.tools) == 0
}
