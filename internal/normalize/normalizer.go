// Package normalize maps provider-specific raw event payloads into the
// canonical stream event union. Providers differ in which raw fields carry
// reasoning: backends with structured reasoning emit a dedicated field per
// delta, which passes through directly; backends without it embed
// reasoning in ordinary content between inline markers and are routed
// through the reasoning extractor. Dispatch is driven by the provider's
// capability flags, not by type hierarchy.
package normalize

import (
	"encoding/json"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
)

// rawEvent is the wire shape of one SSE payload: a JSON object carrying
// exactly one of these keys.
type rawEvent struct {
	Content    *string       `json:"content"`
	Reasoning  *string       `json:"reasoning"`
	ToolCall   *rawToolCall  `json:"toolCall"`
	ToolResult *rawToolRes   `json:"toolResult"`
	Metadata   *rawMetadata  `json:"metadata"`
}

type rawToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type rawToolRes struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

type rawMetadata struct {
	Usage *rawUsage `json:"usage"`
}

type rawUsage struct {
	InputTokens  int   `json:"inputTokens"`
	OutputTokens int   `json:"outputTokens"`
	TotalTokens  int   `json:"totalTokens"`
	LatencyMs    int64 `json:"latencyMs"`
}

// Normalizer converts raw payloads for one stream into canonical events.
// Its extractor state is scoped to a single stream's lifetime; concurrent
// streams must each use their own Normalizer.
type Normalizer struct {
	caps      domain.Capabilities
	extractor *reasoning.Extractor
}

// New creates a normalizer for one stream of a provider with the given
// capabilities. The marker pair is only consulted when the provider lacks
// structured reasoning.
func New(caps domain.Capabilities, markers reasoning.MarkerPair) *Normalizer {
	n := &Normalizer{caps: caps}
	if !caps.StructuredReasoning {
		n.extractor = reasoning.NewExtractor(markers)
	}
	return n
}

// Normalize maps one raw payload to zero or more canonical events. A
// content increment can yield both a reasoning delta and a text delta when
// an inline marker closes mid-increment. Unknown or unparseable payloads
// are dropped so that one corrupt chunk never aborts an otherwise valid
// stream.
func (n *Normalizer) Normalize(payload string) []domain.StreamEvent {
	var raw rawEvent
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil
	}

	switch {
	case raw.Reasoning != nil:
		if *raw.Reasoning == "" {
			return nil
		}
		return []domain.StreamEvent{{ReasoningDelta: *raw.Reasoning}}

	case raw.Content != nil:
		return n.normalizeContent(*raw.Content)

	case raw.ToolCall != nil:
		return []domain.StreamEvent{{ToolCall: &domain.ToolCallStart{
			ID:   raw.ToolCall.ID,
			Name: raw.ToolCall.Name,
			Args: raw.ToolCall.Args,
		}}}

	case raw.ToolResult != nil:
		return []domain.StreamEvent{{ToolResult: &domain.ToolCallResult{
			ID:     raw.ToolResult.ID,
			Result: raw.ToolResult.Result,
		}}}

	case raw.Metadata != nil:
		if raw.Metadata.Usage == nil {
			return nil
		}
		u := raw.Metadata.Usage
		total := u.TotalTokens
		if total == 0 {
			total = u.InputTokens + u.OutputTokens
		}
		return []domain.StreamEvent{{Usage: &domain.Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  total,
			LatencyMs:    u.LatencyMs,
		}}}
	}

	return nil
}

// Finish flushes any text still held by the inline-marker extractor and
// terminates the canonical sequence with the end sentinel.
func (n *Normalizer) Finish() []domain.StreamEvent {
	var events []domain.StreamEvent
	if n.extractor != nil {
		rd, td := n.extractor.Flush()
		events = appendDeltas(events, rd, td)
	}
	return append(events, domain.StreamEvent{Done: true})
}

func (n *Normalizer) normalizeContent(content string) []domain.StreamEvent {
	if content == "" {
		return nil
	}
	if n.extractor == nil {
		return []domain.StreamEvent{{TextDelta: content}}
	}
	rd, td := n.extractor.Feed(content)
	return appendDeltas(nil, rd, td)
}

func appendDeltas(events []domain.StreamEvent, reasoningDelta, textDelta string) []domain.StreamEvent {
	if reasoningDelta != "" {
		events = append(events, domain.StreamEvent{ReasoningDelta: reasoningDelta})
	}
	if textDelta != "" {
		events = append(events, domain.StreamEvent{TextDelta: textDelta})
	}
	return events
}
