package domain

import (
	"context"
	"io"
)

// Capabilities describes what a backend can do, as data rather than as a
// type hierarchy. The normalizer and the request builder dispatch on these
// flags; adding a provider means a config entry plus one mapping function.
type Capabilities struct {
	// StructuredReasoning is true when the backend emits reasoning as a
	// dedicated field per delta. When false, reasoning arrives embedded in
	// ordinary content between inline markers and must be extracted.
	StructuredReasoning bool `json:"structured_reasoning"`
	// SupportsTools is true when the backend accepts tool definitions and
	// may emit tool call events.
	SupportsTools bool `json:"supports_tools"`
}

// Provider is an opaque backend capability that yields an SSE-framed byte
// stream for a chat request. Implementations are already authenticated and
// configured; the returned body honors ctx cancellation and must be closed
// by the caller on every exit path.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error)
}
