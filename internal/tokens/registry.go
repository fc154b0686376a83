// Package tokens estimates token usage client-side for streams whose
// provider reports none. Counts produced here are always flagged as
// estimated; exact counts only ever come from the provider's own usage
// report.
package tokens

import (
	"github.com/tjfontaine/polyglot-chat/internal/domain"
)

// Counter counts tokens in plain text for the models it supports.
type Counter interface {
	SupportsModel(model string) bool
	CountText(model, text string) (int, error)
}

// Registry resolves the best available counter per model, falling back to
// a character-ratio estimator for models no counter claims.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter registered and
// the character estimator as fallback.
func NewRegistry() *Registry {
	return &Registry{
		counters: []Counter{NewTiktokenCounter()},
		fallback: NewEstimator(),
	}
}

// Register adds a counter, consulted before the fallback.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

func (r *Registry) counterFor(model string) Counter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// EstimateTurn computes estimated usage for one turn from the outgoing
// prompt history and the assembled assistant output.
func (r *Registry) EstimateTurn(model string, prompt []domain.PromptMessage, output string) domain.Usage {
	c := r.counterFor(model)

	input := 0
	for _, msg := range prompt {
		// Per-message framing overhead mirrors the chat encoding:
		// three tokens of structure plus one for the role.
		input += 4
		if n, err := c.CountText(model, msg.Content); err == nil {
			input += n
		}
	}
	input += 3 // assistant priming

	out := 0
	if n, err := c.CountText(model, output); err == nil {
		out = n
	}

	return domain.Usage{
		InputTokens:  input,
		OutputTokens: out,
		TotalTokens:  input + out,
		Estimated:    true,
	}
}

// Estimator approximates token counts from character length. It claims
// every model, so it only ever runs as the registry fallback.
type Estimator struct {
	CharsPerToken float64
}

// NewEstimator returns an estimator with the usual four characters per
// token ratio.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// SupportsModel returns true for every model.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// CountText estimates the token count of text.
func (e *Estimator) CountText(model, text string) (int, error) {
	return int(float64(len(text)) / e.CharsPerToken), nil
}
