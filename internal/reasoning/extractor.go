// Package reasoning separates inline-marker reasoning from visible text in
// a streaming response. Some backends do not emit reasoning as a structured
// field; instead they embed it in ordinary content between a start/end
// marker pair (for example <think> and </think>). The extractor is fed
// arbitrary increments and splits them into reasoning and text deltas
// without ever re-emitting previously emitted characters, even when a
// marker straddles increment boundaries.
package reasoning

import "strings"

// MarkerPair is the start/end delimiter pair that brackets reasoning.
type MarkerPair struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DefaultMarkers is the marker pair used by most local reasoning models.
var DefaultMarkers = MarkerPair{Start: "<think>", End: "</think>"}

// Extractor is a two-state scanner (outside/inside marker) over a running
// buffer. The sent watermark records how much of the current phase's buffer
// has already been emitted, making every flush idempotent. Tokens are only
// matched against the cumulative buffer, never per increment, so a marker
// split across chunks is always found.
//
// An Extractor's state is scoped to a single stream and must not be reused
// across turns.
type Extractor struct {
	markers MarkerPair
	buf     string
	inside  bool
	sent    int
}

// NewExtractor creates an extractor for the given marker pair.
func NewExtractor(markers MarkerPair) *Extractor {
	return &Extractor{markers: markers}
}

// Feed appends an increment and returns the newly extractable reasoning
// and text deltas. Either or both may be empty. Text that could still turn
// out to be the beginning of a marker token is held back until the next
// increment (or Flush) disambiguates it.
func (e *Extractor) Feed(increment string) (reasoningDelta, textDelta string) {
	e.buf += increment

	var rd, td strings.Builder
	for {
		if !e.inside {
			i := strings.Index(e.buf, e.markers.Start)
			if i < 0 {
				e.emitSafe(&td, e.markers.Start)
				break
			}
			if i > e.sent {
				td.WriteString(e.buf[e.sent:i])
			}
			e.buf = e.buf[i+len(e.markers.Start):]
			e.sent = 0
			e.inside = true
			continue
		}

		i := strings.Index(e.buf, e.markers.End)
		if i < 0 {
			// Incremental reveal of reasoning before the marker closes.
			e.emitSafe(&rd, e.markers.End)
			break
		}
		if i > e.sent {
			rd.WriteString(e.buf[e.sent:i])
		}
		// Everything after the end token starts the content phase; any
		// content in the same increment is flushed on the next loop pass.
		e.buf = e.buf[i+len(e.markers.End):]
		e.sent = 0
		e.inside = false
	}

	return rd.String(), td.String()
}

// Flush drains whatever remains at end of stream. A marker that never
// closed leaves the tail classified as reasoning; otherwise the tail,
// including any partial marker prefix, is flushed as text. Nothing is ever
// silently dropped.
func (e *Extractor) Flush() (reasoningDelta, textDelta string) {
	rest := e.buf[e.sent:]
	e.buf = ""
	e.sent = 0
	if e.inside {
		e.inside = false
		return rest, ""
	}
	return "", rest
}

// emitSafe emits the unsent portion of the buffer minus the longest suffix
// that is a prefix of token, which must be retained in case the token
// completes in a later increment.
func (e *Extractor) emitSafe(out *strings.Builder, token string) {
	safe := len(e.buf) - partialTokenLen(e.buf, token)
	if safe > e.sent {
		out.WriteString(e.buf[e.sent:safe])
		e.sent = safe
	}
}

// partialTokenLen returns the length of the longest proper prefix of token
// that is a suffix of s.
func partialTokenLen(s, token string) int {
	max := len(token) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, token[:k]) {
			return k
		}
	}
	return 0
}
