// Package sse decodes server-sent-events framed byte streams into raw
// event payloads. Decoding is purely structural: the decoder buffers
// partial lines across chunk boundaries, recognizes the data prefix and
// the terminal token, and leaves all semantic interpretation of payloads
// to the normalizer.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const (
	// dataPrefix is the fixed event-marker token each event line carries.
	dataPrefix = "data: "
	// doneToken is the designated terminal payload that ends the stream.
	doneToken = "[DONE]"
)

// Decoder reads raw event payloads from an SSE-framed stream.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder creates a decoder over r. The scan buffer starts at 64KiB and
// grows to 1MiB for large event lines.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next raw event payload. Lines without the data prefix
// and blank keep-alive lines are skipped. It returns io.EOF once the
// terminal token or the end of the underlying stream is reached; any other
// error is a transport read failure.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == doneToken {
			d.done = true
			return "", io.EOF
		}
		return payload, nil
	}

	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
