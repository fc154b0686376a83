package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func drain(t *testing.T, d *Decoder) []string {
	t.Helper()

	var payloads []string
	for {
		payload, err := d.Next()
		if err == io.EOF {
			return payloads
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		payloads = append(payloads, payload)
	}
}

func TestDecoder_BasicFraming(t *testing.T) {
	input := "data: {\"content\":\"A\"}\n\ndata: {\"content\":\"B\"}\n\ndata: [DONE]\n"

	payloads := drain(t, NewDecoder(strings.NewReader(input)))

	want := []string{`{"content":"A"}`, `{"content":"B"}`}
	if len(payloads) != len(want) {
		t.Fatalf("payloads = %v, want %v", payloads, want)
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Errorf("payload[%d] = %q, want %q", i, payloads[i], want[i])
		}
	}
}

func TestDecoder_SkipsNonDataLines(t *testing.T) {
	input := "event: message\n: keep-alive comment\ndata: {\"content\":\"x\"}\n\ndata: [DONE]\n"

	payloads := drain(t, NewDecoder(strings.NewReader(input)))

	if len(payloads) != 1 || payloads[0] != `{"content":"x"}` {
		t.Errorf("payloads = %v, want single content payload", payloads)
	}
}

func TestDecoder_OneBytePerRead(t *testing.T) {
	// Lines arriving one byte at a time must still frame correctly.
	input := "data: {\"content\":\"chunked\"}\n\ndata: [DONE]\n"

	d := NewDecoder(iotest.OneByteReader(strings.NewReader(input)))
	payloads := drain(t, d)

	if len(payloads) != 1 || payloads[0] != `{"content":"chunked"}` {
		t.Errorf("payloads = %v, want single payload", payloads)
	}
}

func TestDecoder_EOFWithoutTerminalToken(t *testing.T) {
	input := "data: {\"content\":\"partial\"}\n"

	d := NewDecoder(strings.NewReader(input))

	payload, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if payload != `{"content":"partial"}` {
		t.Errorf("payload = %q", payload)
	}

	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next() after stream end error = %v, want io.EOF", err)
	}
}

func TestDecoder_TrimsPayloadWhitespace(t *testing.T) {
	input := "data:  {\"content\":\"x\"} \ndata: [DONE]\n"

	payloads := drain(t, NewDecoder(strings.NewReader(input)))

	if len(payloads) != 1 || payloads[0] != `{"content":"x"}` {
		t.Errorf("payloads = %v, want trimmed payload", payloads)
	}
}

func TestDecoder_ReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	d := NewDecoder(iotest.ErrReader(readErr))

	if _, err := d.Next(); !errors.Is(err, readErr) {
		t.Errorf("Next() error = %v, want %v", err, readErr)
	}
}

func TestDecoder_NothingAfterDone(t *testing.T) {
	input := "data: [DONE]\ndata: {\"content\":\"late\"}\n"

	d := NewDecoder(strings.NewReader(input))

	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF at terminal token", err)
	}
}
