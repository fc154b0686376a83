package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tjfontaine/polyglot-chat/internal/provider"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
	"github.com/tjfontaine/polyglot-chat/internal/tokens"
	"github.com/tjfontaine/polyglot-chat/internal/transcript"
)

var dbCounter atomic.Int64

// newTestServer wires a full daemon against a scripted SSE backend. The
// backend body can be swapped between requests through the pointer.
func newTestServer(t *testing.T, body *string) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(*body))
	}))
	t.Cleanup(backend.Close)

	registry, err := provider.NewRegistry([]provider.Config{
		{Name: "fake", BaseURL: backend.URL, DefaultModel: "test-model"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	dsn := fmt.Sprintf("file:serverdb%d?mode=memory&cache=shared", dbCounter.Add(1))
	store, err := transcript.Open(dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := NewManager(ManagerConfig{
		Registry:        registry,
		Store:           store,
		Tokens:          tokens.NewRegistry(),
		Markers:         reasoning.DefaultMarkers,
		DefaultProvider: "fake",
		Logger:          slog.New(slog.DiscardHandler),
	})

	srv := New(0, slog.New(slog.DiscardHandler), manager)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts
}

func sseLines(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return resp
}

func TestSendMessageStreamsSSE(t *testing.T) {
	body := "data: {\"content\":\"Hello\"}\n\ndata: {\"content\":\" world\"}\n\ndata: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/c1/messages", `{"content":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := sseLines(t, resp)
	if len(lines) < 3 {
		t.Fatalf("lines = %v, want content deltas plus terminal", lines)
	}
	if lines[0] != `data: {"content":"Hello"}` {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[len(lines)-1] != "data: [DONE]" {
		t.Errorf("last line = %q, want [DONE]", lines[len(lines)-1])
	}
}

func TestSendMessageEmptyContent(t *testing.T) {
	body := "data: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/c1/messages", `{"content":"  "}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessageUnknownProvider(t *testing.T) {
	body := "data: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/c1/messages", `{"content":"hi","provider":"nope"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConversationEndpoints(t *testing.T) {
	body := "data: {\"content\":\"answer\"}\n\ndata: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/c1/messages", `{"content":"the question"}`)
	sseLines(t, resp)

	// List shows the conversation with both messages counted.
	listResp, err := http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("GET conversations error = %v", err)
	}
	defer listResp.Body.Close()

	var list struct {
		Conversations []struct {
			ID           string `json:"ID"`
			MessageCount int    `json:"MessageCount"`
		} `json:"conversations"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].MessageCount != 2 {
		t.Errorf("list = %+v, want one conversation with 2 messages", list.Conversations)
	}

	// Get returns the messages in sequence order.
	getResp, err := http.Get(ts.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatalf("GET conversation error = %v", err)
	}
	defer getResp.Body.Close()

	var got struct {
		Messages []struct {
			Role    string `json:"Role"`
			Content string `json:"Content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&got); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[1].Content != "answer" {
		t.Errorf("assistant content = %q", got.Messages[1].Content)
	}

	// Export renders Markdown.
	exportResp, err := http.Get(ts.URL + "/v1/conversations/c1/export")
	if err != nil {
		t.Fatalf("GET export error = %v", err)
	}
	defer exportResp.Body.Close()
	var md strings.Builder
	scanner := bufio.NewScanner(exportResp.Body)
	for scanner.Scan() {
		md.WriteString(scanner.Text() + "\n")
	}
	if !strings.Contains(md.String(), "## User") || !strings.Contains(md.String(), "the question") {
		t.Errorf("export = %q, want Markdown sections", md.String())
	}
}

func TestGetConversationNotFound(t *testing.T) {
	body := "data: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp, err := http.Get(ts.URL + "/v1/conversations/ghost")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRegenerateStreamsNewAnswer(t *testing.T) {
	body := "data: {\"content\":\"first answer\"}\n\ndata: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/c1/messages", `{"content":"q"}`)
	sseLines(t, resp)

	body = "data: {\"content\":\"second answer\"}\n\ndata: [DONE]\n\n"
	regenResp := postJSON(t, ts.URL+"/v1/conversations/c1/regenerate", "")
	if regenResp.StatusCode != http.StatusOK {
		t.Fatalf("regenerate status = %d", regenResp.StatusCode)
	}
	lines := sseLines(t, regenResp)
	if lines[0] != `data: {"content":"second answer"}` {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestRegenerateWithoutSession(t *testing.T) {
	body := "data: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/ghost/regenerate", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStopWithoutSession(t *testing.T) {
	body := "data: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/ghost/stop", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestArchiveConversation(t *testing.T) {
	body := "data: {\"content\":\"hi\"}\n\ndata: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp := postJSON(t, ts.URL+"/v1/conversations/c1/messages", `{"content":"q"}`)
	sseLines(t, resp)

	archResp := postJSON(t, ts.URL+"/v1/conversations/c1/archive", "")
	defer archResp.Body.Close()
	if archResp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d", archResp.StatusCode)
	}

	missingResp := postJSON(t, ts.URL+"/v1/conversations/ghost/archive", "")
	defer missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusNotFound {
		t.Errorf("archive missing status = %d, want 404", missingResp.StatusCode)
	}
}

func TestListProviders(t *testing.T) {
	body := "data: [DONE]\n\n"
	ts := newTestServer(t, &body)

	resp, err := http.Get(ts.URL + "/v1/providers")
	if err != nil {
		t.Fatalf("GET providers error = %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		Providers []string `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Providers) != 1 || got.Providers[0] != "fake" {
		t.Errorf("providers = %v, want [fake]", got.Providers)
	}
}
