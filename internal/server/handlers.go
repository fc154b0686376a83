package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/session"
	"github.com/tjfontaine/polyglot-chat/internal/transcript"
)

type handlers struct {
	manager *Manager
	logger  *slog.Logger
}

type sendMessageRequest struct {
	Content  string   `json:"content"`
	Files    []string `json:"files,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
}

type regenerateRequest struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFromError maps controller and store errors to HTTP statuses.
func statusFromError(err error) int {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, session.ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrNoUserMessage), errors.Is(err, session.ErrNoModel):
		return http.StatusBadRequest
	case errors.Is(err, transcript.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	names := h.manager.Registry().Names()
	writeJSON(w, http.StatusOK, map[string][]string{"providers": names})
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.manager.Store().ListConversations(r.Context(), 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []*transcript.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := h.manager.Store().GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	msgs, err := h.manager.Store().GetMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*transcript.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

func (h *handlers) exportConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	md, err := h.manager.Store().ExportMarkdown(r.Context(), id, h.manager.Markers())
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(md))
}

func (h *handlers) archiveConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.manager.Store().SetStatus(r.Context(), id, transcript.StatusArchived); err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(transcript.StatusArchived)})
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, err := h.manager.Session(id, req.Provider, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	relay, err := newEventRelay(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := ctrl.SendMessageWithFiles(r.Context(), req.Content, req.Files, relay.send); err != nil {
		relay.fail(err)
		return
	}
	relay.done()
}

func (h *handlers) regenerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req regenerateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctrl, ok := h.manager.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active session for conversation %q", id))
		return
	}

	relay, err := newEventRelay(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := ctrl.Regenerate(r.Context(), req.MessageID, relay.send); err != nil {
		relay.fail(err)
		return
	}
	relay.done()
}

func (h *handlers) stopGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctrl, ok := h.manager.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active session for conversation %q", id))
		return
	}

	ctrl.StopGeneration()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ctrl.Status())})
}

// eventRelay writes canonical events to the client as an SSE stream using
// the same wire shape the providers speak, so clients reuse one decoder.
type eventRelay struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventRelay(w http.ResponseWriter) (*eventRelay, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &eventRelay{w: w, flusher: flusher}, nil
}

func (er *eventRelay) start() {
	if er.started {
		return
	}
	er.w.Header().Set("Content-Type", "text/event-stream")
	er.w.Header().Set("Cache-Control", "no-cache")
	er.w.Header().Set("Connection", "keep-alive")
	er.w.WriteHeader(http.StatusOK)
	er.started = true
}

func (er *eventRelay) send(ev domain.StreamEvent) {
	payload := encodeEvent(ev)
	if payload == nil {
		return
	}
	er.start()
	fmt.Fprintf(er.w, "data: %s\n\n", payload)
	er.flusher.Flush()
}

// fail reports an error. Before the stream starts this is a plain HTTP
// error; after, it becomes an in-stream error payload followed by the
// terminal token.
func (er *eventRelay) fail(err error) {
	if !er.started {
		writeError(er.w, statusFromError(err), err.Error())
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]string{"message": err.Error()},
	})
	fmt.Fprintf(er.w, "data: %s\n\n", payload)
	er.done()
}

func (er *eventRelay) done() {
	er.start()
	fmt.Fprint(er.w, "data: [DONE]\n\n")
	er.flusher.Flush()
}

// encodeEvent renders one canonical event in the provider wire shape.
// The Done sentinel maps to nil; the relay's terminal token covers it.
func encodeEvent(ev domain.StreamEvent) []byte {
	var v any
	switch {
	case ev.TextDelta != "":
		v = map[string]string{"content": ev.TextDelta}
	case ev.ReasoningDelta != "":
		v = map[string]string{"reasoning": ev.ReasoningDelta}
	case ev.ToolCall != nil:
		v = map[string]any{"toolCall": ev.ToolCall}
	case ev.ToolResult != nil:
		v = map[string]any{"toolResult": ev.ToolResult}
	case ev.Usage != nil:
		v = map[string]any{"metadata": map[string]any{"usage": map[string]any{
			"inputTokens":  ev.Usage.InputTokens,
			"outputTokens": ev.Usage.OutputTokens,
			"totalTokens":  ev.Usage.TotalTokens,
			"latencyMs":    ev.Usage.LatencyMs,
		}}}
	default:
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
