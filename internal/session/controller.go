// Package session implements the conversation controller: the state
// machine that owns one conversation's in-memory history, drives a turn
// through the provider stream pipeline, and keeps the transcript store
// consistent with what the user saw.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-chat/internal/assemble"
	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/normalize"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
	"github.com/tjfontaine/polyglot-chat/internal/sse"
	"github.com/tjfontaine/polyglot-chat/internal/tokens"
	"github.com/tjfontaine/polyglot-chat/internal/transcript"
)

// Status is the controller lifecycle state.
type Status string

const (
	// StatusIdle means no turn is in flight.
	StatusIdle Status = "idle"
	// StatusSubmitted means the user message is persisted and the request
	// is on its way, but no stream bytes have arrived yet.
	StatusSubmitted Status = "submitted"
	// StatusStreaming means stream events are being consumed.
	StatusStreaming Status = "streaming"
	// StatusError means the last turn failed; the next send clears it.
	StatusError Status = "error"
)

var (
	// ErrTurnInFlight is returned when an operation requires an idle
	// controller while a turn is still streaming.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoModel is returned when no model has been selected for the turn.
	ErrNoModel = errors.New("no model selected")
	// ErrNoUserMessage is returned by Regenerate when no user message
	// precedes the regeneration target.
	ErrNoUserMessage = errors.New("no user message to regenerate from")
)

// EventFunc receives each canonical stream event as it is folded into the
// turn. It is called from the turn's goroutine; implementations render
// increments and must not block for long.
type EventFunc func(domain.StreamEvent)

// Option configures a controller.
type Option func(*Controller)

// WithMarkers overrides the inline reasoning marker pair. An incomplete
// pair is ignored.
func WithMarkers(m reasoning.MarkerPair) Option {
	return func(c *Controller) {
		if m.Start != "" && m.End != "" {
			c.markers = m
		}
	}
}

// WithParameters sets the sampling parameters sent with each turn.
func WithParameters(p domain.Parameters) Option {
	return func(c *Controller) { c.params = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithConversationID resumes an existing conversation instead of starting
// a fresh one.
func WithConversationID(id string) Option {
	return func(c *Controller) { c.conversationID = id }
}

// Controller owns one conversation. All exported methods are safe for
// concurrent use; StopGeneration is expected to race with a turn driven
// from another goroutine.
type Controller struct {
	provider domain.Provider
	store    *transcript.Store
	tokens   *tokens.Registry
	markers  reasoning.MarkerPair
	params   domain.Parameters
	model    string
	logger   *slog.Logger

	mu             sync.Mutex
	status         Status
	lastErr        error
	conversationID string
	messages       []domain.Message
	cumulative     domain.Usage
	lastUsage      *domain.Usage
	cancelTurn     context.CancelFunc
}

// New creates a controller for one conversation against the given
// provider and model.
func New(p domain.Provider, store *transcript.Store, reg *tokens.Registry, model string, opts ...Option) *Controller {
	c := &Controller{
		provider:       p,
		store:          store,
		tokens:         reg,
		markers:        reasoning.DefaultMarkers,
		model:          model,
		logger:         slog.Default(),
		status:         StatusIdle,
		conversationID: "conv_" + uuid.New().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the error of the most recent failed turn, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConversationID returns the active conversation id.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Messages returns a snapshot of the in-memory history.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastUsage returns the usage of the most recently completed turn, or nil
// when the last turn did not complete.
func (c *Controller) LastUsage() *domain.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage
}

// CumulativeUsage returns the running usage total across completed turns.
// It is monotonic for the lifetime of the conversation: regenerated turns
// add to it and tail deletes never subtract from it.
func (c *Controller) CumulativeUsage() domain.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulative
}

// SetModel switches the model for subsequent turns.
func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// SetProvider switches the backend for subsequent turns. Refused while a
// turn is in flight.
func (c *Controller) SetProvider(p domain.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusSubmitted || c.status == StatusStreaming {
		return ErrTurnInFlight
	}
	c.provider = p
	return nil
}

// SendMessageWithFiles appends attachment paths to the prompt text and
// sends the result. Paths are opaque references; no file content is read
// or encoded here.
func (c *Controller) SendMessageWithFiles(ctx context.Context, content string, files []string, onEvent EventFunc) error {
	if len(files) > 0 {
		var b strings.Builder
		b.WriteString(strings.TrimSpace(content))
		b.WriteString("\n\nAttached files:")
		for _, f := range files {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		content = b.String()
	}
	return c.SendMessage(ctx, content, onEvent)
}

// SendMessage runs one full turn: it persists the user message, streams
// the assistant response through the decode/normalize/assemble pipeline,
// and persists the completed assistant message. It blocks until the turn
// ends; increments are delivered through onEvent as they arrive.
// StopGeneration from another goroutine interrupts it.
func (c *Controller) SendMessage(ctx context.Context, content string, onEvent EventFunc) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	turnCtx, err := c.beginTurn(ctx)
	if err != nil {
		return err
	}
	return c.sendTurn(turnCtx, content, onEvent)
}

// sendTurn persists the user message and drives the stream. The caller has
// already reserved the turn through beginTurn.
func (c *Controller) sendTurn(ctx context.Context, content string, onEvent EventFunc) error {
	tracer := otel.Tracer("github.com/tjfontaine/polyglot-chat/internal/session")
	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("chat.provider", c.provider.Name()),
		attribute.String("chat.model", c.model),
		attribute.String("chat.conversation_id", c.ConversationID()),
	))
	defer span.End()

	userMsg := domain.TextMessage("msg_"+uuid.New().String(), domain.RoleUser, content)
	stored, err := c.store.AddMessage(ctx, transcript.AddMessageInput{
		ConversationID: c.ConversationID(),
		Role:           domain.RoleUser,
		Content:        content,
		Provider:       c.provider.Name(),
		ModelID:        c.model,
	})
	if err != nil {
		err = fmt.Errorf("failed to persist user message: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.failTurn(err)
		return c.LastError()
	}
	userMsg.Sequence = stored.Sequence

	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	prompt := c.promptLocked()
	c.mu.Unlock()

	if err := c.runTurn(ctx, prompt, onEvent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// StopGeneration cancels the in-flight turn. The partial assistant
// message is kept in memory marked interrupted but is not persisted. It
// is a no-op when no turn is in flight.
func (c *Controller) StopGeneration() {
	c.mu.Lock()
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Regenerate replays the turn that produced the assistant message with
// the given id, or the last assistant message when id is empty. The
// target and everything after it, including its originating user message,
// is removed from the transcript; the user message is then re-sent so it
// reoccupies the same sequence. Refused while a turn is in flight.
func (c *Controller) Regenerate(ctx context.Context, messageID string, onEvent EventFunc) error {
	c.mu.Lock()
	if c.status == StatusSubmitted || c.status == StatusStreaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}

	target := -1
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role != domain.RoleAssistant {
			continue
		}
		if messageID == "" || c.messages[i].ID == messageID {
			target = i
			break
		}
	}
	if target == -1 {
		c.mu.Unlock()
		return ErrNoUserMessage
	}

	userIdx := -1
	for i := target - 1; i >= 0; i-- {
		if c.messages[i].Role == domain.RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx == -1 {
		c.mu.Unlock()
		return ErrNoUserMessage
	}

	userMsg := c.messages[userIdx]
	conversationID := c.conversationID

	// Reserve the turn before releasing the lock so a concurrent send
	// cannot interleave with the tail delete.
	turnCtx, err := c.beginTurnLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// Truncate memory before the user message; it is re-sent below and
	// will be re-appended and re-persisted at the same sequence.
	c.messages = c.messages[:userIdx]
	c.mu.Unlock()

	if userMsg.Sequence > 0 {
		if _, err := c.store.DeleteMessagesFromSequence(turnCtx, conversationID, userMsg.Sequence); err != nil {
			err = fmt.Errorf("failed to delete regenerated tail: %w", err)
			c.failTurn(err)
			return err
		}
	}

	return c.sendTurn(turnCtx, userMsg.Text(), onEvent)
}

// ClearMessages drops the in-memory history and starts a fresh
// conversation. The previous conversation stays in the store. Refused
// while a turn is in flight.
func (c *Controller) ClearMessages() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusSubmitted || c.status == StatusStreaming {
		return ErrTurnInFlight
	}
	c.messages = nil
	c.cumulative = domain.Usage{}
	c.lastUsage = nil
	c.lastErr = nil
	c.status = StatusIdle
	c.conversationID = "conv_" + uuid.New().String()
	return nil
}

// beginTurn transitions idle/error to submitted and installs the turn's
// cancel func.
func (c *Controller) beginTurn(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginTurnLocked(ctx)
}

// beginTurnLocked is beginTurn for callers already holding mu.
func (c *Controller) beginTurnLocked(ctx context.Context) (context.Context, error) {
	if c.status == StatusSubmitted || c.status == StatusStreaming {
		return nil, ErrTurnInFlight
	}
	if c.model == "" {
		return nil, ErrNoModel
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.status = StatusSubmitted
	c.lastErr = nil
	c.lastUsage = nil
	c.cancelTurn = cancel
	return turnCtx, nil
}

func (c *Controller) failTurn(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusError
	c.lastErr = err
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
}

// promptLocked builds the outgoing history from visible text only;
// reasoning and tool parts never travel back to the backend.
func (c *Controller) promptLocked() []domain.PromptMessage {
	prompt := make([]domain.PromptMessage, 0, len(c.messages))
	for i := range c.messages {
		msg := &c.messages[i]
		text := msg.Text()
		if text == "" {
			continue
		}
		prompt = append(prompt, domain.PromptMessage{Role: msg.Role, Content: text})
	}
	return prompt
}

// runTurn drives one stream to completion. The decode loop runs on the
// calling goroutine; cancellation arrives through ctx and surfaces as a
// read error on the response body.
func (c *Controller) runTurn(ctx context.Context, prompt []domain.PromptMessage, onEvent EventFunc) error {
	defer func() {
		c.mu.Lock()
		if c.cancelTurn != nil {
			c.cancelTurn()
			c.cancelTurn = nil
		}
		c.mu.Unlock()
	}()

	req := &domain.ChatRequest{
		Model:       c.model,
		Messages:    prompt,
		Stream:      true,
		Temperature: c.params.Temperature,
		MaxTokens:   c.params.MaxTokens,
	}

	started := time.Now()
	body, err := c.provider.OpenStream(ctx, req)
	if err != nil {
		c.failTurn(err)
		return err
	}
	defer body.Close()

	c.mu.Lock()
	c.status = StatusStreaming
	c.mu.Unlock()

	c.logger.Debug("stream opened",
		slog.String("conversation_id", c.ConversationID()),
		slog.String("provider", c.provider.Name()),
		slog.String("model", c.model))

	normalizer := normalize.New(c.provider.Capabilities(), c.markers)
	asm := assemble.New()
	decoder := sse.NewDecoder(body)

	var streamErr error
	for {
		payload, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		for _, ev := range normalizer.Normalize(payload) {
			asm.Apply(ev)
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}

	for _, ev := range normalizer.Finish() {
		asm.Apply(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}

	interrupted := ctx.Err() != nil

	switch {
	case interrupted:
		return c.finishInterrupted(asm)
	case streamErr != nil:
		return c.finishFailed(asm, streamErr)
	default:
		return c.finishCompleted(context.WithoutCancel(ctx), asm, prompt, time.Since(started))
	}
}

// finishCompleted finalizes and persists a normally completed turn.
func (c *Controller) finishCompleted(ctx context.Context, asm *assemble.Assembler, prompt []domain.PromptMessage, elapsed time.Duration) error {
	usage := asm.Usage()
	if usage == nil {
		estimated := c.tokens.EstimateTurn(c.model, prompt, asm.Text())
		usage = &estimated
	}
	if usage.LatencyMs == 0 {
		usage.LatencyMs = elapsed.Milliseconds()
	}

	msg := asm.Message("msg_"+uuid.New().String(), time.Now())

	stored, err := c.store.AddMessage(ctx, transcript.AddMessageInput{
		ConversationID: c.ConversationID(),
		Role:           domain.RoleAssistant,
		Content:        c.persistedContent(asm),
		Provider:       c.provider.Name(),
		ModelID:        c.model,
		Parameters:     c.params,
		Usage:          usage,
	})
	if err != nil {
		c.failTurn(fmt.Errorf("failed to persist assistant message: %w", err))
		return c.LastError()
	}
	msg.Sequence = stored.Sequence

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.cumulative.Add(*usage)
	c.lastUsage = usage
	c.status = StatusIdle
	c.mu.Unlock()

	c.logger.Info("turn completed",
		slog.String("conversation_id", c.ConversationID()),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.Bool("estimated", usage.Estimated),
		slog.Int64("latency_ms", usage.LatencyMs))

	return nil
}

// finishInterrupted keeps the partial message in memory, marked, without
// persisting it.
func (c *Controller) finishInterrupted(asm *assemble.Assembler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !asm.Empty() {
		msg := asm.Message("msg_"+uuid.New().String(), time.Now())
		msg.Interrupted = true
		c.messages = append(c.messages, msg)
	}
	c.status = StatusIdle

	c.logger.Info("turn interrupted",
		slog.String("conversation_id", c.conversationID))
	return nil
}

// finishFailed keeps any partial output in memory and surfaces the
// stream error.
func (c *Controller) finishFailed(asm *assemble.Assembler, streamErr error) error {
	c.mu.Lock()
	if !asm.Empty() {
		msg := asm.Message("msg_"+uuid.New().String(), time.Now())
		msg.Interrupted = true
		c.messages = append(c.messages, msg)
	}
	c.mu.Unlock()

	err := fmt.Errorf("stream failed: %w", streamErr)
	c.failTurn(err)

	c.logger.Error("turn failed",
		slog.String("conversation_id", c.ConversationID()),
		slog.String("error", streamErr.Error()))
	return err
}

// persistedContent renders the assembled message to the stored text form:
// reasoning re-embedded between the marker pair ahead of the visible
// text, so a reload can re-extract it.
func (c *Controller) persistedContent(asm *assemble.Assembler) string {
	var b strings.Builder
	if r := asm.Reasoning(); r != "" {
		b.WriteString(c.markers.Start)
		b.WriteString(r)
		b.WriteString(c.markers.End)
		if asm.Text() != "" {
			b.WriteString("\n\n")
		}
	}
	b.WriteString(asm.Text())
	return b.String()
}
