package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
)

var dbCounter atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:transcript%d?mode=memory&cache=shared", dbCounter.Add(1))
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func addText(t *testing.T, s *Store, conv string, role domain.Role, content string, usage *domain.Usage) *Message {
	t.Helper()
	msg, err := s.AddMessage(context.Background(), AddMessageInput{
		ConversationID: conv,
		Role:           role,
		Content:        content,
		Provider:       "openai",
		ModelID:        "gpt-4o",
		ModelName:      "GPT-4o",
		Usage:          usage,
	})
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	return msg
}

func TestStore_SequenceStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var seqs []int
	for i := 0; i < 5; i++ {
		msg := addText(t, s, "conv1", domain.RoleUser, fmt.Sprintf("msg %d", i), nil)
		seqs = append(seqs, msg.Sequence)
	}

	for i, seq := range seqs {
		if seq != i+1 {
			t.Errorf("sequence[%d] = %d, want %d", i, seq, i+1)
		}
	}

	next, err := s.NextSequence(ctx, "conv1")
	if err != nil {
		t.Fatalf("NextSequence() error = %v", err)
	}
	if next != 6 {
		t.Errorf("NextSequence() = %d, want 6", next)
	}
}

func TestStore_SequencesIndependentPerConversation(t *testing.T) {
	s := newTestStore(t)

	a := addText(t, s, "conv-a", domain.RoleUser, "hello", nil)
	b := addText(t, s, "conv-b", domain.RoleUser, "hello", nil)

	if a.Sequence != 1 || b.Sequence != 1 {
		t.Errorf("sequences = %d, %d, want both 1", a.Sequence, b.Sequence)
	}
}

func TestStore_AddMessageSideEffects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "What is the capital of France?", nil)
	addText(t, s, "conv1", domain.RoleAssistant, "Paris.",
		&domain.Usage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15})

	conv, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}

	if conv.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", conv.MessageCount)
	}
	if conv.Title != "What is the capital of France?" {
		t.Errorf("Title = %q, want first user message", conv.Title)
	}
	if conv.TotalInputTokens != 12 || conv.TotalOutputTokens != 3 {
		t.Errorf("usage totals = %d/%d, want 12/3", conv.TotalInputTokens, conv.TotalOutputTokens)
	}
	if len(conv.Providers) != 1 || conv.Providers[0] != "openai" {
		t.Errorf("Providers = %v, want [openai]", conv.Providers)
	}
	if len(conv.Models) != 1 || conv.Models[0] != "gpt-4o" {
		t.Errorf("Models = %v, want [gpt-4o]", conv.Models)
	}
}

func TestStore_TitleNotOverwritten(t *testing.T) {
	s := newTestStore(t)

	addText(t, s, "conv1", domain.RoleUser, "first question", nil)
	addText(t, s, "conv1", domain.RoleUser, "second question", nil)

	conv, err := s.GetConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Title != "first question" {
		t.Errorf("Title = %q, want the first user message kept", conv.Title)
	}
}

func TestStore_TitleTruncated(t *testing.T) {
	s := newTestStore(t)

	long := ""
	for i := 0; i < 20; i++ {
		long += "abcdefgh"
	}
	addText(t, s, "conv1", domain.RoleUser, long, nil)

	conv, err := s.GetConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got := len([]rune(conv.Title)); got != 64 {
		t.Errorf("title length = %d, want 64", got)
	}
}

func TestStore_DeleteMessagesFromSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "q1", nil)       // seq 1
	addText(t, s, "conv1", domain.RoleAssistant, "a1", nil)  // seq 2
	addText(t, s, "conv1", domain.RoleUser, "q2", nil)       // seq 3
	addText(t, s, "conv1", domain.RoleAssistant, "a2", nil)  // seq 4

	deleted, err := s.DeleteMessagesFromSequence(ctx, "conv1", 3)
	if err != nil {
		t.Fatalf("DeleteMessagesFromSequence() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	msgs, err := s.GetMessages(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("remaining = %d, want 2", len(msgs))
	}
	if msgs[1].Sequence != 2 {
		t.Errorf("last sequence = %d, want 2", msgs[1].Sequence)
	}

	conv, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", conv.MessageCount)
	}

	// Sequence numbering continues from the surviving tail, so a re-sent
	// message lands on the freed sequence.
	msg := addText(t, s, "conv1", domain.RoleUser, "q2 again", nil)
	if msg.Sequence != 3 {
		t.Errorf("reused sequence = %d, want 3", msg.Sequence)
	}
}

func TestStore_DeleteDoesNotRollBackUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "q", nil)
	addText(t, s, "conv1", domain.RoleAssistant, "a",
		&domain.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150})

	if _, err := s.DeleteMessagesFromSequence(ctx, "conv1", 1); err != nil {
		t.Fatalf("DeleteMessagesFromSequence() error = %v", err)
	}

	conv, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.TotalInputTokens != 100 || conv.TotalOutputTokens != 50 {
		t.Errorf("usage totals = %d/%d after delete, want 100/50 preserved",
			conv.TotalInputTokens, conv.TotalOutputTokens)
	}
	if conv.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", conv.MessageCount)
	}
}

func TestStore_MessageCountNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "q", nil)

	// Delete everything twice; the second pass removes nothing and must
	// not drive the count negative.
	if _, err := s.DeleteMessagesFromSequence(ctx, "conv1", 1); err != nil {
		t.Fatalf("first delete error = %v", err)
	}
	if _, err := s.DeleteMessagesFromSequence(ctx, "conv1", 1); err != nil {
		t.Fatalf("second delete error = %v", err)
	}

	conv, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", conv.MessageCount)
	}
}

func TestStore_GetMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "hello", nil)
	addText(t, s, "conv1", domain.RoleAssistant, "hi there",
		&domain.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7, LatencyMs: 120})

	msgs, err := s.GetMessages(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}

	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("msg[0] = %s %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[0].Usage != nil {
		t.Errorf("user message usage = %+v, want nil", msgs[0].Usage)
	}

	u := msgs[1].Usage
	if u == nil {
		t.Fatal("assistant message usage missing")
	}
	if u.TotalTokens != 7 || u.LatencyMs != 120 {
		t.Errorf("usage = %+v, want total 7 latency 120", u)
	}
	if msgs[1].Provider != "openai" || msgs[1].ModelID != "gpt-4o" {
		t.Errorf("provenance = %s/%s", msgs[1].Provider, msgs[1].ModelID)
	}
}

func TestStore_ListConversationsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "old", domain.RoleUser, "first", nil)
	addText(t, s, "new", domain.RoleUser, "second", nil)
	// Touch the older conversation so it becomes most recent.
	addText(t, s, "old", domain.RoleUser, "third", nil)

	convs, err := s.ListConversations(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	if convs[0].ID != "old" {
		t.Errorf("most recent = %s, want old", convs[0].ID)
	}
}

func TestStore_ExportMarkdownOmitsReasoning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "What is 2+2?", nil)
	if _, err := s.AddMessage(ctx, AddMessageInput{
		ConversationID: "conv1",
		Role:           domain.RoleAssistant,
		Content:        "<think>arithmetic</think>\n\nFour.",
		Provider:       "openai",
		ModelID:        "gpt-4o",
		ModelName:      "GPT-4o",
	}); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	md, err := s.ExportMarkdown(ctx, "conv1", reasoning.DefaultMarkers)
	if err != nil {
		t.Fatalf("ExportMarkdown() error = %v", err)
	}

	if !strings.Contains(md, "# What is 2+2?") {
		t.Errorf("export missing title:\n%s", md)
	}
	if !strings.Contains(md, "## User") || !strings.Contains(md, "## Assistant (GPT-4o)") {
		t.Errorf("export missing sections:\n%s", md)
	}
	if !strings.Contains(md, "Four.") {
		t.Errorf("export missing visible text:\n%s", md)
	}
	if strings.Contains(md, "arithmetic") || strings.Contains(md, "<think>") {
		t.Errorf("export leaked reasoning:\n%s", md)
	}
}

func TestStore_ArchiveAndNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addText(t, s, "conv1", domain.RoleUser, "q", nil)

	if err := s.SetStatus(ctx, "conv1", StatusArchived); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	conv, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Status != StatusArchived {
		t.Errorf("Status = %s, want archived", conv.Status)
	}

	if err := s.SetStatus(ctx, "nope", StatusArchived); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("SetStatus(nope) error = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.GetConversation(ctx, "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetConversation(nope) error = %v, want ErrConversationNotFound", err)
	}
}
