// Package transcript provides the durable, ordered record of conversations
// and messages. Sequence numbers are 1-based and strictly increasing per
// conversation; message writes and their conversation-side effects commit
// in a single transaction so a crash mid-write can never leave the counted
// state and the actual rows out of sync.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStatus marks a conversation as active or archived.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// Conversation is the persisted conversation header. MessageCount always
// equals the number of persisted messages; the cumulative token totals are
// non-decreasing sums of persisted usage and are intentionally not
// corrected after a tail delete (see DeleteMessagesFromSequence).
type Conversation struct {
	ID                string             `db:"id"`
	Title             string             `db:"title"`
	Status            ConversationStatus `db:"status"`
	MessageCount      int                `db:"message_count"`
	TotalInputTokens  int                `db:"total_input_tokens"`
	TotalOutputTokens int                `db:"total_output_tokens"`
	Providers         []string           `db:"-"`
	Models            []string           `db:"-"`
	CreatedAt         time.Time          `db:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at"`
}

// Message is one persisted message row. Content is the raw text with any
// reasoning re-embedded between the marker pair; Sequence is unique and
// strictly increasing per conversation.
type Message struct {
	ID             string      `db:"id"`
	ConversationID string      `db:"conversation_id"`
	Role           domain.Role `db:"role"`
	Content        string      `db:"content"`
	Sequence       int         `db:"sequence"`
	CreatedAt      time.Time   `db:"created_at"`
	Provider       string      `db:"provider"`
	ModelID        string      `db:"model_id"`
	ModelName      string      `db:"model_name"`
	Parameters     string      `db:"parameters"`
	Usage          *domain.Usage
}

// AddMessageInput is the input for persisting one message.
type AddMessageInput struct {
	ConversationID string
	Role           domain.Role
	Content        string
	Provider       string
	ModelID        string
	ModelName      string
	Parameters     domain.Parameters
	Usage          *domain.Usage
}

// Store is the SQLite-backed transcript store.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the transcript database at path and initializes
// the schema. WAL mode keeps readers unblocked during turn persistence.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			providers TEXT NOT NULL DEFAULT '[]',
			models TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			model_name TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			input_tokens INTEGER,
			output_tokens INTEGER,
			total_tokens INTEGER,
			latency_ms INTEGER,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			UNIQUE (conversation_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// NextSequence returns one greater than the max existing sequence for the
// conversation, or 1 when it has no messages.
func (s *Store) NextSequence(ctx context.Context, conversationID string) (int, error) {
	var max int
	err := s.db.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to query max sequence: %w", err)
	}
	return max + 1, nil
}

// AddMessage persists a message and, in the same transaction, creates the
// conversation if needed and updates its message count, provider/model
// sets, title (from the first user message) and cumulative usage. Either
// all side effects commit or none do.
func (s *Store) AddMessage(ctx context.Context, in AddMessageInput) (*Message, error) {
	if in.ConversationID == "" {
		return nil, errors.New("conversation id required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Lazily create the conversation on first message.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		in.ConversationID, StatusActive, now, now); err != nil {
		return nil, fmt.Errorf("failed to ensure conversation: %w", err)
	}

	var max int
	if err := tx.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = ?`,
		in.ConversationID); err != nil {
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	seq := max + 1

	params, err := json.Marshal(in.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	msg := &Message{
		ID:             "msg_" + uuid.New().String(),
		ConversationID: in.ConversationID,
		Role:           in.Role,
		Content:        in.Content,
		Sequence:       seq,
		CreatedAt:      now,
		Provider:       in.Provider,
		ModelID:        in.ModelID,
		ModelName:      in.ModelName,
		Parameters:     string(params),
		Usage:          in.Usage,
	}

	var inputTokens, outputTokens, totalTokens, latencyMs any
	if in.Usage != nil {
		inputTokens = in.Usage.InputTokens
		outputTokens = in.Usage.OutputTokens
		totalTokens = in.Usage.TotalTokens
		latencyMs = in.Usage.LatencyMs
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, sequence, created_at,
		                       provider, model_id, model_name, parameters,
		                       input_tokens, output_tokens, total_tokens, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt,
		msg.Provider, msg.ModelID, msg.ModelName, msg.Parameters,
		inputTokens, outputTokens, totalTokens, latencyMs); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := s.applyConversationEffects(ctx, tx, in, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return msg, nil
}

// applyConversationEffects updates the parent conversation row inside the
// message insert transaction.
func (s *Store) applyConversationEffects(ctx context.Context, tx *sqlx.Tx, in AddMessageInput, now time.Time) error {
	var row struct {
		Title     string `db:"title"`
		Providers string `db:"providers"`
		Models    string `db:"models"`
	}
	if err := tx.GetContext(ctx, &row,
		`SELECT title, providers, models FROM conversations WHERE id = ?`, in.ConversationID); err != nil {
		return fmt.Errorf("failed to read conversation: %w", err)
	}

	title := row.Title
	if title == "" && in.Role == domain.RoleUser {
		title = titleFromContent(in.Content)
	}

	providers, err := addToSet(row.Providers, in.Provider)
	if err != nil {
		return fmt.Errorf("failed to update provider set: %w", err)
	}
	models, err := addToSet(row.Models, in.ModelID)
	if err != nil {
		return fmt.Errorf("failed to update model set: %w", err)
	}

	var inTok, outTok int
	if in.Usage != nil {
		inTok = in.Usage.InputTokens
		outTok = in.Usage.OutputTokens
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1,
		     title = ?,
		     providers = ?,
		     models = ?,
		     total_input_tokens = total_input_tokens + ?,
		     total_output_tokens = total_output_tokens + ?,
		     updated_at = ?
		 WHERE id = ?`,
		title, providers, models, inTok, outTok, now, in.ConversationID); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	return nil
}

// DeleteMessagesFromSequence atomically removes every message of the
// conversation with sequence >= fromSequence and decrements the message
// count by the number removed, never below zero. Cumulative token totals
// are deliberately left untouched: the reference behavior never rolls
// usage back on regeneration, so repeated regeneration can overcount.
func (s *Store) DeleteMessagesFromSequence(ctx context.Context, conversationID string, fromSequence int) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND sequence >= ?`,
		conversationID, fromSequence)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}

	if deleted > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations
			 SET message_count = MAX(message_count - ?, 0), updated_at = ?
			 WHERE id = ?`,
			deleted, time.Now().UTC(), conversationID); err != nil {
			return 0, fmt.Errorf("failed to update message count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}

	return int(deleted), nil
}

// GetConversation returns a conversation header by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row struct {
		Conversation
		ProvidersJSON string `db:"providers"`
		ModelsJSON    string `db:"models"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT id, title, status, message_count, total_input_tokens, total_output_tokens,
		        providers, models, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv := row.Conversation
	if err := json.Unmarshal([]byte(row.ProvidersJSON), &conv.Providers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal providers: %w", err)
	}
	if err := json.Unmarshal([]byte(row.ModelsJSON), &conv.Models); err != nil {
		return nil, fmt.Errorf("failed to unmarshal models: %w", err)
	}
	return &conv, nil
}

// ListConversations returns conversation headers ordered by most recent
// activity. A zero limit defaults to 100.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]*Conversation, error) {
	if limit == 0 {
		limit = 100
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, title, status, message_count, total_input_tokens, total_output_tokens,
		        providers, models, created_at, updated_at
		 FROM conversations
		 ORDER BY updated_at DESC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var row struct {
			Conversation
			ProvidersJSON string `db:"providers"`
			ModelsJSON    string `db:"models"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv := row.Conversation
		if err := json.Unmarshal([]byte(row.ProvidersJSON), &conv.Providers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal providers: %w", err)
		}
		if err := json.Unmarshal([]byte(row.ModelsJSON), &conv.Models); err != nil {
			return nil, fmt.Errorf("failed to unmarshal models: %w", err)
		}
		convs = append(convs, &conv)
	}

	return convs, rows.Err()
}

// GetMessages returns the conversation's messages ordered by sequence.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, conversation_id, role, content, sequence, created_at,
		        provider, model_id, model_name, parameters,
		        input_tokens, output_tokens, total_tokens, latency_ms
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var row struct {
			Message
			InputTokens  sql.NullInt64 `db:"input_tokens"`
			OutputTokens sql.NullInt64 `db:"output_tokens"`
			TotalTokens  sql.NullInt64 `db:"total_tokens"`
			LatencyMs    sql.NullInt64 `db:"latency_ms"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg := row.Message
		if row.InputTokens.Valid || row.OutputTokens.Valid || row.TotalTokens.Valid {
			msg.Usage = &domain.Usage{
				InputTokens:  int(row.InputTokens.Int64),
				OutputTokens: int(row.OutputTokens.Int64),
				TotalTokens:  int(row.TotalTokens.Int64),
				LatencyMs:    row.LatencyMs.Int64,
			}
		}
		msgs = append(msgs, &msg)
	}

	return msgs, rows.Err()
}

// SetStatus archives or reactivates a conversation.
func (s *Store) SetStatus(ctx context.Context, id string, status ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// titleFromContent derives a conversation title from the first user
// message: newlines stripped, rune-safe truncation.
func titleFromContent(content string) string {
	title := strings.ReplaceAll(content, "\n", " ")
	title = strings.ReplaceAll(title, "\r", "")
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > 64 {
		title = string(runes[:61]) + "..."
	}
	return title
}

// addToSet adds value to a JSON string array if absent and returns the
// re-encoded array.
func addToSet(encoded, value string) (string, error) {
	var set []string
	if err := json.Unmarshal([]byte(encoded), &set); err != nil {
		return "", err
	}
	if value == "" {
		return encoded, nil
	}
	for _, v := range set {
		if v == value {
			return encoded, nil
		}
	}
	set = append(set, value)
	out, err := json.Marshal(set)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
