// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is how timestamps are stored. RFC3339Nano keeps lexical order
// equal to chronological order for the index on (conversation_id, created_at).
const timeFormat = time.RFC3339Nano

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			tool_id          TEXT NOT NULL,
			answers_json     TEXT NOT NULL DEFAULT '{}',
			current_slot     TEXT NOT NULL DEFAULT '',
			completed        INTEGER NOT NULL DEFAULT 0,
			gen_phase        TEXT NOT NULL DEFAULT 'not_started',
			gen_started_at   TEXT,
			gen_completed_at TEXT,
			gen_result       TEXT NOT NULL DEFAULT '',
			gen_error        TEXT NOT NULL DEFAULT '',
			version          INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (gen_phase IN ('not_started', 'pending', 'succeeded', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tool ON conversations(tool_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		-- Message identity: at most one row per (conversation, role, content).
		-- AppendMessage relies on this for exactly-once transcript writes.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_identity
			ON messages(conversation_id, role, content);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation inserts a new conversation row at version 1.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	answersJSON, err := json.Marshal(conv.Answers)
	if err != nil {
		return fmt.Errorf("encoding answers: %w", err)
	}
	if conv.Generation.Phase == "" {
		conv.Generation.Phase = PhaseNotStarted
	}
	conv.Version = 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, tool_id, answers_json, current_slot, completed,
			 gen_phase, gen_started_at, gen_completed_at, gen_result, gen_error,
			 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.ToolID, string(answersJSON), conv.CurrentSlot, boolToInt(conv.Completed),
		string(conv.Generation.Phase), formatTimePtr(conv.Generation.StartedAt),
		formatTimePtr(conv.Generation.CompletedAt), conv.Generation.Result, conv.Generation.Error,
		conv.Version, conv.CreatedAt.UTC().Format(timeFormat), conv.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_id, answers_json, current_slot, completed,
		       gen_phase, gen_started_at, gen_completed_at, gen_result, gen_error,
		       version, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// UpsertConversation writes the conversation guarded by its loaded version.
// A row that has moved on returns ErrVersionConflict; a missing row is
// inserted fresh.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.Version == 0 {
		return s.CreateConversation(ctx, conv)
	}

	answersJSON, err := json.Marshal(conv.Answers)
	if err != nil {
		return fmt.Errorf("encoding answers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET tool_id = ?, answers_json = ?, current_slot = ?, completed = ?,
		    gen_phase = ?, gen_started_at = ?, gen_completed_at = ?,
		    gen_result = ?, gen_error = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		conv.ToolID, string(answersJSON), conv.CurrentSlot, boolToInt(conv.Completed),
		string(conv.Generation.Phase), formatTimePtr(conv.Generation.StartedAt),
		formatTimePtr(conv.Generation.CompletedAt), conv.Generation.Result, conv.Generation.Error,
		time.Now().UTC().Format(timeFormat),
		conv.ID, conv.Version,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		// Either the row is gone or someone else wrote first.
		if _, getErr := s.GetConversation(ctx, conv.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	conv.Version++
	return nil
}

// ListConversations returns conversations ordered by most recent update.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_id, answers_json, current_slot, completed,
		       gen_phase, gen_started_at, gen_completed_at, gen_result, gen_error,
		       version, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// CASGenerationPhase atomically flips the generation phase from "from" to
// "to". Returns true when this call performed the flip, false when the stored
// phase was no longer "from" (someone else won, or the phase already moved).
func (s *SQLiteStore) CASGenerationPhase(ctx context.Context, id string, from, to GenerationPhase, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET gen_phase = ?, gen_started_at = ?, gen_completed_at = NULL,
		    gen_result = '', gen_error = '',
		    version = version + 1, updated_at = ?
		WHERE id = ? AND gen_phase = ?`,
		string(to), at.UTC().Format(timeFormat), time.Now().UTC().Format(timeFormat),
		id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("updating generation phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetConversation(ctx, id); errors.Is(getErr, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// MarkGenerationResult records the terminal phase and payload for a
// conversation's generation job.
func (s *SQLiteStore) MarkGenerationResult(ctx context.Context, id string, phase GenerationPhase, result, errMsg string, at time.Time) error {
	if !phase.Terminal() {
		return fmt.Errorf("phase %q is not terminal", phase)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET gen_phase = ?, gen_completed_at = ?, gen_result = ?, gen_error = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ?`,
		string(phase), at.UTC().Format(timeFormat), result, errMsg,
		time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("recording generation result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a transcript message. Re-appending a message with the
// same (conversation, role, content) identity returns ErrDuplicateMessage and
// leaves the transcript untouched.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, role, content) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert result: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateMessage
	}
	return nil
}

// ListMessages returns transcript messages in insert order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanConversation.
type scanner interface {
	Scan(dest ...any) error
}

// scanConversation reads one conversation row.
func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var answersJSON, phase, createdAt, updatedAt string
	var startedAt, completedAt sql.NullString
	var completed int

	err := row.Scan(
		&conv.ID, &conv.ToolID, &answersJSON, &conv.CurrentSlot, &completed,
		&phase, &startedAt, &completedAt, &conv.Generation.Result, &conv.Generation.Error,
		&conv.Version, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(answersJSON), &conv.Answers); err != nil {
		return nil, fmt.Errorf("decoding answers: %w", err)
	}
	if conv.Answers == nil {
		conv.Answers = make(map[string]string)
	}
	conv.Completed = completed != 0
	conv.Generation.Phase = GenerationPhase(phase)

	if conv.Generation.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing gen_started_at: %w", err)
	}
	if conv.Generation.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parsing gen_completed_at: %w", err)
	}
	if conv.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
// A substring match avoids importing the driver's error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
