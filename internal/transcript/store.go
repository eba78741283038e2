// Package transcript persists conversations and round results in SQLite so a
// conversation can be resumed across runs.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/cascade"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"github.com/fyrsmithlabs/cascade/internal/prompt"
)

// ErrNotFound is returned when a conversation has no stored messages.
var ErrNotFound = errors.New("conversation not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		task TEXT NOT NULL,
		outcome TEXT NOT NULL,
		primitive TEXT,
		steps INTEGER NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS rounds_conversation ON rounds (conversation_id, created_at);`,
}

// Store is a SQLite-backed transcript store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the database at path. Use ":memory:" for a
// throwaway store.
func Open(ctx context.Context, path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create transcript schema: %w", err)
		}
	}
	return &Store{db: db, logger: logger.Named("transcript")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored messages of conversationID with those of p.
func (s *Store) Save(ctx context.Context, conversationID string, p *prompt.Prompt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, m := range p.Messages() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content) VALUES (?, ?, ?, ?)`,
			conversationID, i, string(m.Role), m.Content,
		); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}

	s.logger.Debug(ctx, "transcript saved",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", p.Len()),
	)
	return nil
}

// Load returns the stored conversation.
func (s *Store) Load(ctx context.Context, conversationID string) (*prompt.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	p := prompt.New()
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		r, err := prompt.ParseRole(role)
		if err != nil {
			return nil, err
		}
		switch r {
		case prompt.RoleSystem:
			p.AddSystemMessage().SetContent(content)
		case prompt.RoleUser:
			p.AddUserMessage().SetContent(content)
		case prompt.RoleAssistant:
			p.AddAssistantMessage().SetContent(content)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	if p.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrNotFound)
	}
	return p, nil
}

// RoundRecord is a stored round result.
type RoundRecord struct {
	ID             string
	ConversationID string
	Task           string
	Outcome        string
	Primitive      string
	Steps          int
	Error          string
	CreatedAt      time.Time
}

// RecordRound stores the result of running r. runErr is the error the round
// returned, if any.
func (s *Store) RecordRound(ctx context.Context, conversationID string, r *cascade.Round, runErr error) error {
	outcome, err := r.DisplayOutcome()
	if err != nil {
		return fmt.Errorf("failed to format round outcome: %w", err)
	}
	var primitive, errText sql.NullString
	if v, ok := r.PrimitiveResult(); ok {
		primitive = sql.NullString{String: v, Valid: true}
	}
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rounds (id, conversation_id, task, outcome, primitive, steps, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID(), conversationID, r.Task(), outcome, primitive, r.Len(), errText, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record round: %w", err)
	}
	return nil
}

// Rounds returns the recorded rounds of a conversation, oldest first.
func (s *Store) Rounds(ctx context.Context, conversationID string) ([]RoundRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, task, outcome, primitive, steps, error, created_at
		 FROM rounds WHERE conversation_id = ? ORDER BY created_at, rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var rec RoundRecord
		var primitive, errText sql.NullString
		var created int64
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Task, &rec.Outcome,
			&primitive, &rec.Steps, &errText, &created); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rec.Primitive = primitive.String
		rec.Error = errText.String
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
