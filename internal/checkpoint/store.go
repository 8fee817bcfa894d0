package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_checkpoints (
	conversation_id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	last_action TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore persists checkpoints in the shared SQLite database. Rows are
// upserted, never deleted: a conversation's latest checkpoint supersedes the
// previous one.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore applies the checkpoint schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns the checkpoint for a conversation, or (nil, nil) when absent.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stage, last_action, metadata, updated_at
		FROM conversation_checkpoints WHERE conversation_id = ?`, conversationID)

	var cp Checkpoint
	var stage, metaJSON string
	var updatedAt time.Time
	if err := row.Scan(&stage, &cp.LastAction, &metaJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", conversationID, err)
	}
	cp.ConversationID = conversationID
	cp.Stage = Stage(stage)
	cp.UpdatedAt = updatedAt
	if err := json.Unmarshal([]byte(metaJSON), &cp.Metadata); err != nil {
		cp.Metadata = map[string]string{}
	}
	return &cp, nil
}

// Save upserts the checkpoint.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return fmt.Errorf("save checkpoint: empty conversation id")
	}
	if !cp.Stage.Valid() {
		return fmt.Errorf("save checkpoint %s: unknown stage %q", cp.ConversationID, cp.Stage)
	}
	metaJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: marshal metadata: %w", cp.ConversationID, err)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_checkpoints (conversation_id, stage, last_action, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			stage = excluded.stage,
			last_action = excluded.last_action,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		cp.ConversationID, string(cp.Stage), cp.LastAction, string(metaJSON), cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ConversationID, err)
	}
	return nil
}
