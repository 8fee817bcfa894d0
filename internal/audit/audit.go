// Package audit records every side-effecting agent action: mail sent,
// bookings confirmed or cancelled, escalations raised. Events land in the
// local database and, when configured, are mirrored to a Kafka topic for
// downstream compliance consumers.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	trace_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_conversation ON audit_events(conversation_id);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type);
`

// Event types.
const (
	EventMailSent         = "mail_sent"
	EventAvailabilitySet  = "availability_recorded"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	EventEscalated        = "escalated"
	EventSweepAction      = "sweep_action"
)

// Event is one audit log entry.
type Event struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	EventType      string         `json:"event_type"`
	Actor          string         `json:"actor,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Service writes and reads the audit log.
type Service struct {
	db        *sql.DB
	publisher *Publisher
}

// NewService applies the audit schema. publisher may be nil.
func NewService(db *sql.DB, publisher *Publisher) (*Service, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Service{db: db, publisher: publisher}, nil
}

// AddEvent appends one event. The Kafka mirror is fire-and-forget; a broker
// outage never blocks or fails the recording path.
func (s *Service) AddEvent(ctx context.Context, ev Event) error {
	if ev.ConversationID == "" || ev.EventType == "" {
		return fmt.Errorf("audit event: conversation id and event type are required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	detailJSON, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("audit event: marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (conversation_id, event_type, actor, trace_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ConversationID, ev.EventType, ev.Actor, ev.TraceID, string(detailJSON), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	if s.publisher.Active() {
		s.publisher.PublishAsync(ev)
	}
	return nil
}

// ListByConversation returns a conversation's events, oldest first.
func (s *Service) ListByConversation(ctx context.Context, conversationID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, event_type, actor, trace_id, detail, created_at
		FROM audit_events WHERE conversation_id = ?
		ORDER BY id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var detailJSON string
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.EventType, &ev.Actor, &ev.TraceID, &detailJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		json.Unmarshal([]byte(detailJSON), &ev.Detail)
		out = append(out, ev)
	}
	return out, rows.Err()
}
