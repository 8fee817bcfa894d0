// Package conversation manages per-conversation email transcripts.
package conversation

import (
	"sync"
	"time"
)

// Message is one transcript entry: an email body or an agent-side note.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Conversation is one scheduling thread between a client and a therapist.
type Conversation struct {
	ID          string         `json:"id"`
	TherapistID string         `json:"therapist_id"`
	ClientID    string         `json:"client_id"`
	Messages    []Message      `json:"messages"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	mu          sync.RWMutex
}

// New creates an empty conversation.
func New(id string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        id,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// AddMessage appends a transcript entry.
func (c *Conversation) AddMessage(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Messages = append(c.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	c.UpdatedAt = time.Now()
}

// History returns up to maxMessages of the most recent transcript entries.
func (c *Conversation) History(maxMessages int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.Messages) <= maxMessages {
		out := make([]Message, len(c.Messages))
		copy(out, c.Messages)
		return out
	}
	out := make([]Message, maxMessages)
	copy(out, c.Messages[len(c.Messages)-maxMessages:])
	return out
}

// SetParties records which therapist and client this thread belongs to.
func (c *Conversation) SetParties(therapistID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if therapistID != "" {
		c.TherapistID = therapistID
	}
	if clientID != "" {
		c.ClientID = clientID
	}
	c.UpdatedAt = time.Now()
}

// GetMetadata returns a metadata value by key.
func (c *Conversation) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Metadata == nil {
		return nil, false
	}
	val, ok := c.Metadata[key]
	return val, ok
}

// SetMetadata sets a metadata value by key.
func (c *Conversation) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata[key] = value
	c.UpdatedAt = time.Now()
}
