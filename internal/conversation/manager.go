package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Manager persists conversations as JSONL transcripts: one metadata line
// followed by one line per message.
type Manager struct {
	dir   string
	cache map[string]*Conversation
	mu    sync.RWMutex
}

// NewManager creates the transcript directory under dataDir.
func NewManager(dataDir string) (*Manager, error) {
	dir := filepath.Join(dataDir, "conversations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &Manager{
		dir:   dir,
		cache: make(map[string]*Conversation),
	}, nil
}

// GetOrCreate returns the cached conversation, loads it from disk, or
// creates a fresh one.
func (m *Manager) GetOrCreate(id string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cache[id]; ok {
		return c
	}
	c := m.load(id)
	if c == nil {
		c = New(id)
	}
	m.cache[id] = c
	return c
}

// Save writes the conversation transcript to disk.
func (m *Manager) Save(c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	file, err := os.Create(m.path(c.ID))
	if err != nil {
		return fmt.Errorf("create transcript file: %w", err)
	}
	defer file.Close()

	meta := map[string]any{
		"_type":        "metadata",
		"therapist_id": c.TherapistID,
		"client_id":    c.ClientID,
		"created_at":   c.CreatedAt.Format(time.RFC3339),
		"updated_at":   c.UpdatedAt.Format(time.RFC3339),
		"metadata":     c.Metadata,
	}
	metaLine, _ := json.Marshal(meta)
	if _, err := file.WriteString(string(metaLine) + "\n"); err != nil {
		return fmt.Errorf("write transcript metadata: %w", err)
	}
	for _, msg := range c.Messages {
		line, _ := json.Marshal(msg)
		if _, err := file.WriteString(string(line) + "\n"); err != nil {
			return fmt.Errorf("write transcript message: %w", err)
		}
	}
	m.cache[c.ID] = c
	return nil
}

// Delete removes a conversation from cache and disk.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, id)
	return os.Remove(m.path(id)) == nil
}

// List returns the ids of all persisted conversations.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".jsonl") {
			ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
		}
	}
	return ids
}

func (m *Manager) path(id string) string {
	// Strip path separators and traversal components to prevent path injection.
	safe := strings.ReplaceAll(id, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(m.dir, filepath.Base(safe)+".jsonl")
}

func (m *Manager) load(id string) *Conversation {
	file, err := os.Open(m.path(id))
	if err != nil {
		return nil
	}
	defer file.Close()

	c := New(id)
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		var check map[string]any
		if json.Unmarshal(raw, &check) == nil && check["_type"] == "metadata" {
			if v, ok := check["therapist_id"].(string); ok {
				c.TherapistID = v
			}
			if v, ok := check["client_id"].(string); ok {
				c.ClientID = v
			}
			if v, ok := check["created_at"].(string); ok {
				c.CreatedAt, _ = time.Parse(time.RFC3339, v)
			}
			if v, ok := check["updated_at"].(string); ok {
				c.UpdatedAt, _ = time.Parse(time.RFC3339, v)
			}
			if meta, ok := check["metadata"].(map[string]any); ok {
				c.Metadata = meta
			}
			continue
		}
		var msg Message
		if json.Unmarshal(raw, &msg) == nil {
			c.Messages = append(c.Messages, msg)
		}
	}
	return c
}
