// Package checkpoint persists the per-conversation scheduling state machine.
// A checkpoint is written immediately before any side-effecting agent action,
// so a crash can leave a checkpoint without its effect but never an effect
// without its checkpoint.
package checkpoint

import (
	"context"
	"fmt"
	"time"
)

// Stage is a step in the scheduling lifecycle.
type Stage string

const (
	StageInitiated            Stage = "initiated"
	StageAwaitingSelection    Stage = "awaiting-selection"
	StageAwaitingConfirmation Stage = "awaiting-confirmation"
	StageConfirmed            Stage = "confirmed"
	StageCancelled            Stage = "cancelled"
	StageEscalated            Stage = "escalated"
)

// stageOrder defines the monotonic forward path. Confirmed and cancelled
// share a rank: both are forward-terminal outcomes of the same conversation.
var stageOrder = map[Stage]int{
	StageInitiated:            0,
	StageAwaitingSelection:    1,
	StageAwaitingConfirmation: 2,
	StageConfirmed:            3,
	StageCancelled:            3,
	StageEscalated:            4,
}

// Terminal reports whether no further automated transitions are allowed from s.
func (s Stage) Terminal() bool {
	return s == StageConfirmed || s == StageCancelled || s == StageEscalated
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// CanTransition reports whether a conversation may move from one stage to
// another. Transitions are monotonic forward, except escalation, which is
// reachable from any non-terminal stage and is terminal for automated
// processing.
func CanTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StageEscalated {
		return true
	}
	return stageOrder[to] >= stageOrder[from]
}

// Checkpoint is the persisted snapshot of one conversation's stage.
type Checkpoint struct {
	ConversationID string            `json:"conversation_id"`
	Stage          Stage             `json:"stage"`
	LastAction     string            `json:"last_action"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// New creates a checkpoint at the initial stage.
func New(conversationID string) *Checkpoint {
	return &Checkpoint{
		ConversationID: conversationID,
		Stage:          StageInitiated,
		LastAction:     "conversation-started",
		Metadata:       map[string]string{},
		UpdatedAt:      time.Now(),
	}
}

// Advance moves the checkpoint to a new stage, recording the transition label.
// Re-asserting the current stage is allowed (checkpoints are written once per
// side-effecting action, and several actions can occur within one stage).
func (c *Checkpoint) Advance(to Stage, action string) error {
	if c.Stage == to {
		c.LastAction = action
		c.UpdatedAt = time.Now()
		return nil
	}
	if !CanTransition(c.Stage, to) {
		return fmt.Errorf("checkpoint: invalid transition %s -> %s", c.Stage, to)
	}
	c.Stage = to
	c.LastAction = action
	c.UpdatedAt = time.Now()
	return nil
}

// SetMeta records an auxiliary key/value pair (e.g. which party last received
// mail).
func (c *Checkpoint) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
}

// Store persists checkpoints. Load returns (nil, nil) when the conversation
// has no checkpoint yet. The store is eventually-durable; there is no
// transactional coupling to the booking database.
type Store interface {
	Load(ctx context.Context, conversationID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}
