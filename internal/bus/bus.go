// Package bus provides the async mail bus between mail transports and the
// scheduling agent.
package bus

import (
	"context"
	"sync"
	"time"
)

// Sender roles on inbound mail.
const (
	RoleClient    = "client"
	RoleTherapist = "therapist"
)

// InboundEmail is a parsed email handed to the agent.
type InboundEmail struct {
	ConversationID string            `json:"conversation_id"`
	From           string            `json:"from"`
	FromRole       string            `json:"from_role"`
	TherapistID    string            `json:"therapist_id,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	TraceID        string            `json:"trace_id"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// OutboundEmail is mail the agent wants delivered.
type OutboundEmail struct {
	ConversationID string `json:"conversation_id"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	TraceID        string `json:"trace_id"`
}

// MailBus decouples mail transports from the agent core.
type MailBus struct {
	inbound  chan *InboundEmail
	outbound chan *OutboundEmail
	subs     []func(*OutboundEmail)
	mu       sync.RWMutex
}

// NewMailBus creates a bus with bounded queues.
func NewMailBus() *MailBus {
	return &MailBus{
		inbound:  make(chan *InboundEmail, 100),
		outbound: make(chan *OutboundEmail, 100),
	}
}

// PublishInbound hands a parsed email to the agent.
func (b *MailBus) PublishInbound(msg *InboundEmail) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until an email is available or ctx is cancelled.
func (b *MailBus) ConsumeInbound(ctx context.Context) (*InboundEmail, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues mail for delivery.
func (b *MailBus) PublishOutbound(msg *OutboundEmail) {
	b.outbound <- msg
}

// Subscribe registers a delivery callback for outbound mail.
func (b *MailBus) Subscribe(callback func(*OutboundEmail)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, callback)
}

// DispatchOutbound runs the outbound dispatcher. Run as a goroutine.
func (b *MailBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := make([]func(*OutboundEmail), len(b.subs))
			copy(callbacks, b.subs)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of queued inbound emails.
func (b *MailBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of queued outbound emails.
func (b *MailBus) OutboundSize() int {
	return len(b.outbound)
}
