// Package mail abstracts outbound email delivery. The agent only ever
// talks to a Sender; the actual transport (SMTP relay, provider API) sits
// behind the bus dispatcher.
package mail

import (
	"context"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/bus"
)

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, msg *bus.OutboundEmail) error
}

// BusSender publishes outbound mail onto the mail bus for the transport
// subscribers to deliver.
type BusSender struct {
	bus *bus.MailBus
}

// NewBusSender wraps the bus as a Sender.
func NewBusSender(b *bus.MailBus) *BusSender {
	return &BusSender{bus: b}
}

func (s *BusSender) Send(ctx context.Context, msg *bus.OutboundEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.bus.PublishOutbound(msg)
	return nil
}
