package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/audit"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/booking"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/bus"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/checkpoint"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/conversation"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/mail"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/notify"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/provider"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/resilience"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/tools"
)

const systemPrompt = `You are a scheduling assistant coordinating therapy session bookings over email.
You mediate between a client looking for a session and a therapist with limited availability.
Use send_email for every message you want delivered; nothing else reaches the parties.
Record the therapist's offered slots with record_availability before proposing them to the client.
Only call confirm_booking after both parties have explicitly agreed on a time.
If a conversation becomes confusing, hostile, or clinically sensitive, call flag_for_human_review.
Keep emails short, warm, and professional.`

// Options wires the service's collaborators.
type Options struct {
	Bus           *bus.MailBus
	Provider      provider.LLMProvider
	Caller        *resilience.Caller
	Conversations *conversation.Manager
	Checkpoints   checkpoint.Store
	Booking       *booking.Controller
	Directory     *booking.Directory
	Audit         *audit.Service
	Notifier      notify.Notifier
	Sender        mail.Sender
	Logger        *slog.Logger
	Model         string
	MaxIterations int
	HistoryWindow int
}

// Service consumes inbound email and runs one agent turn per message.
// A single consumer goroutine processes conversations sequentially, so the
// active* fields need no locking.
type Service struct {
	bus           *bus.MailBus
	orchestrator  *Orchestrator
	conversations *conversation.Manager
	checkpoints   checkpoint.Store
	booking       *booking.Controller
	directory     *booking.Directory
	audit         *audit.Service
	notifier      notify.Notifier
	sender        mail.Sender
	logger        *slog.Logger
	historyWindow int
	running       atomic.Bool

	activeConv       *conversation.Conversation
	activeCheckpoint *checkpoint.Checkpoint
	activeEmail      *bus.InboundEmail
}

// NewService builds the service and registers the scheduling tool set.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 40
	}
	if opts.Notifier == nil {
		opts.Notifier = &notify.LogNotifier{Logger: logger}
	}

	s := &Service{
		bus:           opts.Bus,
		conversations: opts.Conversations,
		checkpoints:   opts.Checkpoints,
		booking:       opts.Booking,
		directory:     opts.Directory,
		audit:         opts.Audit,
		notifier:      opts.Notifier,
		sender:        opts.Sender,
		logger:        logger,
		historyWindow: opts.HistoryWindow,
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewSendEmailTool(s.sendEmail))
	registry.Register(tools.NewRecordAvailabilityTool(s.recordAvailability))
	registry.Register(tools.NewConfirmBookingTool(s.confirmBooking))
	registry.Register(tools.NewCancelBookingTool(s.cancelBooking))
	registry.Register(tools.NewFlagHumanReviewTool(s.flagHumanReview))

	s.orchestrator = NewOrchestrator(opts.Provider, opts.Caller, registry, opts.Model, opts.MaxIterations, logger)
	return s
}

// Run consumes inbound email until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.running.Store(true)
	s.logger.Info("scheduling agent started")

	for s.running.Load() {
		msg, err := s.bus.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("scheduling agent stopping")
				return nil
			}
			return err
		}
		if err := s.ProcessEmail(ctx, msg); err != nil {
			s.logger.Error("email processing failed",
				"conversation", msg.ConversationID, "trace", msg.TraceID, "error", err)
		}
	}
	return nil
}

// Stop signals the consumer loop to exit after the current message.
func (s *Service) Stop() {
	s.running.Store(false)
}

// ProcessEmail runs one agent turn for an inbound email.
func (s *Service) ProcessEmail(ctx context.Context, msg *bus.InboundEmail) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("inbound email without conversation id")
	}

	conv := s.conversations.GetOrCreate(msg.ConversationID)
	conv.SetParties(msg.TherapistID, msg.ClientID)

	cp, err := s.checkpoints.Load(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp = checkpoint.New(msg.ConversationID)
		if err := s.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("save initial checkpoint: %w", err)
		}
	}
	if cp.Stage.Terminal() {
		s.logger.Info("ignoring mail for closed conversation",
			"conversation", msg.ConversationID, "stage", cp.Stage)
		return nil
	}

	capacityNote, err := s.admitRequest(ctx, conv, msg)
	if err != nil {
		return err
	}

	conv.AddMessage(msg.FromRole, fmt.Sprintf("Subject: %s\n\n%s", msg.Subject, msg.Body))

	s.activeConv = conv
	s.activeCheckpoint = cp
	s.activeEmail = msg
	defer func() {
		s.activeConv = nil
		s.activeCheckpoint = nil
		s.activeEmail = nil
	}()

	messages := s.buildMessages(conv, capacityNote)
	result, err := s.orchestrator.Run(ctx, messages, Callbacks{
		CheckpointBeforeSideEffects: s.checkpointBeforeSideEffects,
	})
	if err != nil {
		return err
	}
	if result.FinalResponse != "" {
		conv.AddMessage("assistant", result.FinalResponse)
	}
	if err := s.conversations.Save(conv); err != nil {
		s.logger.Warn("transcript save failed", "conversation", conv.ID, "error", err)
	}

	s.logger.Info("agent turn complete",
		"conversation", conv.ID,
		"iterations", result.Iterations,
		"tools", result.ExecutedTools,
		"errors", result.ErrorCount,
		"escalated", result.FlaggedForHumanReview,
		"exhausted", result.HitMaxIterations,
		"tokens", result.Usage.TotalTokens)
	return nil
}

// admitRequest applies the capacity policy to client mail. It returns a
// context note for the model when the therapist cannot take the client.
func (s *Service) admitRequest(ctx context.Context, conv *conversation.Conversation, msg *bus.InboundEmail) (string, error) {
	if conv.TherapistID == "" || conv.ClientID == "" {
		return "", nil
	}
	if msg.FromRole != bus.RoleClient {
		if err := s.booking.TouchActivity(ctx, conv.TherapistID, conv.ClientID); err != nil {
			s.logger.Warn("activity touch failed", "conversation", conv.ID, "error", err)
		}
		return "", nil
	}

	ok, reason, err := s.booking.CanAcceptNewRequest(ctx, conv.TherapistID, conv.ClientID)
	if err != nil {
		return "", fmt.Errorf("capacity check: %w", err)
	}
	if !ok {
		return fmt.Sprintf("NOTE: the therapist cannot take this client right now (%s). "+
			"Politely let the client know and suggest they try again later.", reason), nil
	}
	if err := s.booking.RecordNewRequest(ctx, conv.TherapistID, conv.ClientID); err != nil {
		return "", fmt.Errorf("record booking request: %w", err)
	}
	return "", nil
}

func (s *Service) buildMessages(conv *conversation.Conversation, capacityNote string) []provider.Message {
	prompt := systemPrompt
	if v, ok := conv.GetMetadata("availability"); ok {
		prompt += fmt.Sprintf("\n\nRecorded therapist availability: %v", v)
	}
	if capacityNote != "" {
		prompt += "\n\n" + capacityNote
	}
	messages := []provider.Message{{Role: "system", Content: prompt}}
	for _, m := range conv.History(s.historyWindow) {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		content := m.Content
		if m.Role == bus.RoleClient || m.Role == bus.RoleTherapist {
			content = fmt.Sprintf("[from %s] %s", m.Role, m.Content)
		}
		messages = append(messages, provider.Message{Role: role, Content: content})
	}
	return messages
}

// stageForBatch maps the most significant side-effecting tool in a batch to
// the stage the conversation is entering.
func stageForBatch(current checkpoint.Stage, names []string) checkpoint.Stage {
	target := current
	for _, name := range names {
		switch name {
		case tools.NameFlagHumanReview:
			return checkpoint.StageEscalated
		case tools.NameConfirmBooking:
			target = checkpoint.StageConfirmed
		case tools.NameCancelBooking:
			if target != checkpoint.StageConfirmed {
				target = checkpoint.StageCancelled
			}
		case tools.NameSendEmail:
			if target == checkpoint.StageInitiated {
				target = checkpoint.StageAwaitingSelection
			}
		}
	}
	return target
}

// checkpointBeforeSideEffects persists the stage transition before any tool
// in the batch runs. A crash can leave a checkpoint without its effect, but
// never an effect without its checkpoint.
func (s *Service) checkpointBeforeSideEffects(ctx context.Context, toolNames []string) error {
	cp := s.activeCheckpoint
	target := stageForBatch(cp.Stage, toolNames)
	if err := cp.Advance(target, "before:"+strings.Join(toolNames, ",")); err != nil {
		return err
	}
	return s.checkpoints.Save(ctx, cp)
}

func (s *Service) addAudit(ctx context.Context, eventType string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	ev := audit.Event{
		ConversationID: s.activeConv.ID,
		EventType:      eventType,
		Actor:          "agent",
		TraceID:        s.activeEmail.TraceID,
		Detail:         detail,
	}
	if err := s.audit.AddEvent(ctx, ev); err != nil {
		s.logger.Warn("audit write failed", "event_type", eventType, "error", err)
	}
}

func (s *Service) sendEmail(ctx context.Context, recipient, subject, body string) error {
	out := &bus.OutboundEmail{
		ConversationID: s.activeConv.ID,
		To:             recipient,
		Subject:        subject,
		Body:           body,
		TraceID:        s.activeEmail.TraceID,
	}
	if err := s.sender.Send(ctx, out); err != nil {
		return err
	}
	s.activeConv.AddMessage("assistant", fmt.Sprintf("[sent to %s] Subject: %s\n\n%s", recipient, subject, body))
	s.activeConv.SetMetadata("last_mail_to", recipient)
	s.activeCheckpoint.SetMeta("last_mail_to", recipient)
	s.addAudit(ctx, audit.EventMailSent, map[string]any{"to": recipient, "subject": subject})
	return nil
}

func (s *Service) recordAvailability(ctx context.Context, availability map[string][]string) error {
	s.activeConv.SetMetadata("availability", availability)
	s.addAudit(ctx, audit.EventAvailabilitySet, map[string]any{"days": len(availability)})
	return nil
}

func (s *Service) confirmBooking(ctx context.Context, confirmedTime, notes string) error {
	conv := s.activeConv
	if conv.TherapistID == "" || conv.ClientID == "" {
		return fmt.Errorf("conversation has no therapist/client binding")
	}
	if err := s.booking.ConfirmEngagement(ctx, conv.TherapistID, conv.ClientID, confirmedTime, notes); err != nil {
		return err
	}
	if err := s.advanceAndSave(ctx, checkpoint.StageConfirmed, "booking-confirmed"); err != nil {
		return err
	}
	s.addAudit(ctx, audit.EventBookingConfirmed, map[string]any{"time": confirmedTime, "notes": notes})
	return nil
}

func (s *Service) cancelBooking(ctx context.Context, reason, cancelledBy string) error {
	conv := s.activeConv
	if conv.TherapistID == "" || conv.ClientID == "" {
		return fmt.Errorf("conversation has no therapist/client binding")
	}
	if err := s.booking.CancelRequest(ctx, conv.TherapistID, conv.ClientID, reason, cancelledBy); err != nil {
		return err
	}
	if err := s.advanceAndSave(ctx, checkpoint.StageCancelled, "booking-cancelled"); err != nil {
		return err
	}
	s.addAudit(ctx, audit.EventBookingCancelled, map[string]any{"reason": reason, "cancelled_by": cancelledBy})
	return nil
}

func (s *Service) flagHumanReview(ctx context.Context, reason, suggestedAction string) error {
	if err := s.advanceAndSave(ctx, checkpoint.StageEscalated, "escalated"); err != nil {
		return err
	}
	if err := s.notifier.EscalationRaised(ctx, s.activeConv.ID, reason, suggestedAction); err != nil {
		s.logger.Warn("escalation notification failed", "conversation", s.activeConv.ID, "error", err)
	}
	s.addAudit(ctx, audit.EventEscalated, map[string]any{"reason": reason, "suggested_action": suggestedAction})
	return nil
}

func (s *Service) advanceAndSave(ctx context.Context, stage checkpoint.Stage, action string) error {
	if err := s.activeCheckpoint.Advance(stage, action); err != nil {
		return err
	}
	return s.checkpoints.Save(ctx, s.activeCheckpoint)
}
