package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tool names the loop and callers reference directly.
const (
	NameSendEmail          = "send_email"
	NameRecordAvailability = "record_availability"
	NameConfirmBooking     = "confirm_booking"
	NameCancelBooking      = "cancel_booking"
	NameFlagHumanReview    = "flag_for_human_review"
)

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// SendEmailTool sends an email to one party of the conversation.
type SendEmailTool struct {
	send func(ctx context.Context, recipient, subject, body string) error
}

// NewSendEmailTool wires the delivery callback.
func NewSendEmailTool(send func(ctx context.Context, recipient, subject, body string) error) *SendEmailTool {
	return &SendEmailTool{send: send}
}

func (t *SendEmailTool) Name() string { return NameSendEmail }
func (t *SendEmailTool) Description() string {
	return "Send an email to the client or the therapist. Use this for every message you want delivered."
}
func (t *SendEmailTool) SideEffecting() bool { return true }

func (t *SendEmailTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"recipient": map[string]any{
				"type":        "string",
				"description": "Email address of the recipient",
			},
			"subject": map[string]any{
				"type":        "string",
				"description": "Email subject line",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Plain-text email body",
			},
		},
		"required": []string{"recipient", "subject", "body"},
	}
}

func (t *SendEmailTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	recipient := strings.TrimSpace(GetString(params, "recipient", ""))
	subject := strings.TrimSpace(GetString(params, "subject", ""))
	body := GetString(params, "body", "")
	if recipient == "" || subject == "" || body == "" {
		return "", fmt.Errorf("send_email requires recipient, subject, and body")
	}
	if !strings.Contains(recipient, "@") {
		return "", fmt.Errorf("invalid recipient address: %s", recipient)
	}
	if err := t.send(ctx, recipient, subject, body); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return fmt.Sprintf("Email sent to %s", recipient), nil
}

// RecordAvailabilityTool stores the therapist's offered time slots on the
// conversation. It has no externally observable effect.
type RecordAvailabilityTool struct {
	record func(ctx context.Context, availability map[string][]string) error
}

// NewRecordAvailabilityTool wires the state-update callback.
func NewRecordAvailabilityTool(record func(ctx context.Context, availability map[string][]string) error) *RecordAvailabilityTool {
	return &RecordAvailabilityTool{record: record}
}

func (t *RecordAvailabilityTool) Name() string { return NameRecordAvailability }
func (t *RecordAvailabilityTool) Description() string {
	return "Record the therapist's availability as a map of weekday to time ranges, e.g. {\"monday\": [\"09:00-12:00\", \"14:00-17:00\"]}."
}
func (t *RecordAvailabilityTool) SideEffecting() bool { return false }

func (t *RecordAvailabilityTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"availability": map[string]any{
				"type":        "object",
				"description": "Weekday name to list of HH:MM-HH:MM ranges",
				"additionalProperties": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
		},
		"required": []string{"availability"},
	}
}

func (t *RecordAvailabilityTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw, ok := params["availability"].(map[string]any)
	if !ok || len(raw) == 0 {
		return "", fmt.Errorf("record_availability requires a non-empty availability map")
	}
	availability := make(map[string][]string, len(raw))
	for day, v := range raw {
		dayKey := strings.ToLower(strings.TrimSpace(day))
		if !weekdays[dayKey] {
			return "", fmt.Errorf("unknown weekday %q", day)
		}
		list, ok := v.([]any)
		if !ok {
			return "", fmt.Errorf("availability for %s must be a list of time ranges", day)
		}
		for _, item := range list {
			r, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("availability for %s contains a non-string range", day)
			}
			if err := validateTimeRange(r); err != nil {
				return "", fmt.Errorf("availability for %s: %w", day, err)
			}
			availability[dayKey] = append(availability[dayKey], r)
		}
	}
	if err := t.record(ctx, availability); err != nil {
		return "", fmt.Errorf("record availability: %w", err)
	}
	days := make([]string, 0, len(availability))
	for day := range availability {
		days = append(days, day)
	}
	sort.Strings(days)
	return fmt.Sprintf("Availability recorded for %s", strings.Join(days, ", ")), nil
}

func validateTimeRange(r string) error {
	parts := strings.Split(r, "-")
	if len(parts) != 2 {
		return fmt.Errorf("range %q must be HH:MM-HH:MM", r)
	}
	start, err := time.Parse("15:04", strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("bad start time in %q", r)
	}
	end, err := time.Parse("15:04", strings.TrimSpace(parts[1]))
	if err != nil {
		return fmt.Errorf("bad end time in %q", r)
	}
	if !end.After(start) {
		return fmt.Errorf("range %q ends before it starts", r)
	}
	return nil
}

// ConfirmBookingTool marks the engagement confirmed. Terminal for the
// therapist: no further clients are accepted.
type ConfirmBookingTool struct {
	confirm func(ctx context.Context, confirmedTime, notes string) error
}

// NewConfirmBookingTool wires the booking callback.
func NewConfirmBookingTool(confirm func(ctx context.Context, confirmedTime, notes string) error) *ConfirmBookingTool {
	return &ConfirmBookingTool{confirm: confirm}
}

func (t *ConfirmBookingTool) Name() string { return NameConfirmBooking }
func (t *ConfirmBookingTool) Description() string {
	return "Mark the engagement confirmed at an agreed time. Only use after both parties have agreed."
}
func (t *ConfirmBookingTool) SideEffecting() bool { return true }

func (t *ConfirmBookingTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"confirmed_time": map[string]any{
				"type":        "string",
				"description": "The agreed session time",
			},
			"notes": map[string]any{
				"type":        "string",
				"description": "Optional notes about the booking",
			},
		},
		"required": []string{"confirmed_time"},
	}
}

func (t *ConfirmBookingTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	confirmedTime := strings.TrimSpace(GetString(params, "confirmed_time", ""))
	if confirmedTime == "" {
		return "", fmt.Errorf("confirm_booking requires confirmed_time")
	}
	notes := GetString(params, "notes", "")
	if err := t.confirm(ctx, confirmedTime, notes); err != nil {
		return "", fmt.Errorf("confirm booking: %w", err)
	}
	return fmt.Sprintf("Booking confirmed for %s", confirmedTime), nil
}

// CancelBookingTool cancels the engagement. Terminal for this conversation.
type CancelBookingTool struct {
	cancel func(ctx context.Context, reason, cancelledBy string) error
}

// NewCancelBookingTool wires the booking callback.
func NewCancelBookingTool(cancel func(ctx context.Context, reason, cancelledBy string) error) *CancelBookingTool {
	return &CancelBookingTool{cancel: cancel}
}

func (t *CancelBookingTool) Name() string { return NameCancelBooking }
func (t *CancelBookingTool) Description() string {
	return "Cancel the engagement, recording who asked for the cancellation and why."
}
func (t *CancelBookingTool) SideEffecting() bool { return true }

func (t *CancelBookingTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the engagement is being cancelled",
			},
			"cancelled_by": map[string]any{
				"type":        "string",
				"description": "Who requested the cancellation: client or therapist",
				"enum":        []string{"client", "therapist"},
			},
		},
		"required": []string{"reason", "cancelled_by"},
	}
}

func (t *CancelBookingTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	reason := strings.TrimSpace(GetString(params, "reason", ""))
	cancelledBy := strings.TrimSpace(GetString(params, "cancelled_by", ""))
	if reason == "" || cancelledBy == "" {
		return "", fmt.Errorf("cancel_booking requires reason and cancelled_by")
	}
	if cancelledBy != "client" && cancelledBy != "therapist" {
		return "", fmt.Errorf("cancelled_by must be client or therapist, got %q", cancelledBy)
	}
	if err := t.cancel(ctx, reason, cancelledBy); err != nil {
		return "", fmt.Errorf("cancel booking: %w", err)
	}
	return "Booking cancelled", nil
}

// FlagHumanReviewTool hands the conversation to a human operator. The loop
// halts immediately after this tool executes.
type FlagHumanReviewTool struct {
	flag func(ctx context.Context, reason, suggestedAction string) error
}

// NewFlagHumanReviewTool wires the escalation callback.
func NewFlagHumanReviewTool(flag func(ctx context.Context, reason, suggestedAction string) error) *FlagHumanReviewTool {
	return &FlagHumanReviewTool{flag: flag}
}

func (t *FlagHumanReviewTool) Name() string { return NameFlagHumanReview }
func (t *FlagHumanReviewTool) Description() string {
	return "Escalate this conversation to a human operator when you cannot proceed safely. Processing stops after this call."
}
func (t *FlagHumanReviewTool) SideEffecting() bool { return true }

func (t *FlagHumanReviewTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why human review is needed",
			},
			"suggested_action": map[string]any{
				"type":        "string",
				"description": "Optional suggestion for the operator",
			},
		},
		"required": []string{"reason"},
	}
}

func (t *FlagHumanReviewTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	reason := strings.TrimSpace(GetString(params, "reason", ""))
	if reason == "" {
		return "", fmt.Errorf("flag_for_human_review requires a reason")
	}
	suggested := GetString(params, "suggested_action", "")
	if err := t.flag(ctx, reason, suggested); err != nil {
		return "", fmt.Errorf("flag for human review: %w", err)
	}
	return "Conversation flagged for human review", nil
}
