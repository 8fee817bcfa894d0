// Package notify delivers operator notifications: escalations that need a
// human and capacity alerts from the inactivity sweep.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier receives operator-facing events.
type Notifier interface {
	EscalationRaised(ctx context.Context, conversationID, reason, suggestedAction string) error
	CapacityAlert(ctx context.Context, therapistID string, detail string) error
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	Token   string `envconfig:"SLACK_TOKEN" json:"-"`
	Channel string `envconfig:"SLACK_CHANNEL" json:"channel"`
}

// SlackNotifier posts to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier returns nil when no token is configured.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackNotifier{
		api:     slack.New(cfg.Token),
		channel: cfg.Channel,
	}
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	return nil
}

func (n *SlackNotifier) EscalationRaised(ctx context.Context, conversationID, reason, suggestedAction string) error {
	text := fmt.Sprintf(":rotating_light: Conversation `%s` escalated for human review.\nReason: %s", conversationID, reason)
	if suggestedAction != "" {
		text += "\nSuggested action: " + suggestedAction
	}
	return n.post(ctx, text)
}

func (n *SlackNotifier) CapacityAlert(ctx context.Context, therapistID string, detail string) error {
	return n.post(ctx, fmt.Sprintf(":hourglass: Therapist `%s` needs attention: %s", therapistID, detail))
}

// LogNotifier writes notifications to the log. Used when Slack is not
// configured so escalations are never silently dropped.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *LogNotifier) EscalationRaised(ctx context.Context, conversationID, reason, suggestedAction string) error {
	n.logger().Warn("escalation raised",
		"conversation", conversationID, "reason", reason, "suggested_action", suggestedAction)
	return nil
}

func (n *LogNotifier) CapacityAlert(ctx context.Context, therapistID string, detail string) error {
	n.logger().Warn("capacity alert", "therapist", therapistID, "detail", detail)
	return nil
}
