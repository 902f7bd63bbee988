package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// severityColors maps a severity to a Slack attachment bar color.
var severityColors = map[Severity]string{
	SeverityInfo:     "#36a64f",
	SeverityWarning:  "#ecb22e",
	SeverityError:    "#e01e5a",
	SeverityCritical: "#8b0000",
}

// SlackSender delivers alerts through a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
}

// NewSlackSender creates a SlackSender for the given incoming webhook URL.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{webhookURL: webhookURL}
}

// Send posts the alert as a color-coded attachment.
func (s *SlackSender) Send(ctx context.Context, sev Severity, title, message string) error {
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  severityColors[sev],
			Title:  title,
			Text:   message,
			Footer: fmt.Sprintf("tradecopier %s", sev),
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack: posting webhook: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (s *SlackSender) Name() string {
	return "slack"
}
