package incident

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Notifier hands an escalated incident to a human, per §4.6's "escalation
// delivers to a human" framing. Best-effort: a notification failure is
// logged, never propagated back into the state machine.
type Notifier interface {
	NotifyEscalation(ctx context.Context, job Job, reason string) error
}

// NoopNotifier satisfies Notifier without sending anything, the default
// when no Slack webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyEscalation(ctx context.Context, job Job, reason string) error { return nil }

// SlackNotifier posts an escalation summary to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	logger     *zap.Logger
}

// NewSlackNotifier builds a SlackNotifier posting to webhookURL, optionally
// overriding the webhook's default channel.
func NewSlackNotifier(webhookURL, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, channel: channel, logger: logger}
}

func (n *SlackNotifier) NotifyEscalation(ctx context.Context, job Job, reason string) error {
	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text: fmt.Sprintf(":rotating_light: Incident %s escalated (site %s, server %s): %s",
			job.IncidentID, job.SiteID, job.ServerID, reason),
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		n.logger.Warn("slack escalation notification failed",
			zap.String("incidentId", job.IncidentID), zap.Error(err))
		return err
	}
	return nil
}
