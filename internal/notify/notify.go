// Package notify sends ops-facing Slack alerts for sweeper failures and
// quota breaches. It is entirely optional: with no bot token configured the
// Notifier silently becomes a no-op so local/dev runs never need Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operational alerts to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken or channel is empty, IsEnabled reports
// false and every SweepFailure/QuotaBreach call is a logged no-op.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier can actually reach Slack.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// SweepFailure alerts that the janitor's sweeper failed repeatedly.
func (n *Notifier) SweepFailure(ctx context.Context, attempts int, cause error) {
	n.post(ctx, fmt.Sprintf(":rotating_light: sweeper failed %d consecutive times: %v", attempts, cause))
}

// QuotaBreach alerts that a global resource quota rejected an admission.
func (n *Notifier) QuotaBreach(ctx context.Context, resource string, current, limit float64) {
	n.post(ctx, fmt.Sprintf(":warning: resource quota %q exhausted (%.1f / %.1f)", resource, current, limit))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping ops alert", "text", text)
		return
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("posting ops alert to slack", "error", err)
	}
}
