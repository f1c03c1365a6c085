// Package slack posts operator notifications to Slack.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goslack "github.com/slack-go/slack"
)

// TenantNamer resolves a tenant's display name. Lookup failures fall back
// to the id.
type TenantNamer func(ctx context.Context, tenantID uuid.UUID) (string, error)

// Notifier sends messages to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
	names   TenantNamer
	now     func() time.Time
	apiURL  string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithAPIURL points the client at a different Slack API base URL.
func WithAPIURL(url string) Option { return func(n *Notifier) { n.apiURL = url } }

// WithTenantNames resolves tenant names for messages.
func WithTenantNames(fn TenantNamer) Option { return func(n *Notifier) { n.names = fn } }

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		channel: channel,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if botToken != "" {
		var clientOpts []goslack.Option
		if n.apiURL != "" {
			clientOpts = append(clientOpts, goslack.OptionAPIURL(n.apiURL))
		}
		n.client = goslack.New(botToken, clientOpts...)
	}
	return n
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// ReauthRequired tells operators that a tenant must reconnect provider.
func (n *Notifier) ReauthRequired(ctx context.Context, tenantID uuid.UUID, provider, reason string) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping reauth notice",
			"tenant_id", tenantID,
			"provider", provider,
		)
		return nil
	}

	info := ReauthInfo{TenantID: tenantID, Provider: provider, Reason: reason, FlaggedAt: n.now()}
	if n.names != nil {
		if name, err := n.names(ctx, tenantID); err == nil {
			info.TenantName = name
		} else {
			n.logger.Debug("resolving tenant name for slack", "tenant_id", tenantID, "error", err)
		}
	}

	channelID, ts, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionBlocks(ReauthRequiredBlocks(info)...),
		goslack.MsgOptionText(FallbackText(info), false),
	)
	if err != nil {
		return fmt.Errorf("posting reauth notice to slack: %w", err)
	}

	n.logger.Info("posted reauth notice to slack",
		"tenant_id", tenantID,
		"provider", provider,
		"channel", channelID,
		"ts", ts,
	)
	return nil
}
