package slack

import (
	"fmt"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

// reasonText maps machine reasons to operator-facing text.
var reasonText = map[string]string{
	"refresh_token_revoked": "The refresh token was revoked or has expired at the provider.",
	"decryption_failed":     "The stored credential could not be decrypted with the current key.",
}

// ReasonText returns a readable explanation for a re-auth reason.
func ReasonText(reason string) string {
	if t, ok := reasonText[reason]; ok {
		return t
	}
	if reason == "" {
		return "The integration can no longer be refreshed."
	}
	return truncate(reason, 200)
}

// ProviderDisplayName returns the human name for a provider key.
func ProviderDisplayName(provider string) string {
	switch provider {
	case "xero":
		return "Xero"
	case "quickbooks":
		return "QuickBooks Online"
	case "":
		return "Unknown provider"
	default:
		return strings.ToUpper(provider[:1]) + provider[1:]
	}
}

// ReauthRequiredBlocks builds Slack Block Kit blocks asking an operator to
// have the tenant reconnect an integration.
func ReauthRequiredBlocks(info ReauthInfo) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			"🔑 Reconnect required: "+ProviderDisplayName(info.Provider), true, false),
	)

	tenantLabel := info.TenantID.String()
	if info.TenantName != "" {
		tenantLabel = fmt.Sprintf("%s (`%s`)", info.TenantName, info.TenantID)
	}
	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, "*Tenant:* "+tenantLabel, false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, "*Provider:* "+info.Provider, false, false),
	}

	blocks := []goslack.Block{
		header,
		goslack.NewSectionBlock(nil, fields, nil),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, ReasonText(info.Reason), false, false),
			nil, nil,
		),
	}

	if !info.FlaggedAt.IsZero() {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				"Flagged at "+info.FlaggedAt.UTC().Format(time.RFC1123), false, false),
		))
	}
	return blocks
}

// FallbackText is the notification text for clients without block support.
func FallbackText(info ReauthInfo) string {
	return fmt.Sprintf("Reconnect required: %s for tenant %s", ProviderDisplayName(info.Provider), info.TenantID)
}

// truncate shortens s to max characters, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
