package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pilot-net/alertcore/pkg/types"
)

// SlackAdapter posts to a Slack incoming webhook. A target Address, when
// set, overrides the webhook's default channel.
type SlackAdapter struct {
	name       string
	webhookURL string
	username   string
	httpClient *http.Client
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(name, webhookURL, username string) *SlackAdapter {
	if name == "" {
		name = "slack"
	}
	return &SlackAdapter{
		name:       name,
		webhookURL: webhookURL,
		username:   username,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// Name implements Adapter.
func (s *SlackAdapter) Name() string { return s.name }

// Send implements Adapter.
func (s *SlackAdapter) Send(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	msg := buildSlackMessage(n)
	if strings.HasPrefix(target.Address, "#") || strings.HasPrefix(target.Address, "@") {
		msg.Channel = target.Address
	}
	msg.Username = s.username

	status, _, body, err := postJSON(ctx, s.httpClient, s.webhookURL, nil, msg)
	if err != nil {
		return failure(s.name, target, err)
	}
	if status != http.StatusOK {
		return failure(s.name, target, fmt.Errorf("slack API error: status %d, body: %s", status, truncate(string(body), 200)))
	}
	return types.DeliveryResult{
		Success:  true,
		Provider: s.name,
		Target:   target.String(),
	}
}

// slackMessage represents the Slack webhook payload.
type slackMessage struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Text     string       `json:"text"`
	Blocks   []slackBlock `json:"blocks"`
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

// slackText represents text in Slack Block Kit.
type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func buildSlackMessage(n types.Notification) slackMessage {
	emoji := severityEmoji(n.Severity)
	header := fmt.Sprintf("%s %s", emoji, n.Title)
	if n.Kind == types.NotificationRepeat {
		header = fmt.Sprintf("%s [repeat] %s", emoji, n.Title)
	}

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: truncate(header, 150), Emoji: true},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", strings.ToUpper(string(n.Severity)))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Escalation level:*\n%d", n.Level+1)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*First seen:*\n%s", n.FirstSeen.Format("2006-01-02 15:04:05 MST"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Occurrences:*\n%d", n.OccurrenceCount)},
			},
		},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: n.Summary},
		},
	}

	if len(n.Labels) > 0 {
		keys := make([]string, 0, len(n.Labels))
		for k := range n.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("`%s=%s`", k, n.Labels[k]))
		}
		blocks = append(blocks, slackBlock{
			Type:     "context",
			Elements: []slackText{{Type: "mrkdwn", Text: "Labels: " + strings.Join(parts, " ")}},
		})
	}

	blocks = append(blocks, slackBlock{
		Type:     "context",
		Elements: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("Fingerprint `%s` · policy `%s`", n.Fingerprint, n.PolicyID)}},
	})

	return slackMessage{Text: n.Title, Blocks: blocks}
}

// severityEmoji returns an emoji for the severity level.
func severityEmoji(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return "\U0001F534" // red circle
	case types.SeverityHigh:
		return "\U0001F7E0" // orange circle
	case types.SeverityWarning:
		return "\U0001F7E1" // yellow circle
	default:
		return "⚪" // white circle
	}
}
