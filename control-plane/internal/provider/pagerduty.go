package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

// DefaultPagerDutyURL is the Events API v2 enqueue endpoint.
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyAdapter triggers PagerDuty incidents through the Events API v2.
// The alert fingerprint is the dedup key, so repeated levels for one alert
// update a single PagerDuty incident.
type PagerDutyAdapter struct {
	name       string
	routingKey string
	url        string
	source     string
	httpClient *http.Client
}

// NewPagerDutyAdapter creates a PagerDuty adapter. routingKey is used when a
// target does not carry its own; an empty url selects DefaultPagerDutyURL.
func NewPagerDutyAdapter(name, routingKey, url, source string) *PagerDutyAdapter {
	if name == "" {
		name = "pagerduty"
	}
	if url == "" {
		url = DefaultPagerDutyURL
	}
	if source == "" {
		source = "alertcore"
	}
	return &PagerDutyAdapter{
		name:       name,
		routingKey: routingKey,
		url:        url,
		source:     source,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// Name implements Adapter.
func (p *PagerDutyAdapter) Name() string { return p.name }

type pdEvent struct {
	RoutingKey  string    `json:"routing_key"`
	EventAction string    `json:"event_action"`
	DedupKey    string    `json:"dedup_key"`
	Payload     pdPayload `json:"payload"`
}

type pdPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Component     string         `json:"component,omitempty"`
	Group         string         `json:"group,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type pdResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	DedupKey string `json:"dedup_key"`
}

// Send implements Adapter.
func (p *PagerDutyAdapter) Send(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	key := target.Address
	if key == "" {
		key = p.routingKey
	}
	if key == "" {
		return failure(p.name, target, fmt.Errorf("no routing key"))
	}

	event := pdEvent{
		RoutingKey:  key,
		EventAction: "trigger",
		DedupKey:    n.Fingerprint,
		Payload: pdPayload{
			Summary:   truncate(n.Title+": "+n.Summary, 1024),
			Source:    p.source,
			Severity:  pagerDutySeverity(n.Severity),
			Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
			Component: n.Labels["service"],
			Group:     n.RuleID,
			CustomDetails: map[string]any{
				"labels":           n.Labels,
				"value":            n.Value,
				"escalation_level": n.Level + 1,
				"occurrences":      n.OccurrenceCount,
				"policy_id":        n.PolicyID,
				"first_seen":       n.FirstSeen.UTC().Format(time.RFC3339),
			},
		},
	}

	status, _, body, err := postJSON(ctx, p.httpClient, p.url, nil, event)
	if err != nil {
		return failure(p.name, target, err)
	}

	var resp pdResponse
	_ = json.Unmarshal(body, &resp)
	if status != http.StatusAccepted && status != http.StatusOK {
		return failure(p.name, target, fmt.Errorf("pagerduty API error: status %d: %s", status, truncate(resp.Message, 200)))
	}

	id := resp.DedupKey
	if id == "" {
		id = n.Fingerprint
	}
	return types.DeliveryResult{
		Success:           true,
		ProviderMessageID: id,
		Provider:          p.name,
		Target:            target.String(),
	}
}

// pagerDutySeverity maps severities onto the Events API v2 vocabulary.
func pagerDutySeverity(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "critical"
	case types.SeverityHigh:
		return "error"
	case types.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
