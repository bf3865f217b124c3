package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pilot-net/alertcore/pkg/types"
)

// WebhookAdapter POSTs the notification as JSON. The target Address, when
// set, replaces the configured URL.
type WebhookAdapter struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// NewWebhookAdapter creates a generic webhook adapter.
func NewWebhookAdapter(name, url string, headers map[string]string) *WebhookAdapter {
	if name == "" {
		name = "webhook"
	}
	return &WebhookAdapter{
		name:       name,
		url:        url,
		headers:    headers,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// Name implements Adapter.
func (w *WebhookAdapter) Name() string { return w.name }

type webhookPayload struct {
	Version      string             `json:"version"`
	Notification types.Notification `json:"notification"`
	Target       string             `json:"target,omitempty"`
}

// Send implements Adapter.
func (w *WebhookAdapter) Send(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	url := w.url
	if target.Address != "" {
		url = target.Address
	}
	if url == "" {
		return failure(w.name, target, fmt.Errorf("no webhook URL"))
	}

	payload := webhookPayload{Version: "1", Notification: n, Target: target.Name}
	status, header, body, err := postJSON(ctx, w.httpClient, url, w.headers, payload)
	if err != nil {
		return failure(w.name, target, err)
	}
	if status < 200 || status >= 300 {
		return failure(w.name, target, fmt.Errorf("webhook returned HTTP %d: %s", status, truncate(string(body), 200)))
	}
	return types.DeliveryResult{
		Success:           true,
		ProviderMessageID: header.Get("X-Request-Id"),
		Provider:          w.name,
		Target:            target.String(),
	}
}
