// Package provider delivers notifications to external channels.
//
// Every channel implements Adapter. The Dispatcher routes a target to its
// adapter by name, enforcing a per-call timeout and a per-provider rate
// limit. Delivery failures are returned as values; nothing here panics or
// retries.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

// Adapter delivers one notification to one target. Implementations must
// report network and provider errors through the result.
type Adapter interface {
	// Name returns the name targets use to select this adapter.
	Name() string
	// Send delivers n to target.
	Send(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult
}

// DefaultHTTPTimeout bounds a single HTTP call made by an adapter. The
// dispatcher's timeout applies on top of it.
const DefaultHTTPTimeout = 10 * time.Second

// failure builds a failed DeliveryResult.
func failure(provider string, target types.NotificationTarget, err error) types.DeliveryResult {
	f := &types.DeliveryFailure{Provider: provider, Target: target.String(), Err: err}
	return types.DeliveryResult{
		Provider: provider,
		Target:   target.String(),
		Error:    f.Error(),
	}
}

// postJSON sends payload to url and returns the response status, headers
// and up to 4 KiB of body.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (int, http.Header, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, resp.Header, respBody, nil
}

// truncate truncates a string to max length with ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
