// Package client provides the control plane API client for agents.
//
// Sample batches go through the shipper; this client covers the
// request/response calls:
//
// - Ping: Check reachability before the scrape loops start
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UserAgent is sent with every control plane request.
const UserAgent = "alertcore-agent/1.0"

// Client communicates with the control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// Config for the client.
type Config struct {
	BaseURL            string
	AuthToken          string
	Timeout            time.Duration
	HTTPClient         *http.Client
	InsecureSkipVerify bool
}

// NewClient creates a new control plane client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		authToken:  cfg.AuthToken,
	}
}

// NewHTTPClient builds the HTTP client used for control plane traffic.
func NewHTTPClient(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// HealthStatus is the control plane's health report.
type HealthStatus struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Ping tests connectivity to the control plane.
func (c *Client) Ping(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.get(ctx, "/api/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &status, nil
}

// get issues a GET with the agent's headers.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	return c.httpClient.Do(req)
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
