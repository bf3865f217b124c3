package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/pilot-net/alertcore/control-plane/internal/secrets"
	"github.com/pilot-net/alertcore/pkg/types"
)

// Provider types understood by Build.
const (
	TypeSlack     = "slack"
	TypePagerDuty = "pagerduty"
	TypeWebhook   = "webhook"
	TypeLog       = "log"
)

// Config describes one provider instance. Credential fields (WebhookURL,
// RoutingKey, URL and header values) may hold env: or secret: references.
type Config struct {
	Name       string            `yaml:"name" json:"name"`
	Type       string            `yaml:"type" json:"type"`
	WebhookURL string            `yaml:"webhook_url,omitempty" json:"-"`
	Username   string            `yaml:"username,omitempty" json:"username,omitempty"`
	RoutingKey string            `yaml:"routing_key,omitempty" json:"-"`
	URL        string            `yaml:"url,omitempty" json:"-"`
	Source     string            `yaml:"source,omitempty" json:"source,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"-"`

	// RateLimit is deliveries per second; zero uses the dispatcher default.
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// Validate checks the provider configuration without resolving secrets.
func (c *Config) Validate() error {
	field := "providers." + c.Name
	if c.Name == "" {
		return &types.ConfigurationError{Field: "providers.name", Reason: "is required"}
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return &types.ConfigurationError{Field: field + ".rate_limit", Reason: "must not be negative"}
	}
	switch c.Type {
	case TypeSlack:
		if c.WebhookURL == "" {
			return &types.ConfigurationError{Field: field + ".webhook_url", Reason: "is required"}
		}
		return validURL(field+".webhook_url", c.WebhookURL)
	case TypePagerDuty:
		if c.URL != "" {
			return validURL(field+".url", c.URL)
		}
		return nil
	case TypeWebhook:
		if c.URL != "" {
			return validURL(field+".url", c.URL)
		}
		return nil
	case TypeLog:
		return nil
	default:
		return &types.ConfigurationError{Field: field + ".type", Reason: fmt.Sprintf("unknown provider type %q", c.Type)}
	}
}

// validURL accepts http(s) URLs and unresolved references.
func validURL(field, raw string) error {
	if secrets.IsReference(raw) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &types.ConfigurationError{Field: field, Reason: "must be an http(s) URL"}
	}
	return nil
}

// Build resolves credentials and creates a dispatcher with one adapter per
// config. A "log" adapter is always registered so a policy can fall back
// to it.
func Build(ctx context.Context, configs []Config, ks secrets.KeyStore, dcfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	d := NewDispatcher(dcfg, logger)
	d.RegisterWithLimit(NewLogAdapter(TypeLog, logger), 0, 0)

	for i := range configs {
		cfg := configs[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		adapter, err := buildAdapter(ctx, cfg, ks, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}

		limit, burst := dcfg.RateLimit, dcfg.Burst
		if cfg.RateLimit > 0 {
			limit = rate.Limit(cfg.RateLimit)
		}
		if cfg.Burst > 0 {
			burst = cfg.Burst
		}
		d.RegisterWithLimit(adapter, limit, burst)
		logger.Info("registered notification provider", "name", cfg.Name, "type", cfg.Type)
	}
	return d, nil
}

func buildAdapter(ctx context.Context, cfg Config, ks secrets.KeyStore, logger *slog.Logger) (Adapter, error) {
	resolve := func(ref string) (string, error) {
		if ref == "" {
			return "", nil
		}
		return secrets.Resolve(ctx, ks, ref)
	}

	switch cfg.Type {
	case TypeSlack:
		hook, err := resolve(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		return NewSlackAdapter(cfg.Name, hook, cfg.Username), nil

	case TypePagerDuty:
		key, err := resolve(cfg.RoutingKey)
		if err != nil {
			return nil, err
		}
		endpoint, err := resolve(cfg.URL)
		if err != nil {
			return nil, err
		}
		return NewPagerDutyAdapter(cfg.Name, key, endpoint, cfg.Source), nil

	case TypeWebhook:
		endpoint, err := resolve(cfg.URL)
		if err != nil {
			return nil, err
		}
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			resolved, err := resolve(v)
			if err != nil {
				return nil, fmt.Errorf("header %s: %w", k, err)
			}
			headers[k] = resolved
		}
		return NewWebhookAdapter(cfg.Name, endpoint, headers), nil

	default:
		return NewLogAdapter(cfg.Name, logger), nil
	}
}
