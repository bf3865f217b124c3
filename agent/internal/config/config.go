// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (ALERTCORE_AGENT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	control_plane:
//	  url: https://alerts.pilot.net
//	  token: ac_xxx
//
//	agent:
//	  name: edge-nyc-01
//	  labels:
//	    datacenter: nyc1
//
//	scrape:
//	  interval: 15s
//	  timeout: 10s
//
//	targets:
//	  - name: node
//	    url: http://localhost:9100/metrics
//	  - name: app
//	    url: http://localhost:8080/metrics
//	    interval: 30s
//	    labels:
//	      service: checkout
//
//	mappings:
//	  - metric: node_cpu_utilisation
//	    rule_id: cpu-high
//	  - metric: http_requests_errors_ratio
//	    rule_id: checkout-errors
//	    match:
//	      service: checkout
//
//	shipping:
//	  batch_size: 1000
//	  batch_timeout: 5s
//	  max_buffered: 50000
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Agent        AgentConfig        `yaml:"agent"`
	Scrape       ScrapeConfig       `yaml:"scrape"`
	Targets      []TargetConfig     `yaml:"targets"`
	Mappings     []MappingConfig    `yaml:"mappings"`
	Shipping     ShippingConfig     `yaml:"shipping"`
}

// ControlPlaneConfig defines how to connect to the control plane.
type ControlPlaneConfig struct {
	URL   string `yaml:"url"`   // e.g., https://alerts.pilot.net
	Token string `yaml:"token"` // Bearer token, optional

	// TLS settings
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// AgentConfig defines agent identity.
type AgentConfig struct {
	Name   string            `yaml:"name"`   // Sent as the batch source id
	Labels map[string]string `yaml:"labels"` // Added to every sample
}

// ScrapeConfig defines default scrape behavior.
type ScrapeConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TargetConfig is one Prometheus exposition endpoint.
type TargetConfig struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Interval time.Duration     `yaml:"interval,omitempty"` // Defaults to scrape.interval
	Labels   map[string]string `yaml:"labels,omitempty"`
}

// MappingConfig turns series of one metric family into samples for a rule.
// Only series carrying every Match label are mapped.
type MappingConfig struct {
	Metric string            `yaml:"metric"`
	RuleID string            `yaml:"rule_id"`
	Match  map[string]string `yaml:"match,omitempty"`
}

// ShippingConfig defines sample batching behavior.
type ShippingConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	// MaxBuffered bounds samples held while the control plane is
	// unreachable. The oldest samples are dropped first.
	MaxBuffered int `yaml:"max_buffered"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ControlPlane: ControlPlaneConfig{
			RequestTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			Labels: make(map[string]string),
		},
		Scrape: ScrapeConfig{
			Interval: 15 * time.Second,
			Timeout:  10 * time.Second,
		},
		Shipping: ShippingConfig{
			BatchSize:    1000,
			BatchTimeout: 5 * time.Second,
			MaxBuffered:  50000,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.ControlPlane.URL == "" {
		errs = append(errs, fmt.Errorf("control_plane.url is required"))
	}
	if c.Agent.Name == "" {
		errs = append(errs, fmt.Errorf("agent.name is required"))
	}
	if c.Scrape.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scrape.interval must be positive"))
	}
	if len(c.Targets) == 0 {
		errs = append(errs, fmt.Errorf("at least one target is required"))
	}

	names := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("targets[%d].name is required", i))
		} else if names[t.Name] {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name))
		}
		names[t.Name] = true
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("targets[%d].url must be an http(s) URL", i))
		}
		if t.Interval < 0 {
			errs = append(errs, fmt.Errorf("targets[%d].interval must not be negative", i))
		}
	}

	if len(c.Mappings) == 0 {
		errs = append(errs, fmt.Errorf("at least one mapping is required"))
	}
	for i, m := range c.Mappings {
		if m.Metric == "" {
			errs = append(errs, fmt.Errorf("mappings[%d].metric is required", i))
		}
		if m.RuleID == "" {
			errs = append(errs, fmt.Errorf("mappings[%d].rule_id is required", i))
		}
	}
	return errors.Join(errs...)
}

// IntervalFor returns the scrape interval of a target.
func (c *Config) IntervalFor(t TargetConfig) time.Duration {
	if t.Interval > 0 {
		return t.Interval
	}
	return c.Scrape.Interval
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the ALERTCORE_AGENT_ prefix:
// - ALERTCORE_AGENT_CONTROL_PLANE_URL
// - ALERTCORE_AGENT_CONTROL_PLANE_TOKEN
// - ALERTCORE_AGENT_NAME
// - ALERTCORE_AGENT_SCRAPE_INTERVAL (Go duration, e.g. 30s)
// - ALERTCORE_AGENT_BATCH_SIZE
// - ALERTCORE_AGENT_LABELS (JSON object, e.g., '{"datacenter":"nyc1"}')
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ALERTCORE_AGENT_CONTROL_PLANE_URL"); v != "" {
		c.ControlPlane.URL = v
	}
	if v := os.Getenv("ALERTCORE_AGENT_CONTROL_PLANE_TOKEN"); v != "" {
		c.ControlPlane.Token = v
	}
	if v := os.Getenv("ALERTCORE_AGENT_NAME"); v != "" {
		c.Agent.Name = v
	}
	if v := os.Getenv("ALERTCORE_AGENT_SCRAPE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scrape.Interval = d
		}
	}
	if v := os.Getenv("ALERTCORE_AGENT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shipping.BatchSize = n
		}
	}
	if v := os.Getenv("ALERTCORE_AGENT_LABELS"); v != "" {
		var labels map[string]string
		if err := json.Unmarshal([]byte(v), &labels); err == nil {
			if c.Agent.Labels == nil {
				c.Agent.Labels = make(map[string]string)
			}
			for k, val := range labels {
				c.Agent.Labels[k] = val
			}
		}
	}
}
