// Package scraper reads Prometheus text exposition endpoints and turns the
// mapped metric families into rule samples.
//
// # Mapping
//
// Each mapping names a metric family and the rule id its series feed. A
// series becomes one sample carrying the agent labels, the target labels
// and the series labels, in increasing precedence, plus job=<target name>.
// Counter, gauge and untyped values are used as is; summaries and
// histograms are skipped.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/pilot-net/alertcore/agent/internal/config"
	"github.com/pilot-net/alertcore/pkg/types"
)

// Scraper fetches exposition endpoints.
type Scraper struct {
	client      *http.Client
	mappings    map[string][]config.MappingConfig
	agentLabels map[string]string
	logger      *slog.Logger
}

// New creates a scraper for the configured mappings.
func New(cfg *config.Config, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Scrape.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	mappings := make(map[string][]config.MappingConfig)
	for _, m := range cfg.Mappings {
		mappings[m.Metric] = append(mappings[m.Metric], m)
	}

	return &Scraper{
		client:      &http.Client{Timeout: timeout},
		mappings:    mappings,
		agentLabels: cfg.Agent.Labels,
		logger:      logger.With("component", "scraper"),
	}
}

// Scrape fetches one target and returns its mapped samples.
func (s *Scraper) Scrape(ctx context.Context, target config.TargetConfig) ([]types.Sample, error) {
	families, err := s.fetch(ctx, target.URL)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", target.Name, err)
	}
	samples := s.Samples(families, target, time.Now().UTC())
	s.logger.Debug("scraped target",
		"target", target.Name,
		"families", len(families),
		"samples", len(samples))
	return samples, nil
}

func (s *Scraper) fetch(ctx context.Context, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a text exposition. A partial parse that produced
// families is returned without error.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil && len(families) == 0 {
		return nil, fmt.Errorf("parsing exposition: %w", err)
	}
	return families, nil
}

// Samples maps parsed families onto rule samples. now stamps series that
// carry no timestamp.
func (s *Scraper) Samples(families map[string]*dto.MetricFamily, target config.TargetConfig, now time.Time) []types.Sample {
	var out []types.Sample
	for name, mappings := range s.mappings {
		mf, ok := families[name]
		if !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := metricValue(m)
			if !ok {
				continue
			}
			labels := s.seriesLabels(target, m)
			ts := now
			if m.TimestampMs != nil {
				ts = time.UnixMilli(m.GetTimestampMs()).UTC()
			}
			for _, mapping := range mappings {
				if !matches(labels, mapping.Match) {
					continue
				}
				out = append(out, types.Sample{
					RuleID:    mapping.RuleID,
					Timestamp: ts,
					Value:     value,
					Labels:    labels,
				})
			}
		}
	}
	return out
}

func (s *Scraper) seriesLabels(target config.TargetConfig, m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(s.agentLabels)+len(target.Labels)+len(m.GetLabel())+1)
	for k, v := range s.agentLabels {
		labels[k] = v
	}
	labels["job"] = target.Name
	for k, v := range target.Labels {
		labels[k] = v
	}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func metricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	}
	return 0, false
}

func matches(labels, match map[string]string) bool {
	for k, v := range match {
		if labels[k] != v {
			return false
		}
	}
	return true
}
