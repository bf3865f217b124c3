// Package service contains the business logic exposed by the HTTP API. It
// composes the alert manager, incident manager, escalation engine and rule
// evaluator, and writes administrative changes through to the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/incident"
	"github.com/pilot-net/alertcore/control-plane/internal/provider"
	"github.com/pilot-net/alertcore/pkg/types"
)

// Store is the persistence the service writes through to. Nil disables
// persistence of administrative changes and archived alert lookups.
type Store interface {
	GetAlertHistory(ctx context.Context, fingerprint string, limit int) ([]*types.Alert, error)
	SavePolicy(ctx context.Context, p *types.EscalationPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	SaveWindow(ctx context.Context, w *types.MaintenanceWindow) error
	DeleteWindow(ctx context.Context, id string) error
}

// EventQueue buffers inbound events ahead of the ingest pool.
type EventQueue interface {
	Push(ctx context.Context, events []*types.AlertEvent) error
}

// SampleSink accepts samples for rule evaluation.
type SampleSink interface {
	Push(ctx context.Context, samples []types.Sample) error
	Pending() int
}

// RuleSet holds the active rules.
type RuleSet interface {
	SetRules(rules []types.Rule) error
	Rules() []types.Rule
}

// Escalations reports escalation runs.
type Escalations interface {
	Runs() []types.EscalationRun
	Active() int
}

// ProviderStats reports delivery counters per provider.
type ProviderStats interface {
	Stats() map[string]provider.ProviderStats
}

// QueueDepth reports the ingest pool backlog.
type QueueDepth interface {
	Depth() int
}

// Deps bundles the components a Service composes. Store, Queue, Pool and
// Providers are optional.
type Deps struct {
	Alerts      *alerting.Manager
	Incidents   *incident.Manager
	Escalations Escalations
	Rules       RuleSet
	Samples     SampleSink
	Store       Store
	Queue       EventQueue
	Pool        QueueDepth
	Providers   ProviderStats
	Clock       clock.Clock
}

// Service provides business logic operations.
type Service struct {
	alerts      *alerting.Manager
	incidents   *incident.Manager
	escalations Escalations
	rules       RuleSet
	samples     SampleSink
	store       Store
	queue       EventQueue
	pool        QueueDepth
	providers   ProviderStats
	clock       clock.Clock
	logger      *slog.Logger

	// Policies and windows created through the API are layered over the
	// configuration file on every reload.
	mu           sync.Mutex
	filePolicies []types.EscalationPolicy
	fileWindows  []types.MaintenanceWindow
	apiPolicies  map[string]types.EscalationPolicy
	apiWindows   map[string]types.MaintenanceWindow
}

// NewService creates a new service.
func NewService(deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Alerts == nil || deps.Incidents == nil {
		return nil, errors.New("service requires alert and incident managers")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Service{
		alerts:      deps.Alerts,
		incidents:   deps.Incidents,
		escalations: deps.Escalations,
		rules:       deps.Rules,
		samples:     deps.Samples,
		store:       deps.Store,
		queue:       deps.Queue,
		pool:        deps.Pool,
		providers:   deps.Providers,
		clock:       deps.Clock,
		logger:      logger.With("component", "service"),
		apiPolicies: make(map[string]types.EscalationPolicy),
		apiWindows:  make(map[string]types.MaintenanceWindow),
	}, nil
}

// SetQueue routes ingestion through q. Used when the Redis buffer comes up
// after the service is created.
func (s *Service) SetQueue(q EventQueue) {
	s.queue = q
}

// =============================================================================
// INGESTION
// =============================================================================

// IngestResult reports the outcome of an event submission.
type IngestResult struct {
	Accepted int                 `json:"accepted"`
	Queued   bool                `json:"queued"`
	Alerts   []types.AlertHandle `json:"alerts,omitempty"`
	Errors   []string            `json:"errors,omitempty"`
}

// IngestEvents accepts a batch of events. With a queue configured the
// events are buffered and processed asynchronously; otherwise each event is
// ingested inline and its alert handle returned. Invalid events are
// reported per index and do not fail the batch.
func (s *Service) IngestEvents(ctx context.Context, events []*types.AlertEvent) (*IngestResult, error) {
	result := &IngestResult{}

	if s.queue != nil {
		valid := make([]*types.AlertEvent, 0, len(events))
		for i, ev := range events {
			if ev.RuleID == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("event %d: rule_id is required", i))
				continue
			}
			// IDs are assigned before buffering so a redelivered event is
			// recognized as a duplicate.
			if ev.ID == "" {
				ev.ID = uuid.New().String()
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = s.clock.Now()
			}
			valid = append(valid, ev)
		}
		if len(valid) > 0 {
			if err := s.queue.Push(ctx, valid); err != nil {
				return nil, fmt.Errorf("buffering events: %w", err)
			}
		}
		result.Accepted = len(valid)
		result.Queued = true
		return result, nil
	}

	for i, ev := range events {
		handle, err := s.alerts.Ingest(ctx, ev)
		if err != nil {
			if errors.Is(err, alerting.ErrInvalidEvent) {
				result.Errors = append(result.Errors, fmt.Sprintf("event %d: %v", i, err))
				continue
			}
			return result, fmt.Errorf("ingesting event %d: %w", i, err)
		}
		result.Accepted++
		result.Alerts = append(result.Alerts, handle)
	}
	return result, nil
}

// PushSamples hands a sample batch to the rule evaluator.
func (s *Service) PushSamples(ctx context.Context, batch types.SampleBatch) (int, error) {
	if s.samples == nil {
		return 0, &types.ConfigurationError{Field: "rules", Reason: "rule evaluation is not enabled"}
	}
	now := s.clock.Now()
	samples := make([]types.Sample, 0, len(batch.Samples))
	for _, sm := range batch.Samples {
		if sm.RuleID == "" {
			continue
		}
		if sm.Timestamp.IsZero() {
			sm.Timestamp = now
		}
		samples = append(samples, sm)
	}
	if err := s.samples.Push(ctx, samples); err != nil {
		return 0, fmt.Errorf("pushing samples: %w", err)
	}
	return len(samples), nil
}

// =============================================================================
// HEALTH
// =============================================================================

// EngineHealth summarizes alerting state for /health.
func (s *Service) EngineHealth() types.EngineHealth {
	counts, exhausted := s.alerts.Stats()
	h := types.EngineHealth{
		ExhaustedAlerts: exhausted,
		OpenIncidents:   s.incidents.OpenCount(),
	}
	for st, n := range counts {
		if st != types.AlertStateResolved {
			h.LiveAlerts += n
		}
	}
	if s.escalations != nil {
		h.ActiveRuns = s.escalations.Active()
	}
	if s.pool != nil {
		h.IngestQueueDepth = s.pool.Depth()
	}
	if s.providers != nil {
		for name, st := range s.providers.Stats() {
			if st.Failed > 0 {
				if h.ProviderFailures == nil {
					h.ProviderFailures = make(map[string]int64)
				}
				h.ProviderFailures[name] = st.Failed
			}
		}
	}
	return h
}

// Now returns the service clock's time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}
