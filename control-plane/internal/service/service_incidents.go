package service

import (
	"context"

	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// INCIDENT OPERATIONS
// =============================================================================

// DeclareIncidentRequest contains parameters for declaring an incident.
type DeclareIncidentRequest struct {
	Title        string         `json:"title"`
	Severity     types.Severity `json:"severity"`
	Fingerprints []string       `json:"fingerprints"`
	Actor        string         `json:"actor"`
}

// DeclareIncident opens an incident linking the given alerts.
func (s *Service) DeclareIncident(ctx context.Context, req DeclareIncidentRequest) (*types.Incident, error) {
	inc, err := s.incidents.Declare(ctx, req.Fingerprints, req.Severity, req.Title, req.Actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("incident declared",
		"incident_id", inc.ID,
		"severity", inc.Severity,
		"alerts", len(inc.LinkedAlertFingerprints),
		"actor", req.Actor)
	return inc, nil
}

// LinkAlert attaches a live alert to an open incident.
func (s *Service) LinkAlert(ctx context.Context, incidentID, fingerprint, actor string) (*types.Incident, error) {
	if err := s.incidents.LinkAlert(ctx, incidentID, fingerprint, actor); err != nil {
		return nil, err
	}
	return s.incidents.Get(incidentID)
}

// TransitionIncident moves an incident along its lifecycle.
func (s *Service) TransitionIncident(ctx context.Context, incidentID string, to types.IncidentState, actor string) (*types.Incident, error) {
	if err := s.incidents.Transition(ctx, incidentID, to, actor); err != nil {
		return nil, err
	}
	return s.incidents.Get(incidentID)
}

// ResolveIncident closes an incident and produces its postmortem record.
func (s *Service) ResolveIncident(ctx context.Context, incidentID, actor, summary string) (*types.Incident, error) {
	if err := s.incidents.Resolve(ctx, incidentID, actor, summary); err != nil {
		return nil, err
	}
	inc, err := s.incidents.Get(incidentID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("incident resolved",
		"incident_id", incidentID,
		"actor", actor,
		"postmortem_required", inc.PostmortemRequired)
	return inc, nil
}

// AddIncidentNote appends a free-text note to the timeline.
func (s *Service) AddIncidentNote(ctx context.Context, incidentID, actor, text string) (types.TimelineEntry, error) {
	return s.incidents.AddNote(ctx, incidentID, actor, text)
}

// GetIncident returns an incident with its full timeline.
func (s *Service) GetIncident(ctx context.Context, incidentID string) (*types.Incident, error) {
	return s.incidents.Get(incidentID)
}

// ListIncidents returns incidents matching filter, without timelines.
func (s *Service) ListIncidents(ctx context.Context, filter types.IncidentFilter) []*types.Incident {
	incidents := s.incidents.List(filter)
	out := make([]*types.Incident, len(incidents))
	for i, inc := range incidents {
		c := *inc
		c.Timeline = nil
		out[i] = &c
	}
	return out
}
