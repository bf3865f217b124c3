package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// ALERT OPERATIONS
// =============================================================================

// ListAlerts returns alerts matching the given filter.
func (s *Service) ListAlerts(ctx context.Context, filter types.AlertFilter) []*types.Alert {
	return s.alerts.List(filter)
}

// GetAlert returns the live alert for fingerprint, or its most recent
// archived occurrence. Occurrences evicted from memory are read from the
// store.
func (s *Service) GetAlert(ctx context.Context, fingerprint string) (*types.Alert, error) {
	a, err := s.alerts.Get(fingerprint)
	if err == nil || !errors.Is(err, types.ErrNotFound) || s.store == nil {
		return a, err
	}
	history, herr := s.store.GetAlertHistory(ctx, fingerprint, 1)
	if herr != nil {
		return nil, fmt.Errorf("loading alert history: %w", herr)
	}
	if len(history) == 0 {
		return nil, err
	}
	return history[0], nil
}

// AlertHistory returns past occurrences of fingerprint, newest first.
func (s *Service) AlertHistory(ctx context.Context, fingerprint string, limit int) ([]*types.Alert, error) {
	if s.store == nil {
		a, err := s.alerts.Get(fingerprint)
		if err != nil {
			return nil, err
		}
		return []*types.Alert{a}, nil
	}
	return s.store.GetAlertHistory(ctx, fingerprint, limit)
}

// AcknowledgeAlert stops escalation for a live alert.
func (s *Service) AcknowledgeAlert(ctx context.Context, fingerprint, actor string) (*types.Alert, error) {
	if err := s.alerts.Acknowledge(ctx, fingerprint, actor); err != nil {
		return nil, err
	}
	return s.alerts.Get(fingerprint)
}

// ResolveAlert resolves a live alert. Resolving an already resolved alert
// is a no-op.
func (s *Service) ResolveAlert(ctx context.Context, fingerprint, actor, reason string) (*types.Alert, error) {
	if err := s.alerts.Resolve(ctx, fingerprint, actor, reason); err != nil {
		return nil, err
	}
	return s.alerts.Get(fingerprint)
}

// ListEscalations returns active escalation runs.
func (s *Service) ListEscalations() []types.EscalationRun {
	if s.escalations == nil {
		return nil
	}
	return s.escalations.Runs()
}
