package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/control-plane/internal/config"
	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// ApplyConfig activates a validated configuration file. Policies and
// windows created through the API override file entries with the same id.
// Alerts are re-evaluated against the new windows. Nothing changes if any
// part of the file is rejected.
func (s *Service) ApplyConfig(ctx context.Context, f *config.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies := mergePolicies(f.Policies, s.apiPolicies)
	if _, err := alerting.NewPolicyRouter(policies); err != nil {
		return fmt.Errorf("applying policies: %w", err)
	}
	windows := mergeWindows(f.MaintenanceWindows, s.apiWindows)
	if err := alerting.NewMaintenanceFilter().SetWindows(windows); err != nil {
		return fmt.Errorf("applying maintenance windows: %w", err)
	}
	if s.rules != nil {
		if err := s.rules.SetRules(f.Rules); err != nil {
			return fmt.Errorf("applying rules: %w", err)
		}
	}

	// Validated above; these cannot fail.
	s.alerts.Dedup().SetGroupBy(f.Dedup.GroupBy, f.Dedup.DefaultGroupBy)
	if err := s.alerts.Router().SetPolicies(policies); err != nil {
		return fmt.Errorf("applying policies: %w", err)
	}
	if err := s.alerts.Filter().SetWindows(windows); err != nil {
		return fmt.Errorf("applying maintenance windows: %w", err)
	}
	s.filePolicies = f.Policies
	s.fileWindows = f.MaintenanceWindows

	released, suppressed := s.alerts.Reevaluate(ctx, s.clock.Now())
	s.logger.Info("configuration applied",
		"rules", len(f.Rules),
		"policies", len(policies),
		"windows", len(windows),
		"released", released,
		"suppressed", suppressed)
	return nil
}

// RestoreOverrides installs policies and windows persisted by earlier API
// calls. Call after the first ApplyConfig.
func (s *Service) RestoreOverrides(policies []types.EscalationPolicy, windows []types.MaintenanceWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range policies {
		if err := s.alerts.Router().Upsert(p); err != nil {
			s.logger.Warn("skipping persisted policy", "policy_id", p.ID, "error", err)
			continue
		}
		s.apiPolicies[p.ID] = p
	}
	for _, w := range windows {
		if err := s.alerts.Filter().Upsert(w); err != nil {
			s.logger.Warn("skipping persisted window", "window_id", w.ID, "error", err)
			continue
		}
		s.apiWindows[w.ID] = w
	}
}

func mergePolicies(file []types.EscalationPolicy, overrides map[string]types.EscalationPolicy) []types.EscalationPolicy {
	out := make([]types.EscalationPolicy, 0, len(file)+len(overrides))
	seen := make(map[string]bool, len(file))
	for _, p := range file {
		if o, ok := overrides[p.ID]; ok {
			p = o
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	for _, id := range sortedKeys(overrides) {
		if !seen[id] {
			out = append(out, overrides[id])
		}
	}
	return out
}

func mergeWindows(file []types.MaintenanceWindow, overrides map[string]types.MaintenanceWindow) []types.MaintenanceWindow {
	out := make([]types.MaintenanceWindow, 0, len(file)+len(overrides))
	seen := make(map[string]bool, len(file))
	for _, w := range file {
		if o, ok := overrides[w.ID]; ok {
			w = o
		}
		seen[w.ID] = true
		out = append(out, w)
	}
	for _, id := range sortedKeys(overrides) {
		if !seen[id] {
			out = append(out, overrides[id])
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// POLICY OPERATIONS
// =============================================================================

// ListPolicies returns policies in routing order.
func (s *Service) ListPolicies(ctx context.Context) []types.EscalationPolicy {
	return s.alerts.Router().Policies()
}

// PutPolicy creates or replaces a policy. Runs already started keep the
// policy they were bound to.
func (s *Service) PutPolicy(ctx context.Context, p types.EscalationPolicy) (*types.EscalationPolicy, error) {
	return s.writePolicy(ctx, p, s.alerts.Router().Upsert)
}

// CreatePolicy adds a policy, failing with ConflictError if a policy with
// the same id exists in the file or the API.
func (s *Service) CreatePolicy(ctx context.Context, p types.EscalationPolicy) (*types.EscalationPolicy, error) {
	return s.writePolicy(ctx, p, s.alerts.Router().Create)
}

// writePolicy activates p and persists it. If the store rejects it the
// router and the API overrides are put back as they were.
func (s *Service) writePolicy(ctx context.Context, p types.EscalationPolicy, activate func(types.EscalationPolicy) error) (*types.EscalationPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.alerts.Router().Policies()
	override, hadOverride := s.apiPolicies[p.ID]
	if err := activate(p); err != nil {
		return nil, err
	}
	s.apiPolicies[p.ID] = p
	if s.store != nil {
		if err := s.store.SavePolicy(ctx, &p); err != nil {
			if hadOverride {
				s.apiPolicies[p.ID] = override
			} else {
				delete(s.apiPolicies, p.ID)
			}
			if rerr := s.alerts.Router().SetPolicies(previous); rerr != nil {
				s.logger.Error("failed to restore policies", "policy_id", p.ID, "error", rerr)
			}
			return nil, fmt.Errorf("saving policy: %w", err)
		}
	}
	s.logger.Info("policy updated", "policy_id", p.ID, "levels", len(p.Levels))
	return &p, nil
}

// DeletePolicy removes a policy created through the API. A file policy with
// the same id becomes active again.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, ok := s.apiPolicies[id]
	if !ok {
		if _, exists := s.alerts.Router().Get(id); exists {
			return &types.ConflictError{Kind: "policy", ID: id, Reason: "declared in the configuration file"}
		}
		return &types.NotFoundError{Kind: "policy", ID: id}
	}
	delete(s.apiPolicies, id)
	if err := s.alerts.Router().SetPolicies(mergePolicies(s.filePolicies, s.apiPolicies)); err != nil {
		s.apiPolicies[id] = removed
		return err
	}
	if s.store != nil {
		if err := s.store.DeletePolicy(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("deleting policy: %w", err)
		}
	}
	s.logger.Info("policy deleted", "policy_id", id)
	return nil
}

// =============================================================================
// MAINTENANCE WINDOW OPERATIONS
// =============================================================================

// ListWindows returns every configured window.
func (s *Service) ListWindows(ctx context.Context) []types.MaintenanceWindow {
	return s.alerts.Filter().Windows()
}

// ActiveWindows returns the ids of windows active now.
func (s *Service) ActiveWindows(ctx context.Context) []string {
	return s.alerts.Filter().Active(s.clock.Now())
}

// PutWindow creates or replaces a window and re-evaluates live alerts
// against it.
func (s *Service) PutWindow(ctx context.Context, w types.MaintenanceWindow) (*types.MaintenanceWindow, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	previous := s.alerts.Filter().Windows()
	override, hadOverride := s.apiWindows[w.ID]
	if err := s.alerts.Filter().Upsert(w); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.apiWindows[w.ID] = w
	if s.store != nil {
		if err := s.store.SaveWindow(ctx, &w); err != nil {
			if hadOverride {
				s.apiWindows[w.ID] = override
			} else {
				delete(s.apiWindows, w.ID)
			}
			if rerr := s.alerts.Filter().SetWindows(previous); rerr != nil {
				s.logger.Error("failed to restore maintenance windows", "window_id", w.ID, "error", rerr)
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("saving window: %w", err)
		}
	}
	s.mu.Unlock()

	released, suppressed := s.alerts.Reevaluate(ctx, s.clock.Now())
	s.logger.Info("maintenance window updated",
		"window_id", w.ID,
		"scope", w.Scope,
		"released", released,
		"suppressed", suppressed)
	return &w, nil
}

// DeleteWindow removes a window created through the API. Windows declared
// in the configuration file are removed by editing the file; a file window
// with the same id becomes active again.
func (s *Service) DeleteWindow(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.apiWindows[id]; !ok {
		s.mu.Unlock()
		if _, exists := s.alerts.Filter().Get(id); exists {
			return &types.ConflictError{Kind: "window", ID: id, Reason: "declared in the configuration file"}
		}
		return &types.NotFoundError{Kind: "window", ID: id}
	}
	removed := s.apiWindows[id]
	delete(s.apiWindows, id)
	if err := s.alerts.Filter().SetWindows(mergeWindows(s.fileWindows, s.apiWindows)); err != nil {
		s.apiWindows[id] = removed
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteWindow(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("deleting window: %w", err)
		}
	}
	released, _ := s.alerts.Reevaluate(ctx, s.clock.Now())
	s.logger.Info("maintenance window deleted", "window_id", id, "released", released)
	return nil
}

// PruneExpiredWindows drops windows that ended before now. Expired API
// windows are forgotten and deleted from the store so a config reload
// cannot bring them back; expired file windows return with the next reload
// and are pruned again.
func (s *Service) PruneExpiredWindows(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	removed := s.alerts.Filter().PruneExpired(now)
	var persisted []string
	for _, id := range removed {
		if _, ok := s.apiWindows[id]; ok {
			delete(s.apiWindows, id)
			persisted = append(persisted, id)
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		return removed
	}
	for _, id := range persisted {
		if err := s.store.DeleteWindow(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			s.logger.Warn("failed to delete expired window", "window_id", id, "error", err)
		}
	}
	return removed
}
