package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// ALERTS
// =============================================================================

// An alert row is identified by (fingerprint, first_seen): once an alert
// resolves, a later event with the same fingerprint starts a new row.

const alertColumns = `
	fingerprint, rule_id, source_id, severity, labels, state, value,
	first_seen, last_seen, occurrence_count, grouped_event_ids,
	policy_id, current_escalation_level, exhausted, stale,
	incident_id, suppressed_by,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolve_reason,
	version`

// SaveAlert upserts an alert snapshot. Writes older than the stored
// version are ignored.
func (s *Store) SaveAlert(ctx context.Context, a *types.Alert) error {
	labelsJSON, err := json.Marshal(a.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	groupedJSON, err := json.Marshal(a.GroupedEventIDs)
	if err != nil {
		return fmt.Errorf("marshal grouped events: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW())
		ON CONFLICT (fingerprint, first_seen) DO UPDATE SET
			severity = EXCLUDED.severity,
			labels = EXCLUDED.labels,
			state = EXCLUDED.state,
			value = EXCLUDED.value,
			last_seen = EXCLUDED.last_seen,
			occurrence_count = EXCLUDED.occurrence_count,
			grouped_event_ids = EXCLUDED.grouped_event_ids,
			policy_id = EXCLUDED.policy_id,
			current_escalation_level = EXCLUDED.current_escalation_level,
			exhausted = EXCLUDED.exhausted,
			stale = EXCLUDED.stale,
			incident_id = EXCLUDED.incident_id,
			suppressed_by = EXCLUDED.suppressed_by,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			resolve_reason = EXCLUDED.resolve_reason,
			version = EXCLUDED.version,
			updated_at = NOW()
		WHERE alerts.version < EXCLUDED.version
	`,
		a.Fingerprint, a.RuleID, nullString(a.SourceID), a.Severity, labelsJSON, a.State, a.Value,
		a.FirstSeen, a.LastSeen, a.OccurrenceCount, groupedJSON,
		nullString(a.PolicyID), a.CurrentEscalationLevel, a.Exhausted, a.Stale,
		a.IncidentID, nullString(a.SuppressedBy),
		a.AcknowledgedAt, nullString(a.AcknowledgedBy), a.ResolvedAt, nullString(a.ResolvedBy), nullString(a.ResolveReason),
		a.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.Fingerprint, err)
	}
	return nil
}

// LoadLiveAlerts returns every alert that has not resolved.
func (s *Store) LoadLiveAlerts(ctx context.Context) ([]*types.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE state <> 'resolved'
		ORDER BY first_seen
	`)
	if err != nil {
		return nil, fmt.Errorf("query live alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// GetAlertHistory returns resolved occurrences of a fingerprint, newest
// first. Used when the in-memory archive no longer holds them.
func (s *Store) GetAlertHistory(ctx context.Context, fingerprint string, limit int) ([]*types.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE fingerprint = $1 AND state = 'resolved'
		ORDER BY resolved_at DESC
		LIMIT $2
	`, fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("query alert history: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// PruneResolvedAlerts deletes resolved alerts older than the retention
// period that are not linked to an incident.
func (s *Store) PruneResolvedAlerts(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM alerts
		WHERE state = 'resolved'
		  AND resolved_at < NOW() - make_interval(secs => $1)
		  AND incident_id IS NULL
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune resolved alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAlerts(rows pgx.Rows) ([]*types.Alert, error) {
	var alerts []*types.Alert
	for rows.Next() {
		var a types.Alert
		var labelsJSON, groupedJSON []byte
		var sourceID, policyID, suppressedBy, ackBy, resolvedBy, resolveReason *string

		err := rows.Scan(
			&a.Fingerprint, &a.RuleID, &sourceID, &a.Severity, &labelsJSON, &a.State, &a.Value,
			&a.FirstSeen, &a.LastSeen, &a.OccurrenceCount, &groupedJSON,
			&policyID, &a.CurrentEscalationLevel, &a.Exhausted, &a.Stale,
			&a.IncidentID, &suppressedBy,
			&a.AcknowledgedAt, &ackBy, &a.ResolvedAt, &resolvedBy, &resolveReason,
			&a.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if len(labelsJSON) > 0 {
			if err := json.Unmarshal(labelsJSON, &a.Labels); err != nil {
				return nil, fmt.Errorf("decode labels for %s: %w", a.Fingerprint, err)
			}
		}
		if len(groupedJSON) > 0 {
			if err := json.Unmarshal(groupedJSON, &a.GroupedEventIDs); err != nil {
				return nil, fmt.Errorf("decode grouped events for %s: %w", a.Fingerprint, err)
			}
		}
		a.SourceID = derefString(sourceID)
		a.PolicyID = derefString(policyID)
		a.SuppressedBy = derefString(suppressedBy)
		a.AcknowledgedBy = derefString(ackBy)
		a.ResolvedBy = derefString(resolvedBy)
		a.ResolveReason = derefString(resolveReason)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// =============================================================================
// ESCALATION RUNS
// =============================================================================

// SaveRun upserts the run snapshot for a fingerprint. At most one run per
// fingerprint is stored.
func (s *Store) SaveRun(ctx context.Context, run types.EscalationRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalation_runs (
			fingerprint, run_id, policy_id, state, current_level_index,
			next_escalation_at, cancelled, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (fingerprint) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			policy_id = EXCLUDED.policy_id,
			state = EXCLUDED.state,
			current_level_index = EXCLUDED.current_level_index,
			next_escalation_at = EXCLUDED.next_escalation_at,
			cancelled = EXCLUDED.cancelled,
			started_at = EXCLUDED.started_at,
			updated_at = NOW()
	`,
		run.AlertFingerprint, run.RunID, run.PolicyID, run.State, run.CurrentLevelIndex,
		nullTime(run.NextEscalationAt), run.Cancelled, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.RunID, err)
	}
	return nil
}

// DeleteRun removes the run snapshot for a fingerprint.
func (s *Store) DeleteRun(ctx context.Context, fingerprint string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM escalation_runs WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("delete run for %s: %w", fingerprint, err)
	}
	return nil
}

// LoadRuns returns the stored runs keyed by fingerprint.
func (s *Store) LoadRuns(ctx context.Context) (map[string]types.EscalationRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fingerprint, run_id, policy_id, state, current_level_index,
		       next_escalation_at, cancelled, started_at
		FROM escalation_runs
		WHERE NOT cancelled
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make(map[string]types.EscalationRun)
	for rows.Next() {
		var run types.EscalationRun
		var next *time.Time
		if err := rows.Scan(
			&run.AlertFingerprint, &run.RunID, &run.PolicyID, &run.State, &run.CurrentLevelIndex,
			&next, &run.Cancelled, &run.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.NextEscalationAt = derefTime(next)
		runs[run.AlertFingerprint] = run
	}
	return runs, rows.Err()
}
