package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// ESCALATION POLICIES
// =============================================================================

// SavePolicy upserts an escalation policy. Levels are stored as JSON.
func (s *Store) SavePolicy(ctx context.Context, p *types.EscalationPolicy) error {
	levelsJSON, err := json.Marshal(p.Levels)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escalation_policies (id, name, selector, levels, ack_timeout_seconds, repeat_interval_seconds, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			selector = EXCLUDED.selector,
			levels = EXCLUDED.levels,
			ack_timeout_seconds = EXCLUDED.ack_timeout_seconds,
			repeat_interval_seconds = EXCLUDED.repeat_interval_seconds,
			updated_at = NOW()
	`, p.ID, p.Name, p.Selector, levelsJSON, seconds(p.AckTimeout), seconds(p.RepeatInterval))
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.ID, err)
	}
	return nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM escalation_policies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	return nil
}

// ListPolicies returns all stored policies ordered by id.
func (s *Store) ListPolicies(ctx context.Context) ([]types.EscalationPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, selector, levels, ack_timeout_seconds, repeat_interval_seconds, updated_at
		FROM escalation_policies
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []types.EscalationPolicy
	for rows.Next() {
		var p types.EscalationPolicy
		var levelsJSON []byte
		var ackTimeout, repeat int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Selector, &levelsJSON, &ackTimeout, &repeat, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if err := json.Unmarshal(levelsJSON, &p.Levels); err != nil {
			return nil, fmt.Errorf("decode levels for %s: %w", p.ID, err)
		}
		p.AckTimeout = fromSeconds(ackTimeout)
		p.RepeatInterval = fromSeconds(repeat)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// =============================================================================
// MAINTENANCE WINDOWS
// =============================================================================

// SaveWindow upserts a maintenance window.
func (s *Store) SaveWindow(ctx context.Context, w *types.MaintenanceWindow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maintenance_windows (id, scope, starts_at, ends_at, recurrence, duration_seconds, comment, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			recurrence = EXCLUDED.recurrence,
			duration_seconds = EXCLUDED.duration_seconds,
			comment = EXCLUDED.comment
	`,
		w.ID, w.Scope, w.StartsAt, nullTime(w.EndsAt), nullString(w.Recurrence),
		seconds(w.Duration), nullString(w.Comment), nullString(w.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("upsert window %s: %w", w.ID, err)
	}
	return nil
}

// DeleteWindow removes a maintenance window.
func (s *Store) DeleteWindow(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM maintenance_windows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete window %s: %w", id, err)
	}
	return nil
}

// ListWindows returns windows that may still apply: recurring ones and
// one-off windows that have not ended.
func (s *Store) ListWindows(ctx context.Context, now time.Time) ([]types.MaintenanceWindow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scope, starts_at, ends_at, recurrence, duration_seconds, comment, created_by
		FROM maintenance_windows
		WHERE recurrence IS NOT NULL OR ends_at IS NULL OR ends_at > $1
		ORDER BY starts_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var windows []types.MaintenanceWindow
	for rows.Next() {
		var w types.MaintenanceWindow
		var endsAt *time.Time
		var recurrence, comment, createdBy *string
		var duration int64
		if err := rows.Scan(&w.ID, &w.Scope, &w.StartsAt, &endsAt, &recurrence, &duration, &comment, &createdBy); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		w.EndsAt = derefTime(endsAt)
		w.Recurrence = derefString(recurrence)
		w.Duration = fromSeconds(duration)
		w.Comment = derefString(comment)
		w.CreatedBy = derefString(createdBy)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// PruneExpiredWindows deletes one-off windows that ended before cutoff.
func (s *Store) PruneExpiredWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM maintenance_windows
		WHERE recurrence IS NULL AND ends_at IS NOT NULL AND ends_at <= $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
