package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// INCIDENTS
// =============================================================================

// SaveIncident upserts an incident and appends any timeline entries not yet
// stored. Timeline rows are never updated.
func (s *Store) SaveIncident(ctx context.Context, inc *types.Incident) error {
	var postmortemJSON []byte
	if inc.Postmortem != nil {
		var err error
		postmortemJSON, err = json.Marshal(inc.Postmortem)
		if err != nil {
			return fmt.Errorf("marshal postmortem: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO incidents (
			id, title, severity, state, linked_alert_fingerprints,
			declared_at, declared_by, updated_at,
			resolved_at, resolved_by, summary,
			postmortem_required, postmortem
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			severity = EXCLUDED.severity,
			state = EXCLUDED.state,
			linked_alert_fingerprints = EXCLUDED.linked_alert_fingerprints,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			summary = EXCLUDED.summary,
			postmortem_required = EXCLUDED.postmortem_required,
			postmortem = EXCLUDED.postmortem
		WHERE incidents.updated_at <= EXCLUDED.updated_at
	`,
		inc.ID, inc.Title, inc.Severity, inc.State, inc.LinkedAlertFingerprints,
		inc.DeclaredAt, inc.DeclaredBy, inc.UpdatedAt,
		inc.ResolvedAt, nullString(inc.ResolvedBy), nullString(inc.Summary),
		inc.PostmortemRequired, postmortemJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}

	if len(inc.Timeline) > 0 {
		batch := &pgx.Batch{}
		for _, e := range inc.Timeline {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("marshal timeline entry %d: %w", e.Seq, err)
			}
			batch.Queue(`
				INSERT INTO incident_timeline (incident_id, seq, ts, actor, kind, payload)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (incident_id, seq) DO NOTHING
			`, inc.ID, int64(e.Seq), e.Timestamp, e.Actor, e.Kind, payload)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert timeline for %s: %w", inc.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetIncident retrieves an incident with its timeline, or nil if it does
// not exist.
func (s *Store) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	rows, err := s.pool.Query(ctx, incidentSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query incident: %w", err)
	}
	incidents, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}
	if len(incidents) == 0 {
		return nil, nil
	}
	if err := s.loadTimelines(ctx, incidents); err != nil {
		return nil, err
	}
	return incidents[0], nil
}

// LoadIncidents returns every incident with its timeline.
func (s *Store) LoadIncidents(ctx context.Context) ([]*types.Incident, error) {
	rows, err := s.pool.Query(ctx, incidentSelect+` ORDER BY declared_at`)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	incidents, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadTimelines(ctx, incidents); err != nil {
		return nil, err
	}
	return incidents, nil
}

const incidentSelect = `
	SELECT id, title, severity, state, linked_alert_fingerprints,
	       declared_at, declared_by, updated_at,
	       resolved_at, resolved_by, summary,
	       postmortem_required, postmortem
	FROM incidents`

func scanIncidents(rows pgx.Rows) ([]*types.Incident, error) {
	defer rows.Close()

	var incidents []*types.Incident
	for rows.Next() {
		var inc types.Incident
		var resolvedBy, summary *string
		var postmortemJSON []byte
		if err := rows.Scan(
			&inc.ID, &inc.Title, &inc.Severity, &inc.State, &inc.LinkedAlertFingerprints,
			&inc.DeclaredAt, &inc.DeclaredBy, &inc.UpdatedAt,
			&inc.ResolvedAt, &resolvedBy, &summary,
			&inc.PostmortemRequired, &postmortemJSON,
		); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.ResolvedBy = derefString(resolvedBy)
		inc.Summary = derefString(summary)
		if len(postmortemJSON) > 0 {
			inc.Postmortem = &types.Postmortem{}
			if err := json.Unmarshal(postmortemJSON, inc.Postmortem); err != nil {
				return nil, fmt.Errorf("decode postmortem for %s: %w", inc.ID, err)
			}
		}
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}

// loadTimelines fills the timeline of each incident in one query.
func (s *Store) loadTimelines(ctx context.Context, incidents []*types.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	ids := make([]string, len(incidents))
	byID := make(map[string]*types.Incident, len(incidents))
	for i, inc := range incidents {
		ids[i] = inc.ID
		byID[inc.ID] = inc
	}

	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, seq, ts, actor, kind, payload
		FROM incident_timeline
		WHERE incident_id = ANY($1)
		ORDER BY incident_id, seq
	`, ids)
	if err != nil {
		return fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var incidentID string
		var seq int64
		var payload []byte
		var e types.TimelineEntry
		if err := rows.Scan(&incidentID, &seq, &e.Timestamp, &e.Actor, &e.Kind, &payload); err != nil {
			return fmt.Errorf("scan timeline entry: %w", err)
		}
		e.Seq = uint64(seq)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return fmt.Errorf("decode timeline payload: %w", err)
			}
		}
		if inc, ok := byID[incidentID]; ok {
			inc.Timeline = append(inc.Timeline, e)
		}
	}
	return rows.Err()
}
