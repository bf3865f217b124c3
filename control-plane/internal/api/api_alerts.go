package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pilot-net/alertcore/control-plane/internal/cache"
	"github.com/pilot-net/alertcore/control-plane/internal/config"
	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// ALERT ENDPOINTS
// =============================================================================

type alertListResponse struct {
	Alerts []*types.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

// parseAlertFilter reads the alert list query parameters. Labels are given
// as repeated label=key=value parameters.
func parseAlertFilter(r *http.Request) (types.AlertFilter, error) {
	q := r.URL.Query()
	filter := types.AlertFilter{}

	if state := q.Get("state"); state != "" {
		st := types.AlertState(state)
		if !st.Valid() {
			return filter, &types.ConfigurationError{Field: "state", Reason: "unknown alert state " + strconv.Quote(state)}
		}
		filter.State = &st
	}
	if severity := q.Get("severity"); severity != "" {
		sev := types.Severity(severity)
		if !sev.Valid() {
			return filter, &types.ConfigurationError{Field: "severity", Reason: "unknown severity " + strconv.Quote(severity)}
		}
		filter.Severity = &sev
	}
	if exhausted := q.Get("exhausted"); exhausted != "" {
		ex, err := strconv.ParseBool(exhausted)
		if err != nil {
			return filter, &types.ConfigurationError{Field: "exhausted", Reason: "must be true or false"}
		}
		filter.Exhausted = &ex
	}
	if incidentID := q.Get("incident_id"); incidentID != "" {
		filter.IncidentID = &incidentID
	}
	for _, l := range q["label"] {
		k, v, ok := strings.Cut(l, "=")
		if !ok || k == "" {
			return filter, &types.ConfigurationError{Field: "label", Reason: "expected key=value, got " + strconv.Quote(l)}
		}
		if filter.Labels == nil {
			filter.Labels = make(map[string]string)
		}
		filter.Labels[k] = v
	}
	filter.Limit, filter.Offset = pagination(r)
	return filter, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseAlertFilter(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// Sorted query parameters make equivalent queries share a cache entry.
	cacheKey := r.URL.Query().Encode()
	if s.cache != nil {
		var cached alertListResponse
		if ok, err := s.cache.GetJSON(ctx, cache.NamespaceAlerts, cacheKey, &cached); err != nil {
			s.logger.Warn("alert list cache read failed", "error", err)
		} else if ok {
			w.Header().Set("X-Cache", "hit")
			s.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	alerts := s.svc.ListAlerts(ctx, filter)
	resp := alertListResponse{Alerts: alerts, Count: len(alerts)}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.NamespaceAlerts, cacheKey, resp, config.CacheTTLAlertList); err != nil {
			s.logger.Warn("failed to cache alert list", "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")

	alert, err := s.svc.GetAlert(r.Context(), fingerprint)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")
	limit, _ := pagination(r)

	history, err := s.svc.AlertHistory(r.Context(), fingerprint, limit)
	if err != nil {
		s.logger.Error("alert history failed", "fingerprint", fingerprint, "error", err)
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fingerprint,
		"occurrences": history,
		"count":       len(history),
	})
}

type acknowledgeAlertRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")

	var req acknowledgeAlertRequest
	if err := s.readOptionalJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	alert, err := s.svc.AcknowledgeAlert(r.Context(), fingerprint, actorFrom(r, req.AcknowledgedBy))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceAlerts)
	s.writeJSON(w, http.StatusOK, alert)
}

type resolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")

	var req resolveAlertRequest
	if err := s.readOptionalJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "resolved via api"
	}

	alert, err := s.svc.ResolveAlert(r.Context(), fingerprint, actorFrom(r, req.ResolvedBy), req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceAlerts)
	s.markDirty(cache.NamespaceIncidents)
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	runs := s.svc.ListEscalations()
	if runs == nil {
		runs = []types.EscalationRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"escalations": runs,
		"count":       len(runs),
	})
}
