package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pilot-net/alertcore/control-plane/internal/cache"
	"github.com/pilot-net/alertcore/control-plane/internal/config"
	"github.com/pilot-net/alertcore/control-plane/internal/service"
	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// INCIDENT ENDPOINTS
// =============================================================================

type incidentListResponse struct {
	Incidents []*types.Incident `json:"incidents"`
	Count     int               `json:"count"`
}

func parseIncidentFilter(r *http.Request) (types.IncidentFilter, error) {
	q := r.URL.Query()
	filter := types.IncidentFilter{}

	if state := q.Get("state"); state != "" {
		st := types.IncidentState(state)
		if !st.Valid() {
			return filter, &types.ConfigurationError{Field: "state", Reason: "unknown incident state " + strconv.Quote(state)}
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
	if open := q.Get("open"); open != "" {
		o, err := strconv.ParseBool(open)
		if err != nil {
			return filter, &types.ConfigurationError{Field: "open", Reason: "must be true or false"}
		}
		filter.Open = &o
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

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseIncidentFilter(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	cacheKey := r.URL.Query().Encode()
	if s.cache != nil {
		var cached incidentListResponse
		if ok, err := s.cache.GetJSON(ctx, cache.NamespaceIncidents, cacheKey, &cached); err != nil {
			s.logger.Warn("incident list cache read failed", "error", err)
		} else if ok {
			w.Header().Set("X-Cache", "hit")
			s.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	incidents := s.svc.ListIncidents(ctx, filter)
	resp := incidentListResponse{Incidents: incidents, Count: len(incidents)}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.NamespaceIncidents, cacheKey, resp, config.CacheTTLIncidentList); err != nil {
			s.logger.Warn("failed to cache incident list", "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeclareIncident(w http.ResponseWriter, r *http.Request) {
	var req service.DeclareIncidentRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Actor = actorFrom(r, req.Actor)

	inc, err := s.svc.DeclareIncident(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceIncidents)
	s.markDirty(cache.NamespaceAlerts)
	s.writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.svc.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

type linkAlertRequest struct {
	Fingerprint string `json:"fingerprint"`
	Actor       string `json:"actor"`
}

func (s *Server) handleLinkAlert(w http.ResponseWriter, r *http.Request) {
	var req linkAlertRequest
	if err := s.readJSON(r, &req); err != nil || req.Fingerprint == "" {
		s.writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}

	inc, err := s.svc.LinkAlert(r.Context(), r.PathValue("id"), req.Fingerprint, actorFrom(r, req.Actor))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceIncidents)
	s.markDirty(cache.NamespaceAlerts)
	s.writeJSON(w, http.StatusOK, inc)
}

type transitionIncidentRequest struct {
	State types.IncidentState `json:"state"`
	Actor string              `json:"actor"`
}

func (s *Server) handleTransitionIncident(w http.ResponseWriter, r *http.Request) {
	var req transitionIncidentRequest
	if err := s.readJSON(r, &req); err != nil || !req.State.Valid() {
		s.writeError(w, http.StatusBadRequest, "a valid target state is required")
		return
	}

	inc, err := s.svc.TransitionIncident(r.Context(), r.PathValue("id"), req.State, actorFrom(r, req.Actor))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceIncidents)
	s.writeJSON(w, http.StatusOK, inc)
}

type resolveIncidentRequest struct {
	Summary string `json:"summary"`
	Actor   string `json:"actor"`
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req resolveIncidentRequest
	if err := s.readOptionalJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inc, err := s.svc.ResolveIncident(r.Context(), r.PathValue("id"), actorFrom(r, req.Actor), req.Summary)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceIncidents)
	s.markDirty(cache.NamespaceAlerts)
	s.writeJSON(w, http.StatusOK, inc)
}

type addNoteRequest struct {
	Note  string `json:"note"`
	Actor string `json:"actor"`
}

func (s *Server) handleAddIncidentNote(w http.ResponseWriter, r *http.Request) {
	var req addNoteRequest
	if err := s.readJSON(r, &req); err != nil || req.Note == "" {
		s.writeError(w, http.StatusBadRequest, "note is required")
		return
	}

	entry, err := s.svc.AddIncidentNote(r.Context(), r.PathValue("id"), actorFrom(r, req.Actor), req.Note)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}
