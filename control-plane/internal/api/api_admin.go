package api

import (
	"net/http"

	"github.com/pilot-net/alertcore/control-plane/internal/cache"
	"github.com/pilot-net/alertcore/pkg/types"
)

// =============================================================================
// ESCALATION POLICIES
// =============================================================================

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.svc.ListPolicies(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p types.EscalationPolicy
	if err := s.readJSON(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	saved, err := s.svc.CreatePolicy(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("policy created via api", "policy_id", saved.ID, "actor", actorFrom(r, ""))
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p types.EscalationPolicy
	if err := s.readJSON(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if p.ID != "" && p.ID != id {
		s.writeError(w, http.StatusBadRequest, "policy id does not match path")
		return
	}
	p.ID = id

	saved, err := s.svc.PutPolicy(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("policy written via api", "policy_id", id, "actor", actorFrom(r, ""))
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.DeletePolicy(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("policy deleted via api", "policy_id", id, "actor", actorFrom(r, ""))
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// MAINTENANCE WINDOWS
// =============================================================================

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	windows := s.svc.ListWindows(r.Context())
	active := s.svc.ActiveWindows(r.Context())
	if active == nil {
		active = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"windows": windows,
		"active":  active,
		"count":   len(windows),
	})
}

func (s *Server) handlePutWindow(w http.ResponseWriter, r *http.Request) {
	var mw types.MaintenanceWindow
	if err := s.readJSON(r, &mw); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if mw.ID != "" && mw.ID != id {
		s.writeError(w, http.StatusBadRequest, "window id does not match path")
		return
	}
	mw.ID = id

	saved, err := s.svc.PutWindow(r.Context(), mw)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// Suppression state of live alerts may have changed.
	s.markDirty(cache.NamespaceAlerts)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteWindow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.DeleteWindow(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.markDirty(cache.NamespaceAlerts)
	w.WriteHeader(http.StatusNoContent)
}
