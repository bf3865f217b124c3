package state

import (
	"sort"
	"sync"

	"github.com/pilot-net/alertcore/pkg/types"
)

// IncidentStore keeps every incident ever declared. Incidents are never
// removed.
type IncidentStore struct {
	mu        sync.RWMutex
	incidents map[string]*types.Incident
	// alertIncident maps a fingerprint to the open incident it is linked to.
	alertIncident map[string]string
}

// NewIncidentStore creates an empty store.
func NewIncidentStore() *IncidentStore {
	return &IncidentStore{
		incidents:     make(map[string]*types.Incident),
		alertIncident: make(map[string]string),
	}
}

// Get returns a clone of the incident.
func (s *IncidentStore) Get(id string) (*types.Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false
	}
	return inc.Clone(), true
}

// Put stores inc and refreshes the open-link index for its alerts. The
// store takes ownership of inc.
func (s *IncidentStore) Put(inc *types.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.incidents[inc.ID]; ok {
		for _, fp := range prev.LinkedAlertFingerprints {
			if s.alertIncident[fp] == inc.ID {
				delete(s.alertIncident, fp)
			}
		}
	}
	s.incidents[inc.ID] = inc
	if inc.Open() {
		for _, fp := range inc.LinkedAlertFingerprints {
			s.alertIncident[fp] = inc.ID
		}
	}
}

// OpenIncidentFor returns the id of the open incident fingerprint is linked to.
func (s *IncidentStore) OpenIncidentFor(fingerprint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.alertIncident[fingerprint]
	return id, ok
}

// List returns clones of incidents matching filter, most recently declared
// first. Label filters are matched by the caller.
func (s *IncidentStore) List(filter types.IncidentFilter) []*types.Incident {
	s.mu.RLock()
	out := make([]*types.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if filter.State != nil && inc.State != *filter.State {
			continue
		}
		if filter.Severity != nil && inc.Severity != *filter.Severity {
			continue
		}
		if filter.Open != nil && inc.Open() != *filter.Open {
			continue
		}
		out = append(out, inc.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeclaredAt.Equal(out[j].DeclaredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DeclaredAt.After(out[j].DeclaredAt)
	})
	return out
}

// OpenCount returns the number of non-resolved incidents.
func (s *IncidentStore) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inc := range s.incidents {
		if inc.Open() {
			n++
		}
	}
	return n
}
