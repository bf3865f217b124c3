// Package state holds the in-memory live alert index and incident store.
//
// Both are explicitly owned objects handed to the alert and incident
// managers at construction; nothing else mutates them. Values are stored
// copy-on-write: readers always receive clones and writers replace whole
// records, so a reader never observes a half-applied mutation.
package state

import (
	"sort"
	"sync"

	"github.com/pilot-net/alertcore/pkg/types"
)

// DefaultHistorySize bounds how many archived alerts are kept in memory.
const DefaultHistorySize = 10000

// AlertIndex maps fingerprints to live alerts and keeps a bounded history
// of archived ones.
type AlertIndex struct {
	mu          sync.RWMutex
	live        map[string]*types.Alert
	archived    map[string]*types.Alert // latest archived alert per fingerprint
	history     []string                // archived fingerprints, oldest first
	historySize int
}

// NewAlertIndex creates an empty index.
func NewAlertIndex(historySize int) *AlertIndex {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &AlertIndex{
		live:        make(map[string]*types.Alert),
		archived:    make(map[string]*types.Alert),
		historySize: historySize,
	}
}

// Get returns a clone of the live alert for fingerprint.
func (x *AlertIndex) Get(fingerprint string) (*types.Alert, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.live[fingerprint]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Archived returns a clone of the most recent archived alert for fingerprint.
func (x *AlertIndex) Archived(fingerprint string) (*types.Alert, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.archived[fingerprint]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Put stores a as the live alert for its fingerprint. The index takes
// ownership of a.
func (x *AlertIndex) Put(a *types.Alert) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.live[a.Fingerprint] = a
}

// PutArchived replaces the archived record for a's fingerprint without
// touching history order.
func (x *AlertIndex) PutArchived(a *types.Alert) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.archived[a.Fingerprint]; ok {
		x.archived[a.Fingerprint] = a
	}
}

// Archive removes the live alert and records a as its final state.
func (x *AlertIndex) Archive(a *types.Alert) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.live, a.Fingerprint)
	if _, ok := x.archived[a.Fingerprint]; !ok {
		x.history = append(x.history, a.Fingerprint)
	}
	x.archived[a.Fingerprint] = a
	for len(x.history) > x.historySize {
		delete(x.archived, x.history[0])
		x.history = x.history[1:]
	}
}

// Live returns clones of all live alerts matching filter, most recently
// seen first. Limit and Offset are applied.
func (x *AlertIndex) Live(filter types.AlertFilter) []*types.Alert {
	x.mu.RLock()
	out := make([]*types.Alert, 0, len(x.live))
	for _, a := range x.live {
		if filter.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	x.mu.RUnlock()
	return page(out, filter.Limit, filter.Offset)
}

// History returns clones of archived alerts matching filter, most recently
// seen first.
func (x *AlertIndex) History(filter types.AlertFilter) []*types.Alert {
	x.mu.RLock()
	out := make([]*types.Alert, 0, len(x.archived))
	for _, a := range x.archived {
		if filter.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	x.mu.RUnlock()
	return page(out, filter.Limit, filter.Offset)
}

// Fingerprints returns the fingerprints of live alerts in state.
func (x *AlertIndex) Fingerprints(state types.AlertState) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for fp, a := range x.live {
		if a.State == state {
			out = append(out, fp)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of live alerts per state and how many are
// exhausted.
func (x *AlertIndex) Counts() (map[types.AlertState]int, int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	counts := make(map[types.AlertState]int)
	exhausted := 0
	for _, a := range x.live {
		counts[a.State]++
		if a.Exhausted {
			exhausted++
		}
	}
	return counts, exhausted
}

// Len returns the number of live alerts.
func (x *AlertIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.live)
}

func page(alerts []*types.Alert, limit, offset int) []*types.Alert {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].LastSeen.Equal(alerts[j].LastSeen) {
			return alerts[i].Fingerprint < alerts[j].Fingerprint
		}
		return alerts[i].LastSeen.After(alerts[j].LastSeen)
	})
	if offset > 0 {
		if offset >= len(alerts) {
			return []*types.Alert{}
		}
		alerts = alerts[offset:]
	}
	if limit > 0 && limit < len(alerts) {
		alerts = alerts[:limit]
	}
	return alerts
}
