package alerting

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pilot-net/alertcore/pkg/types"
)

type compiledWindow struct {
	window   types.MaintenanceWindow
	selector Selector
	schedule cron.Schedule // nil for one-off windows
}

// activeAt reports whether now falls inside [StartsAt, EndsAt), or for
// recurring windows inside [occurrence, occurrence+Duration) for an
// occurrence inside the bounds.
func (w *compiledWindow) activeAt(now time.Time) bool {
	if now.Before(w.window.StartsAt) {
		return false
	}
	if w.schedule == nil {
		return now.Before(w.window.EndsAt)
	}
	d := w.window.Duration.Std()
	occ := w.schedule.Next(now.Add(-d))
	if occ.After(now) || occ.Before(w.window.StartsAt) {
		return false
	}
	return w.window.EndsAt.IsZero() || occ.Before(w.window.EndsAt)
}

// expiredAt reports whether the window can never be active again.
func (w *compiledWindow) expiredAt(now time.Time) bool {
	return !w.window.EndsAt.IsZero() && !now.Before(w.window.EndsAt) &&
		(w.schedule == nil || !w.activeAt(now))
}

func compileWindow(w types.MaintenanceWindow) (*compiledWindow, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	sel, err := ParseSelector(w.Scope)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "window." + w.ID + ".scope", Reason: err.Error()}
	}
	cw := &compiledWindow{window: w, selector: sel}
	if w.Recurrence != "" {
		sched, err := cron.ParseStandard(w.Recurrence)
		if err != nil {
			return nil, &types.ConfigurationError{Field: "window." + w.ID + ".recurrence", Reason: err.Error()}
		}
		cw.schedule = sched
	}
	return cw, nil
}

// MaintenanceFilter answers whether an alert is covered by an active
// maintenance window. The window set is replaced atomically, so lookups
// take no lock.
type MaintenanceFilter struct {
	writeMu sync.Mutex
	windows atomic.Pointer[[]*compiledWindow]
}

// NewMaintenanceFilter creates a filter with no windows.
func NewMaintenanceFilter() *MaintenanceFilter {
	f := &MaintenanceFilter{}
	empty := []*compiledWindow{}
	f.windows.Store(&empty)
	return f
}

// SetWindows replaces every window. Nothing is activated if any window is
// invalid.
func (f *MaintenanceFilter) SetWindows(windows []types.MaintenanceWindow) error {
	compiled := make([]*compiledWindow, 0, len(windows))
	seen := make(map[string]bool, len(windows))
	for _, w := range windows {
		if seen[w.ID] {
			return &types.ConflictError{Kind: "window", ID: w.ID, Reason: "duplicate window id"}
		}
		seen[w.ID] = true
		cw, err := compileWindow(w)
		if err != nil {
			return err
		}
		compiled = append(compiled, cw)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.windows.Store(&compiled)
	return nil
}

// Upsert creates or replaces one window.
func (f *MaintenanceFilter) Upsert(w types.MaintenanceWindow) error {
	cw, err := compileWindow(w)
	if err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	current := *f.windows.Load()
	next := make([]*compiledWindow, 0, len(current)+1)
	replaced := false
	for _, existing := range current {
		if existing.window.ID == w.ID {
			next = append(next, cw)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, cw)
	}
	f.windows.Store(&next)
	return nil
}

// Remove deletes a window. It reports whether the window existed.
func (f *MaintenanceFilter) Remove(id string) bool {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	current := *f.windows.Load()
	next := make([]*compiledWindow, 0, len(current))
	for _, existing := range current {
		if existing.window.ID != id {
			next = append(next, existing)
		}
	}
	f.windows.Store(&next)
	return len(next) != len(current)
}

// PruneExpired removes windows that can never be active again and returns
// their ids.
func (f *MaintenanceFilter) PruneExpired(now time.Time) []string {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	current := *f.windows.Load()
	next := make([]*compiledWindow, 0, len(current))
	var removed []string
	for _, cw := range current {
		if cw.expiredAt(now) {
			removed = append(removed, cw.window.ID)
			continue
		}
		next = append(next, cw)
	}
	if len(removed) > 0 {
		f.windows.Store(&next)
	}
	return removed
}

// IsSuppressed reports whether any window active at now matches the
// alert's labels.
func (f *MaintenanceFilter) IsSuppressed(alert *types.Alert, now time.Time) bool {
	_, ok := f.ActiveWindow(alert.Labels, now)
	return ok
}

// ActiveWindow returns the id of the first active window matching labels.
func (f *MaintenanceFilter) ActiveWindow(labels map[string]string, now time.Time) (string, bool) {
	for _, cw := range *f.windows.Load() {
		if cw.activeAt(now) && cw.selector.Matches(labels) {
			return cw.window.ID, true
		}
	}
	return "", false
}

// Get returns a window by id.
func (f *MaintenanceFilter) Get(id string) (types.MaintenanceWindow, bool) {
	for _, cw := range *f.windows.Load() {
		if cw.window.ID == id {
			return cw.window, true
		}
	}
	return types.MaintenanceWindow{}, false
}

// Windows returns every window ordered by start time.
func (f *MaintenanceFilter) Windows() []types.MaintenanceWindow {
	current := *f.windows.Load()
	out := make([]types.MaintenanceWindow, 0, len(current))
	for _, cw := range current {
		out = append(out, cw.window)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out
}

// Active returns the ids of windows active at now.
func (f *MaintenanceFilter) Active(now time.Time) []string {
	var ids []string
	for _, cw := range *f.windows.Load() {
		if cw.activeAt(now) {
			ids = append(ids, cw.window.ID)
		}
	}
	return ids
}
