package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/pkg/types"
)

// AutoDeclareConfig controls automatic incident declaration.
type AutoDeclareConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinSeverity is the lowest severity of a newly firing alert that
	// declares an incident.
	MinSeverity types.Severity `yaml:"min_severity"`
	// OnExhausted declares an incident when an alert's policy runs out of
	// levels regardless of its severity.
	OnExhausted bool `yaml:"on_exhausted"`
	// Buffer is the feed subscription size.
	Buffer int `yaml:"buffer"`
}

// DefaultAutoDeclareConfig returns a disabled configuration that declares
// for critical alerts once enabled.
func DefaultAutoDeclareConfig() AutoDeclareConfig {
	return AutoDeclareConfig{
		Enabled:     false,
		MinSeverity: types.SeverityCritical,
		OnExhausted: true,
		Buffer:      256,
	}
}

// AutoDeclarer watches the alert feed and declares incidents for alerts
// that cross the configured thresholds.
type AutoDeclarer struct {
	config  AutoDeclareConfig
	manager *Manager
	feed    *alerting.Feed
	logger  *slog.Logger

	mu     sync.Mutex
	cancel func()
	stopCh chan struct{}
	done   chan struct{}
}

// NewAutoDeclarer creates an auto-declarer.
func NewAutoDeclarer(config AutoDeclareConfig, manager *Manager, feed *alerting.Feed, logger *slog.Logger) *AutoDeclarer {
	if config.Buffer <= 0 {
		config.Buffer = DefaultAutoDeclareConfig().Buffer
	}
	if !config.MinSeverity.Valid() {
		config.MinSeverity = types.SeverityCritical
	}
	return &AutoDeclarer{
		config:  config,
		manager: manager,
		feed:    feed,
		logger:  logger.With("component", "incident_autodeclare"),
	}
}

// Start subscribes to the feed. It is a no-op when disabled.
func (a *AutoDeclarer) Start(ctx context.Context) {
	if !a.config.Enabled {
		a.logger.Info("incident auto-declaration disabled")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		return
	}
	ch, cancel := a.feed.Subscribe(a.config.Buffer)
	a.cancel = cancel
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})

	a.logger.Info("starting incident auto-declaration",
		"min_severity", a.config.MinSeverity,
		"on_exhausted", a.config.OnExhausted,
	)
	go a.run(ctx, ch, a.stopCh, a.done)
}

// Stop unsubscribes and waits for the loop to exit.
func (a *AutoDeclarer) Stop() {
	a.mu.Lock()
	stopCh, done, cancel := a.stopCh, a.done, a.cancel
	a.stopCh, a.done, a.cancel = nil, nil, nil
	a.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	cancel()
	<-done
	a.logger.Info("incident auto-declaration stopped")
}

func (a *AutoDeclarer) run(ctx context.Context, ch <-chan types.AlertTransition, stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			a.handle(ctx, t)
		}
	}
}

// shouldDeclare reports whether t warrants a new incident.
func (a *AutoDeclarer) shouldDeclare(t types.AlertTransition) bool {
	if t.Alert == nil || t.Alert.IncidentID != nil {
		return false
	}
	switch t.Kind {
	case types.TransitionCreated:
		return t.To == types.AlertStateFiring && t.Alert.Severity.Level() >= a.config.MinSeverity.Level()
	case types.TransitionExhausted:
		return a.config.OnExhausted
	}
	return false
}

func (a *AutoDeclarer) handle(ctx context.Context, t types.AlertTransition) {
	if !a.shouldDeclare(t) {
		return
	}
	title := fmt.Sprintf("%s firing", t.Alert.RuleID)
	if t.Kind == types.TransitionExhausted {
		title = fmt.Sprintf("%s unacknowledged after escalation", t.Alert.RuleID)
	}
	inc, err := a.manager.Declare(ctx, []string{t.Fingerprint}, t.Alert.Severity, title, types.ActorSystem)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			a.logger.Debug("alert already linked, skipping auto-declaration", "fingerprint", t.Fingerprint)
			return
		}
		a.logger.Warn("auto-declaration failed", "fingerprint", t.Fingerprint, "error", err)
		return
	}
	a.logger.Info("incident auto-declared",
		"incident_id", inc.ID,
		"fingerprint", t.Fingerprint,
		"trigger", t.Kind,
	)
}
