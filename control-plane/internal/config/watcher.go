package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
)

// Watcher reloads the configuration file when it changes. A file that fails
// to parse or validate is logged and ignored; the previous configuration
// stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*File)
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches path. The parent directory is watched rather than the
// file so editors that replace the file by rename are followed.
func NewWatcher(path string, onChange func(*File), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		debounce: ReloadDebounce,
		onChange: onChange,
		logger:   logger.With("component", "config_watcher"),
		watcher:  fw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
	w.logger.Info("config watcher started", "path", w.path)
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
	_ = w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-fire:
			fire = nil
			w.Reload()
		}
	}
}

// Reload loads the file now and hands it to the callback if it is valid.
func (w *Watcher) Reload() bool {
	f, err := Load(w.path)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("failure").Inc()
		w.logger.Error("config reload rejected, keeping previous configuration", "error", err)
		return false
	}
	metrics.ConfigReloadsTotal.WithLabelValues("success").Inc()
	w.logger.Info("config reloaded",
		"rules", len(f.Rules),
		"policies", len(f.Policies),
		"windows", len(f.MaintenanceWindows),
		"providers", len(f.Providers))
	w.onChange(f)
	return true
}
