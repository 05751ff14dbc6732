package config

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

const (
	// defaultCheckInterval is how often the watcher polls the file's mtime.
	defaultCheckInterval = time.Second

	// settleDelay gives editors and atomic-rename writers a moment to
	// finish before the file is read.
	settleDelay = 100 * time.Millisecond
)

// ReloadFunc receives each validated topology after a detected change.
type ReloadFunc func(ctx context.Context, cfg *Config) error

// Watcher polls a topology file and invokes a callback with validated
// replacements. Documents that fail validation are reported and dropped;
// the callback never sees them, so the previous topology stays live.
type Watcher struct {
	path     string
	interval time.Duration
	reload   ReloadFunc

	lastMtime time.Time
	reloading atomic.Bool
}

// NewWatcher creates a watcher for path. A non-positive interval takes the
// default of one second.
func NewWatcher(path string, interval time.Duration, reload ReloadFunc) *Watcher {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Watcher{path: path, interval: interval, reload: reload}
}

// Run polls until the context is cancelled. The starting mtime is recorded
// first so the initial load is not re-delivered.
func (w *Watcher) Run(ctx context.Context) {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMtime = info.ModTime()
	}
	logger.Infof("Watching %s for configuration changes", w.path)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Config watcher stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		// The file may be mid-rename; try again on the next tick.
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}
	w.lastMtime = info.ModTime()

	if !w.reloading.CompareAndSwap(false, true) {
		logger.Warn("Already reloading, skipping this change")
		return
	}
	defer w.reloading.Store(false)

	time.Sleep(settleDelay)

	cfg, err := Load(w.path)
	if err != nil {
		if errors.Is(err, gateway.ErrConfigRejected) {
			logger.Errorf("Config validation failed, keeping previous topology: %v", err)
		} else {
			logger.Errorf("Config reload failed: %v", err)
		}
		return
	}

	if err := w.reload(ctx, cfg); err != nil {
		logger.Errorf("Applying reloaded config failed: %v", err)
		return
	}
	logger.Info("Config reloaded successfully")
}
