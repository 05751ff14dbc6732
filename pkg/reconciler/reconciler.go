// Package reconciler applies topology documents to the running gateway.
// A reload computes the minimal difference against the live topology:
// backends whose launch parameters are unchanged are left untouched,
// removed backends are stopped, and added or changed backends are
// (re)launched. Visibility rules swap atomically alongside.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/namespace"
)

// applyConcurrency bounds how many backends are launched or stopped in
// parallel during a reload.
const applyConcurrency = 4

// discoverTimeout bounds the tools/list discovery that follows a backend
// handshake. The observer runs on the supervisor's apply path, so a
// backend that handshakes but never answers discovery must not hold that
// path open-endedly.
const discoverTimeout = 15 * time.Second

// ProcessManager is the supervisor surface the reconciler drives.
type ProcessManager interface {
	StartAll(ctx context.Context, specs []gateway.BackendSpec)
	Apply(ctx context.Context, spec gateway.BackendSpec) error
	Remove(ctx context.Context, name string) error
}

// Catalog is the manifest surface the reconciler maintains as backends
// come and go.
type Catalog interface {
	Refresh(ctx context.Context, backend string) error
	Remove(backend string)
}

// ToolSync is notified after the catalog or visibility rules change so the
// caller-facing surface can re-derive its registered tools.
type ToolSync interface {
	SyncTools()
}

// Reconciler owns the live configuration and the transitions between
// configurations. It also implements supervisor.Observer so backend
// availability flows into the catalog.
type Reconciler struct {
	procs ProcessManager
	cat   Catalog
	store *namespace.Store

	mu      sync.Mutex
	current *config.Config

	syncMu sync.Mutex
	sync   ToolSync
}

// New creates a reconciler. The process manager is attached separately
// because the supervisor needs the reconciler as its observer.
func New(cat Catalog, store *namespace.Store) *Reconciler {
	return &Reconciler{cat: cat, store: store}
}

// AttachProcessManager wires the supervisor in. Must be called before
// Start.
func (r *Reconciler) AttachProcessManager(p ProcessManager) {
	r.procs = p
}

// SetToolSync installs the caller-facing surface to notify on changes.
func (r *Reconciler) SetToolSync(s ToolSync) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	r.sync = s
}

// Current returns the live configuration.
func (r *Reconciler) Current() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Start brings up the initial topology. Launches are staggered by the
// process manager; discovery happens as each backend reports running.
func (r *Reconciler) Start(ctx context.Context, cfg *config.Config) {
	r.mu.Lock()
	r.current = cfg
	r.mu.Unlock()

	r.store.Swap(namespace.NewResolver(cfg))
	r.procs.StartAll(ctx, cfg.Servers)
}

// Reload transitions to a new, already validated configuration. Backends
// with identical launch parameters keep running and keep their sessions;
// everything else is stopped, started, or restarted as needed.
func (r *Reconciler) Reload(ctx context.Context, next *config.Config) error {
	r.mu.Lock()
	previous := r.current
	r.current = next
	r.mu.Unlock()

	if previous == nil {
		r.Start(ctx, next)
		return nil
	}

	// New visibility rules apply immediately, including to backends that
	// are still being relaunched below.
	r.store.Swap(namespace.NewResolver(next))

	added, changed, removed, unchanged := diff(previous, next)
	logger.Infof("Reloading topology: %d added, %d changed, %d removed, %d unchanged",
		len(added), len(changed), len(removed), len(unchanged))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(applyConcurrency)

	for _, name := range removed {
		name := name
		g.Go(func() error {
			r.cat.Remove(name)
			if err := r.procs.Remove(ctx, name); err != nil {
				return fmt.Errorf("removing backend %s: %w", name, err)
			}
			return nil
		})
	}
	for _, spec := range append(added, changed...) {
		spec := spec
		g.Go(func() error {
			if err := r.procs.Apply(ctx, spec); err != nil {
				// The restart policy keeps trying; a failed launch must
				// not abort the rest of the reload.
				logger.Errorf("Backend %s failed to apply: %v", spec.Name, err)
			}
			return nil
		})
	}

	err := g.Wait()
	r.notify()
	return err
}

// BackendRunning implements supervisor.Observer: a freshly handshaken
// backend gets discovered and its tools published.
func (r *Reconciler) BackendRunning(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()
	if err := r.cat.Refresh(ctx, name); err != nil {
		logger.Errorf("Discovering tools of backend %s: %v", name, err)
	}
	r.notify()
}

// BackendStopped implements supervisor.Observer: an unavailable backend's
// tools leave the catalog.
func (r *Reconciler) BackendStopped(name string) {
	r.cat.Remove(name)
	r.notify()
}

func (r *Reconciler) notify() {
	r.syncMu.Lock()
	s := r.sync
	r.syncMu.Unlock()
	if s != nil {
		s.SyncTools()
	}
}

// diff buckets the new document's servers against the previous one by
// launch parameters.
func diff(previous, next *config.Config) (added, changed []gateway.BackendSpec, removed, unchanged []string) {
	old := make(map[string]*gateway.BackendSpec, len(previous.Servers))
	for i := range previous.Servers {
		old[previous.Servers[i].Name] = &previous.Servers[i]
	}

	seen := make(map[string]bool, len(next.Servers))
	for i := range next.Servers {
		spec := next.Servers[i]
		seen[spec.Name] = true
		prev, existed := old[spec.Name]
		switch {
		case !existed:
			added = append(added, spec)
		case !prev.LaunchEqual(&spec):
			changed = append(changed, spec)
		default:
			unchanged = append(unchanged, spec.Name)
		}
	}
	for name := range old {
		if !seen[name] {
			removed = append(removed, name)
		}
	}
	return added, changed, removed, unchanged
}
