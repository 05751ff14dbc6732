// Package namespace computes which backend servers are visible to a caller
// context. Resolution walks namespace inheritance depth-first with cycle
// detection, merges groups, and keeps isolated namespaces out of the
// unqualified default view.
package namespace

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Resolver answers visibility queries against one immutable topology.
// Build a new Resolver per applied configuration and publish it through a
// Store; a Resolver itself is never mutated and is safe for concurrent use.
type Resolver struct {
	namespaces map[string]config.Namespace
	groups     map[string]config.Group

	// ungrouped are servers that belong to no namespace at all. They are
	// part of the unqualified default view.
	ungrouped []string
}

// NewResolver builds a resolver from a validated configuration. Servers
// that declare an owning namespace are folded into that namespace's member
// list alongside the namespace's own declaration.
func NewResolver(cfg *config.Config) *Resolver {
	namespaces := make(map[string]config.Namespace, len(cfg.Namespaces))
	for name, ns := range cfg.Namespaces {
		namespaces[name] = ns
	}

	membership := make(map[string]bool)
	for _, ns := range namespaces {
		for _, server := range ns.Servers {
			membership[server] = true
		}
	}

	var ungrouped []string
	for i := range cfg.Servers {
		spec := &cfg.Servers[i]
		if spec.Namespace != "" {
			ns, ok := namespaces[spec.Namespace]
			if ok && !contains(ns.Servers, spec.Name) {
				ns.Servers = append(append([]string(nil), ns.Servers...), spec.Name)
				namespaces[spec.Namespace] = ns
			}
			continue
		}
		if !membership[spec.Name] {
			ungrouped = append(ungrouped, spec.Name)
		}
	}
	sort.Strings(ungrouped)

	return &Resolver{
		namespaces: namespaces,
		groups:     cfg.Groups,
		ungrouped:  ungrouped,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Resolve returns the deterministic, duplicate-free server set for a
// namespace, following the extends chain. A cycle aborts resolution and
// names the offending path.
func (r *Resolver) Resolve(name string) ([]string, error) {
	if _, ok := r.namespaces[name]; !ok {
		return nil, fmt.Errorf("%w: unknown namespace %q", gateway.ErrRouting, name)
	}

	resolved := make(map[string]bool)
	if err := r.walk(name, resolved, nil); err != nil {
		return nil, err
	}
	return sortedKeys(resolved), nil
}

// walk collects member servers depth-first. The path doubles as the
// visiting set for cycle detection; the graph is small enough that a
// linear scan beats bookkeeping a second structure.
func (r *Resolver) walk(name string, resolved map[string]bool, path []string) error {
	for _, seen := range path {
		if seen == name {
			return fmt.Errorf("%w: namespace extends cycle: %s",
				gateway.ErrConfigRejected, strings.Join(append(path, name), " -> "))
		}
	}

	ns, ok := r.namespaces[name]
	if !ok {
		return fmt.Errorf("%w: namespace %q extends unknown namespace", gateway.ErrRouting, name)
	}

	for _, server := range ns.Servers {
		resolved[server] = true
	}
	for _, parent := range ns.Extends {
		if err := r.walk(parent, resolved, append(path, name)); err != nil {
			return err
		}
	}
	return nil
}

// ResolveGroup unions the resolved sets of the group's member namespaces.
// Force-included isolated namespaces are honored but always logged as a
// policy exception with an audit id.
func (r *Resolver) ResolveGroup(name string) ([]string, error) {
	group, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group %q", gateway.ErrRouting, name)
	}

	union := make(map[string]bool)
	for _, ref := range group.Members() {
		if ref.ForceInclude && r.IsIsolated(ref.Name) {
			logger.Warnw("policy exception: group force-includes isolated namespace",
				"group", name,
				"namespace", ref.Name,
				"audit_id", uuid.NewString())
		}
		servers, err := r.Resolve(ref.Name)
		if err != nil {
			return nil, fmt.Errorf("resolving group %q: %w", name, err)
		}
		for _, server := range servers {
			union[server] = true
		}
	}
	return sortedKeys(union), nil
}

// ResolveDefault returns the unqualified view: the union of every
// non-isolated namespace plus servers that belong to no namespace.
// Isolated namespaces are never included implicitly.
func (r *Resolver) ResolveDefault() []string {
	union := make(map[string]bool)
	for name, ns := range r.namespaces {
		if ns.Isolated {
			continue
		}
		servers, err := r.Resolve(name)
		if err != nil {
			logger.Warnf("Skipping namespace %q in default view: %v", name, err)
			continue
		}
		for _, server := range servers {
			union[server] = true
		}
	}
	for _, server := range r.ungrouped {
		union[server] = true
	}
	return sortedKeys(union)
}

// ResolveEndpoint maps a caller-supplied name to a server set. An empty
// name selects the default view. Groups take precedence over namespaces of
// the same name. Unknown names are a not-found error, never a silent
// fallback to the default set.
func (r *Resolver) ResolveEndpoint(name string) ([]string, error) {
	if name == "" {
		return r.ResolveDefault(), nil
	}
	if _, ok := r.groups[name]; ok {
		return r.ResolveGroup(name)
	}
	if _, ok := r.namespaces[name]; ok {
		return r.Resolve(name)
	}
	return nil, fmt.Errorf("%w: unknown namespace or group %q", gateway.ErrRouting, name)
}

// IsIsolated reports whether a namespace is excluded from the default view.
// Unknown namespaces report false.
func (r *Resolver) IsIsolated(name string) bool {
	ns, ok := r.namespaces[name]
	return ok && ns.Isolated
}

// Parents returns the direct extends list for a namespace, used when
// merging inherited sandbox policies.
func (r *Resolver) Parents(name string) []string {
	return r.namespaces[name].Extends
}

// Names returns all namespace names, sorted.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Store publishes the active resolver atomically. Readers always observe
// a complete resolver; a reconfigure swaps the whole pointer.
type Store struct {
	current atomic.Pointer[Resolver]
}

// NewStore creates a store holding the given resolver.
func NewStore(r *Resolver) *Store {
	s := &Store{}
	s.current.Store(r)
	return s
}

// Load returns the active resolver.
func (s *Store) Load() *Resolver {
	return s.current.Load()
}

// Swap atomically replaces the active resolver.
func (s *Store) Swap(r *Resolver) {
	s.current.Store(r)
}
