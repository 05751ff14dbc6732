package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// knownCapabilities are the capability categories a sandbox policy may deny.
var knownCapabilities = map[string]bool{
	"process_spawn":          true,
	"raw_sockets":            true,
	"process_introspection":  true,
	"module_loading":         true,
	"unsafe_deserialization": true,
}

// Validate checks the whole document. Any failure rejects the document in
// full; a partially valid topology is never applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", gateway.ErrConfigRejected)
	}

	var errs []string

	errs = append(errs, validateServers(cfg)...)
	errs = append(errs, validateNamespaces(cfg)...)
	errs = append(errs, validateGroups(cfg)...)
	errs = append(errs, validateSandbox(cfg)...)

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", gateway.ErrConfigRejected, strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateServers(cfg *Config) []string {
	var errs []string
	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		spec := &cfg.Servers[i]
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("server %d: %v", i, err))
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Sprintf("duplicate server name %q", spec.Name))
		}
		seen[spec.Name] = true
		if spec.Namespace != "" {
			if _, ok := cfg.Namespaces[spec.Namespace]; !ok {
				errs = append(errs, fmt.Sprintf("server %q declares unknown namespace %q", spec.Name, spec.Namespace))
			}
		}
	}
	return errs
}

func validateNamespaces(cfg *Config) []string {
	var errs []string
	servers := cfg.serverNames()

	for name, ns := range cfg.Namespaces {
		for _, member := range ns.Servers {
			if !servers[member] {
				errs = append(errs, fmt.Sprintf("namespace %q references unknown server %q", name, member))
			}
		}
		for _, parent := range ns.Extends {
			if _, ok := cfg.Namespaces[parent]; !ok {
				errs = append(errs, fmt.Sprintf("namespace %q extends unknown namespace %q", name, parent))
			}
		}
	}

	if cycle := findExtendsCycle(cfg.Namespaces); cycle != "" {
		errs = append(errs, fmt.Sprintf("namespace extends cycle: %s", cycle))
	}
	return errs
}

// findExtendsCycle walks the extends graph and returns a printable cycle
// path, or "" when the graph is acyclic.
func findExtendsCycle(namespaces map[string]Namespace) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(namespaces))

	var walk func(name string, path []string) string
	walk = func(name string, path []string) string {
		switch state[name] {
		case visiting:
			return strings.Join(append(path, name), " -> ")
		case done:
			return ""
		}
		state[name] = visiting
		ns := namespaces[name]
		for _, parent := range ns.Extends {
			if _, ok := namespaces[parent]; !ok {
				continue // unknown reference reported separately
			}
			if cycle := walk(parent, append(path, name)); cycle != "" {
				return cycle
			}
		}
		state[name] = done
		return ""
	}

	for name := range namespaces {
		if cycle := walk(name, nil); cycle != "" {
			return cycle
		}
	}
	return ""
}

func validateGroups(cfg *Config) []string {
	var errs []string

	for name, group := range cfg.Groups {
		if len(group.Namespaces) == 0 {
			errs = append(errs, fmt.Sprintf("group %q has no namespaces", name))
			continue
		}

		seenForced := make(map[string]bool)
		seenPlain := make(map[string]bool)
		for _, ref := range group.Members() {
			ns, ok := cfg.Namespaces[ref.Name]
			if !ok {
				errs = append(errs, fmt.Sprintf("group %q references unknown namespace %q", name, ref.Name))
				continue
			}
			if ns.Isolated && !ref.ForceInclude {
				errs = append(errs, fmt.Sprintf(
					"group %q references isolated namespace %q without %q prefix; use %q to force inclusion",
					name, ref.Name, ForceIncludePrefix, ForceIncludePrefix+ref.Name))
			}
			if ref.ForceInclude {
				seenForced[ref.Name] = true
			} else {
				seenPlain[ref.Name] = true
			}
			// Contradictory membership (the same namespace both plain and
			// force-marked) has no defined precedence; reject it.
			if seenForced[ref.Name] && seenPlain[ref.Name] {
				errs = append(errs, fmt.Sprintf(
					"group %q references namespace %q both with and without the force marker", name, ref.Name))
			}
		}
	}
	return errs
}

func validateSandbox(cfg *Config) []string {
	if cfg.Sandbox == nil {
		return nil
	}
	var errs []string

	check := func(scope string, p SandboxPolicy) {
		if p.Timeout < 0 || (p.Timeout > 0 && p.Timeout < time.Second) {
			errs = append(errs, fmt.Sprintf("sandbox %s: timeout must be at least 1s", scope))
		}
		if p.MemoryMB < 0 {
			errs = append(errs, fmt.Sprintf("sandbox %s: memory_mb must be positive", scope))
		}
		for _, capability := range p.DenyCapabilities {
			if !knownCapabilities[capability] {
				errs = append(errs, fmt.Sprintf("sandbox %s: unknown capability category %q", scope, capability))
			}
		}
	}

	check("policy", cfg.Sandbox.Policy)
	for name, p := range cfg.Sandbox.Namespaces {
		if _, ok := cfg.Namespaces[name]; !ok {
			errs = append(errs, fmt.Sprintf("sandbox references unknown namespace %q", name))
		}
		check("namespace "+name, p)
	}
	servers := cfg.serverNames()
	for name, p := range cfg.Sandbox.Servers {
		if !servers[name] {
			errs = append(errs, fmt.Sprintf("sandbox references unknown server %q", name))
		}
		check("server "+name, p)
	}
	return errs
}
