// Package config provides the topology document consumed by the gateway
// core: backend servers, namespaces, groups, and sandbox policy.
//
// The loader accepts YAML or JSON, interpolates ${ENV} references, and
// validates the document wholesale. A document that fails validation is
// rejected in full; callers keep whatever topology was previously live.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// DefaultStartupTimeout bounds the initialize handshake when a server entry
// does not declare its own. Generous because npx-style launchers may fetch
// packages on first run.
const DefaultStartupTimeout = 60 * time.Second

// ForceIncludePrefix marks a group member that pulls in an otherwise
// isolated namespace. Its use is always surfaced in the audit log.
const ForceIncludePrefix = "!"

// Config is the validated topology document.
type Config struct {
	// Servers describes the backend processes to supervise.
	Servers []gateway.BackendSpec `json:"servers" yaml:"servers"`

	// Namespaces partition which backends a caller context may see.
	Namespaces map[string]Namespace `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`

	// Groups are named unions of namespaces.
	Groups map[string]Group `json:"groups,omitempty" yaml:"groups,omitempty"`

	// Sandbox configures the caller-submitted code execution path.
	Sandbox *SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
}

// Namespace is a named set of backend servers with optional inheritance.
type Namespace struct {
	// Servers are the member backend names, in declaration order.
	Servers []string `json:"servers" yaml:"servers"`

	// Extends lists namespaces whose resolved servers are inherited.
	// The extends graph must be acyclic.
	Extends []string `json:"extends,omitempty" yaml:"extends,omitempty"`

	// Isolated namespaces are excluded from the unqualified default view
	// and must be addressed explicitly or force-included via a group.
	Isolated bool `json:"isolated,omitempty" yaml:"isolated,omitempty"`
}

// UnmarshalYAML accepts either the full object form or a bare server list,
// and a scalar or list for extends.
func (n *Namespace) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&n.Servers)
	}

	var raw struct {
		Servers  []string   `yaml:"servers"`
		Extends  stringList `yaml:"extends"`
		Isolated bool       `yaml:"isolated"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n.Servers = raw.Servers
	n.Extends = raw.Extends
	n.Isolated = raw.Isolated
	return nil
}

// stringList decodes either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		*s = []string{one}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Group is a named union of namespaces. A member prefixed with "!" force
// includes an otherwise isolated namespace.
type Group struct {
	Namespaces []string `json:"namespaces" yaml:"namespaces"`
}

// NamespaceRef is one parsed group member.
type NamespaceRef struct {
	// Name is the namespace name without any marker.
	Name string

	// ForceInclude is set when the member carried the "!" prefix.
	ForceInclude bool
}

// Members parses the group's namespace references.
func (g Group) Members() []NamespaceRef {
	refs := make([]NamespaceRef, 0, len(g.Namespaces))
	for _, raw := range g.Namespaces {
		ref := NamespaceRef{Name: raw}
		if len(raw) > 0 && raw[:1] == ForceIncludePrefix {
			ref.Name = raw[1:]
			ref.ForceInclude = true
		}
		refs = append(refs, ref)
	}
	return refs
}

// SandboxConfig configures the sandboxed execution path.
type SandboxConfig struct {
	// Enabled exposes the search/execute meta-operations (Code Mode).
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Policy is the global default resource envelope.
	Policy SandboxPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`

	// Namespaces holds per-namespace policy overrides.
	Namespaces map[string]SandboxPolicy `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`

	// Servers holds per-server policy overrides, the most specific tier.
	Servers map[string]SandboxPolicy `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// SandboxPolicy is a per-scope resource envelope. Zero-valued fields mean
// "inherit from the less specific tier"; merged field-by-field with the
// most specific tier winning.
type SandboxPolicy struct {
	// Timeout is the wall-clock budget for one execution.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MemoryMB caps the evaluation context's memory use.
	MemoryMB int `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`

	// AllowHosts lists the only outbound network hosts code may reach.
	AllowHosts []string `json:"allow_hosts,omitempty" yaml:"allow_hosts,omitempty"`

	// AllowPaths lists filesystem path prefixes code may touch.
	AllowPaths []string `json:"allow_paths,omitempty" yaml:"allow_paths,omitempty"`

	// DenyPaths lists filesystem path prefixes that are always refused,
	// even under an allow prefix.
	DenyPaths []string `json:"deny_paths,omitempty" yaml:"deny_paths,omitempty"`

	// DenyCapabilities names capability categories refused outright:
	// process_spawn, raw_sockets, process_introspection, module_loading,
	// unsafe_deserialization.
	DenyCapabilities []string `json:"deny_capabilities,omitempty" yaml:"deny_capabilities,omitempty"`
}

// UnmarshalYAML decodes the policy, accepting the timeout as either a
// duration string or bare integer seconds.
func (p *SandboxPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Timeout          flexDuration `yaml:"timeout"`
		MemoryMB         int          `yaml:"memory_mb"`
		AllowHosts       []string     `yaml:"allow_hosts"`
		AllowPaths       []string     `yaml:"allow_paths"`
		DenyPaths        []string     `yaml:"deny_paths"`
		DenyCapabilities []string     `yaml:"deny_capabilities"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Timeout = time.Duration(raw.Timeout)
	p.MemoryMB = raw.MemoryMB
	p.AllowHosts = raw.AllowHosts
	p.AllowPaths = raw.AllowPaths
	p.DenyPaths = raw.DenyPaths
	p.DenyCapabilities = raw.DenyCapabilities
	return nil
}

// DefaultSandboxPolicy is the envelope applied when the document sets none.
func DefaultSandboxPolicy() SandboxPolicy {
	return SandboxPolicy{
		Timeout:  30 * time.Second,
		MemoryMB: 256,
		DenyCapabilities: []string{
			"process_spawn",
			"raw_sockets",
			"process_introspection",
			"module_loading",
			"unsafe_deserialization",
		},
	}
}

// Server returns the spec for a backend name, or nil.
func (c *Config) Server(name string) *gateway.BackendSpec {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// serverNames returns the set of declared backend names.
func (c *Config) serverNames() map[string]bool {
	names := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		names[c.Servers[i].Name] = true
	}
	return names
}

func (c *Config) String() string {
	return fmt.Sprintf("config{servers=%d namespaces=%d groups=%d}",
		len(c.Servers), len(c.Namespaces), len(c.Groups))
}
