// Package sandbox executes caller-submitted Lua against the gateway's
// tool surface. Code runs in a stripped interpreter that can reach the
// outside world only through the bound gateway primitives; what those
// primitives allow is governed by a merged resource policy.
package sandbox

import (
	"dario.cat/mergo"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/namespace"
)

// EffectivePolicy merges the policy tiers for one execution scope. Later
// tiers override earlier ones field by field: built-in defaults, the
// global policy, ancestor namespaces, the namespace itself, and finally
// the server tier. Zero-valued fields inherit from the tier below.
func EffectivePolicy(sb *config.SandboxConfig, resolver *namespace.Resolver, nsName, server string) config.SandboxPolicy {
	policy := config.DefaultSandboxPolicy()
	if sb == nil {
		return policy
	}

	merge(&policy, sb.Policy)

	if nsName != "" && resolver != nil {
		for _, ancestor := range ancestry(resolver, nsName) {
			if override, ok := sb.Namespaces[ancestor]; ok {
				merge(&policy, override)
			}
		}
	}
	if server != "" {
		if override, ok := sb.Servers[server]; ok {
			merge(&policy, override)
		}
	}
	return policy
}

func merge(dst *config.SandboxPolicy, src config.SandboxPolicy) {
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		logger.Warnf("Merging sandbox policy tier: %v", err)
	}
}

// ancestry returns the namespace's inheritance chain ordered least to
// most specific, ending with the namespace itself. Cycles are cut by the
// visited set; validation rejects them before a resolver goes live.
func ancestry(resolver *namespace.Resolver, name string) []string {
	var chain []string
	visited := map[string]bool{}

	var walk func(n string)
	walk = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, parent := range resolver.Parents(n) {
			walk(parent)
		}
		chain = append(chain, n)
	}
	walk(name)
	return chain
}
