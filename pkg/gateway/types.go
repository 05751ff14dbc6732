// Package gateway contains the shared domain types used across the mcpgate
// subpackages: backend descriptions, process states, capability shapes, and
// the caller-facing error taxonomy.
package gateway

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
)

// QualifiedNameSeparator joins a backend name and an operation name into the
// caller-visible qualified operation name.
const QualifiedNameSeparator = "__"

// backendNameRe restricts backend names so qualified operation names stay
// unambiguous: the separator must never appear inside a backend name.
var backendNameRe = regexp.MustCompile(`^[A-Za-z0-9]\w*$`)

// BackendSpec is the immutable description of one backend server.
// Specs are created from configuration and superseded, never mutated in
// place, when configuration changes.
type BackendSpec struct {
	// Name uniquely identifies the backend. Alphanumeric plus underscore.
	Name string

	// Command is the executable that speaks MCP over stdio.
	Command string

	// Args are the command arguments.
	Args []string

	// Env is the environment overlay applied on top of the gateway's own
	// environment when launching the process.
	Env map[string]string

	// StartupTimeout bounds the initialize handshake. A backend that does
	// not complete the handshake in time is treated like a crash.
	StartupTimeout time.Duration

	// Enabled controls whether the supervisor launches the backend at all.
	Enabled bool

	// Namespace is the owning namespace, if any.
	Namespace string
}

// Validate checks the spec fields that the rest of the system relies on.
func (s *BackendSpec) Validate() error {
	if !backendNameRe.MatchString(s.Name) {
		return fmt.Errorf("backend name %q must be alphanumeric or underscore", s.Name)
	}
	if strings.Contains(s.Name, QualifiedNameSeparator) {
		return fmt.Errorf("backend name %q must not contain %q", s.Name, QualifiedNameSeparator)
	}
	if s.Command == "" {
		return fmt.Errorf("backend %q has no command", s.Name)
	}
	return nil
}

// LaunchEqual reports whether two specs describe the same running process.
// A spec change that leaves the launch parameters identical is a no-op for
// the supervisor; any other change triggers process replacement.
func (s *BackendSpec) LaunchEqual(other *BackendSpec) bool {
	if other == nil {
		return false
	}
	return s.Name == other.Name &&
		s.Command == other.Command &&
		slices.Equal(s.Args, other.Args) &&
		maps.Equal(s.Env, other.Env) &&
		s.StartupTimeout == other.StartupTimeout &&
		s.Enabled == other.Enabled
}

// ProcessState is the lifecycle state of a supervised backend process.
type ProcessState string

const (
	// StateStopped means no process exists for the spec.
	StateStopped ProcessState = "stopped"

	// StateStarting means the process has been launched but has not yet
	// completed its startup handshake.
	StateStarting ProcessState = "starting"

	// StateRunning means the process completed its handshake and accepts calls.
	StateRunning ProcessState = "running"

	// StateCrashed means the process exited unexpectedly.
	StateCrashed ProcessState = "crashed"

	// StateBackoff means the supervisor is waiting out the restart delay.
	StateBackoff ProcessState = "backoff"

	// StateFailed is terminal: the restart budget is exhausted and the
	// backend stays down until an explicit spec change.
	StateFailed ProcessState = "failed"
)

// Tool is one operation advertised by a backend. The input schema is an
// opaque JSON-shaped blob; backends define arbitrary shapes and the gateway
// validates them only at invocation time, on the backend's side.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// QualifyToolName builds the caller-visible `{server}__{tool}` name.
func QualifyToolName(server, tool string) string {
	return server + QualifiedNameSeparator + tool
}

// SplitToolName splits a qualified operation name into backend and tool.
func SplitToolName(qualified string) (server, tool string, err error) {
	parts := strings.SplitN(qualified, QualifiedNameSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: operation %q is not of the form server%stool",
			ErrRouting, qualified, QualifiedNameSeparator)
	}
	return parts[0], parts[1], nil
}
