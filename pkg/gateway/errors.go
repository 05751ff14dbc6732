package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the gateway's error taxonomy. Callers check them
// with errors.Is; wrapping errors must always add a specific, non-empty
// cause. An opaque blank error delivered to a caller is itself a defect.
var (
	// ErrRouting indicates an unknown operation, backend, namespace, or group.
	ErrRouting = errors.New("routing error")

	// ErrBackendUnavailable indicates the target backend process is in a
	// crashed, backoff, or failed state. Distinct from a timeout.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout indicates a deadline elapsed with no reply.
	ErrTimeout = errors.New("timeout")

	// ErrProtocol indicates malformed or unparseable backend output.
	// Wrapping errors must carry enough context to diagnose the line.
	ErrProtocol = errors.New("protocol error")

	// ErrConfigRejected indicates a new topology failed validation.
	// The previous topology remains live.
	ErrConfigRejected = errors.New("configuration rejected")

	// ErrPolicyViolation indicates a sandbox resource or capability breach.
	// Wrapping errors must name the violated rule.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrRuntime indicates caller-submitted code raised during sandboxed
	// execution.
	ErrRuntime = errors.New("runtime error")
)

// ErrorKind is the stable, caller-visible error classification carried on
// every failed reply next to its cause string.
type ErrorKind string

// Caller-visible error kinds, one per sentinel above.
const (
	KindRouting            ErrorKind = "routing_error"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindProtocol           ErrorKind = "protocol_error"
	KindConfigRejected     ErrorKind = "config_rejected"
	KindPolicyViolation    ErrorKind = "policy_violation"
	KindRuntime            ErrorKind = "runtime_error"
	KindInternal           ErrorKind = "internal"
)

// KindOf maps an error to its caller-visible kind. Errors outside the
// taxonomy classify as internal rather than being dropped.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrRouting):
		return KindRouting
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrConfigRejected):
		return KindConfigRejected
	case errors.Is(err, ErrPolicyViolation):
		return KindPolicyViolation
	case errors.Is(err, ErrRuntime):
		return KindRuntime
	default:
		return KindInternal
	}
}

// CallError is the outbound error shape delivered to callers:
// a stable kind plus a specific, never-empty message.
type CallError struct {
	Kind    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewCallError classifies err and guarantees a non-empty message.
func NewCallError(err error) *CallError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		// The cause was swallowed upstream; say so instead of sending blank.
		msg = "unknown internal error (empty cause)"
	}
	return &CallError{Kind: KindOf(err), Message: msg}
}
