package sandbox

import (
	"fmt"
	"regexp"

	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// maxCodeBytes caps submitted code size before anything is parsed.
const maxCodeBytes = 50 * 1024

// Constructs refused before execution. The interpreter never loads the
// os, io, package, or debug libraries, but rejecting the references up
// front gives callers an actionable error instead of a nil-index crash.
var (
	blockedCallPattern   = regexp.MustCompile(`(^|[^\w.])(require|dofile|loadfile|loadstring|load|collectgarbage)\s*[("']`)
	blockedModulePattern = regexp.MustCompile(`(^|[^\w.])(os|io|package|debug)\s*[.\[]`)
)

// ValidateCode statically screens submitted code. It rejects oversized
// submissions and references to loading, process, and introspection
// facilities. Passing validation is necessary, not sufficient; the
// interpreter environment is the real boundary.
func ValidateCode(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("%w: empty code submission", gateway.ErrPolicyViolation)
	}
	if len(code) > maxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d byte limit (%d bytes)",
			gateway.ErrPolicyViolation, maxCodeBytes, len(code))
	}

	if m := blockedCallPattern.FindStringSubmatch(code); m != nil {
		return fmt.Errorf("%w: use of %q is not permitted", gateway.ErrPolicyViolation, m[2])
	}
	if m := blockedModulePattern.FindStringSubmatch(code); m != nil {
		return fmt.Errorf("%w: the %q library is not available", gateway.ErrPolicyViolation, m[2])
	}
	return nil
}
