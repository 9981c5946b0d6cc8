package rbac

import (
	"errors"
	"fmt"
)

// ErrExpressionTooLong is returned by Validate when a condition exceeds the
// configured maximum expression length. Length violations are reported
// distinctly so admin tooling can tell a too-long rule from a malformed one.
var ErrExpressionTooLong = errors.New("expression exceeds maximum length")

// ErrNotFound is the sentinel wrapped by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input on the public boundary, e.g. an
// AccessRequest with a missing required field. It is the only condition under
// which CheckAccess fails instead of producing a decision.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// AuditError reports a failed audit append. Completeness of the audit trail
// is a security invariant, so these are never swallowed: the caller must
// decide whether to abort the operation that produced the event.
type AuditError struct {
	Op  string
	Err error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s failed: %v", e.Op, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }
