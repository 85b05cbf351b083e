package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/vanadb/vanadb/pkg/admission"
)

// Code classifies a service error for callers and the transport layer.
type Code string

const (
	// CodeAdmission: the node shed the work; retryable with backoff.
	CodeAdmission Code = "admission_rejected"
	// CodeValidation: malformed query, parameters, or database id; not retryable.
	CodeValidation Code = "validation_error"
	// CodeNotFound: unknown database or task.
	CodeNotFound Code = "not_found"
	// CodeTimeout: query exceeded its wall-clock budget; retryable.
	CodeTimeout Code = "timeout"
	// CodeEngine: failure surfaced by the storage engine.
	CodeEngine Code = "engine_error"
	// CodeConfiguration: invalid node setup; fatal at startup.
	CodeConfiguration Code = "configuration_error"
	// CodeResource: pool or worker exhaustion; retryable.
	CodeResource Code = "resource_error"
	// CodeReadOnly: a mutating operation reached a read-only node.
	CodeReadOnly Code = "read_only"
)

// Error is the service's structured error.
type Error struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	// Decision is set for admission rejections.
	Decision admission.Decision
	cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError unwraps err into a *Error when possible.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func errValidationf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func errNotFound(dbID string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("database %s not found", dbID)}
}

func errTimeout(budget time.Duration) error {
	return &Error{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("query exceeded %s budget", budget),
		Retryable: true,
	}
}

func errEngine(err error) error {
	return &Error{Code: CodeEngine, Message: err.Error(), cause: err}
}

func errAdmission(decision admission.Decision, reason string) error {
	return &Error{
		Code:       CodeAdmission,
		Message:    reason,
		Retryable:  true,
		RetryAfter: 5 * time.Second,
		Decision:   decision,
	}
}

func errResourcef(format string, args ...any) error {
	return &Error{Code: CodeResource, Message: fmt.Sprintf(format, args...), Retryable: true}
}

func errReadOnly(op string) error {
	return &Error{Code: CodeReadOnly, Message: fmt.Sprintf("%s rejected: node is read-only", op)}
}
