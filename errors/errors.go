// Package errors provides the error taxonomy used across the provisioning
// framework: configuration problems (Blocked), wrong results (Failed) and
// infrastructure faults (Infra), plus utilities to attach operation names
// and diagnostic context to errors as they propagate.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Severity classifies an error for the retry machinery and for reporting.
type Severity int

const (
	// SeverityBlocked marks missing or invalid configuration or environment.
	// Blocked errors are never retried; the operation cannot succeed until
	// somebody fixes the setup.
	SeverityBlocked Severity = iota

	// SeverityFailed marks an operation that executed but produced the
	// wrong result. Not retried.
	SeverityFailed

	// SeverityInfra marks an infrastructure fault (console desync, timeout,
	// network boot failure). Infra errors are recoverable by default and
	// retried a bounded number of times; after exhaustion they escalate to
	// non-recoverable.
	SeverityInfra
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityBlocked:
		return "blocked"
	case SeverityFailed:
		return "failed"
	case SeverityInfra:
		return "error"
	}
	return "unknown"
}

// Error is a classified error with an operation name, an optional cause and
// free-form diagnostic attachments (console backlog, retry counts, the menu
// level being navigated when things went sideways).
type Error struct {
	// Severity identifies the error class
	Severity Severity

	// Op describes the operation that failed
	Op string

	// Message provides human-readable error details
	Message string

	// Cause is the underlying error that triggered this one
	Cause error

	// Recoverable tells retry loops whether trying again makes sense.
	// Only infra errors start out recoverable.
	Recoverable bool

	// Attachments holds additional diagnostic context
	Attachments map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Severity.String())
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap implements the errors.Unwrap interface.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same severity, so callers can write
// errors.Is(err, &Error{Severity: SeverityBlocked}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Severity == t.Severity
}

// WithAttachment records a named piece of diagnostic context.
func (e *Error) WithAttachment(key, value string) *Error {
	if e.Attachments == nil {
		e.Attachments = make(map[string]string)
	}
	e.Attachments[key] = value
	return e
}

// Unrecoverable marks the error so retry loops stop immediately.
func (e *Error) Unrecoverable() *Error {
	e.Recoverable = false
	return e
}

// AttachmentsString renders the attachments sorted by key, for reports.
func (e *Error) AttachmentsString() string {
	if len(e.Attachments) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Attachments))
	for k := range e.Attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, e.Attachments[k])
	}
	return sb.String()
}

// Blockedf creates a Blocked error: missing or invalid configuration, never
// retried.
func Blockedf(format string, args ...interface{}) *Error {
	return &Error{
		Severity: SeverityBlocked,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Failedf creates a Failed error: the operation ran but the result is wrong.
func Failedf(format string, args ...interface{}) *Error {
	return &Error{
		Severity: SeverityFailed,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Infraf creates a recoverable infrastructure error.
func Infraf(format string, args ...interface{}) *Error {
	return &Error{
		Severity:    SeverityInfra,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: true,
	}
}

// Wrap attaches a cause to e and returns e.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// WithOp prefixes err with an operation name, preserving its classification.
// Errors from outside the framework are wrapped as non-recoverable infra
// errors.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if e.Op == "" {
			e.Op = op
		} else {
			e.Op = op + ": " + e.Op
		}
		return e
	}
	return &Error{
		Severity: SeverityInfra,
		Op:       op,
		Message:  err.Error(),
		Cause:    err,
	}
}

// IsBlocked reports whether err (or anything it wraps) is a Blocked error.
func IsBlocked(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityBlocked
	}
	return false
}

// IsFailed reports whether err (or anything it wraps) is a Failed error.
func IsFailed(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityFailed
	}
	return false
}

// IsRecoverable reports whether a retry loop may try again after err.
// Errors from outside the framework are not recoverable: something happened
// that the boot drivers do not understand.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// As re-exports errors.As so callers need a single errors import.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is re-exports errors.Is so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// New re-exports errors.New so callers need a single errors import.
func New(text string) error { return errors.New(text) }
