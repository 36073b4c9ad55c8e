// Package cierrors provides the structured error type shared by the
// scheduling core. Every failure that crosses a package boundary carries a
// Kind so HTTP adapters and callers can classify without string matching.
package cierrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and the HTTP boundary.
type Kind string

const (
	// KindAdmissionDenied: a schedule request hit a disabled job.
	KindAdmissionDenied Kind = "admission_denied"
	// KindJobRemoved: the job was deleted while a caller was blocked on its
	// queue handle or workspace lock.
	KindJobRemoved Kind = "job_removed"
	// KindPermissionDenied: the authorization gate refused an action.
	KindPermissionDenied Kind = "permission_denied"
	// KindTriggerInit: one trigger failed to start during job load. Recoverable;
	// never aborts the job or its sibling triggers.
	KindTriggerInit Kind = "trigger_init"
	// KindConfigTypeMismatch: a structured-config submission targeted a
	// different job kind than the one being configured.
	KindConfigTypeMismatch Kind = "config_type_mismatch"
	// KindCancelled: a queued item was cancelled before it started.
	KindCancelled Kind = "cancelled"
	// KindNotFound: referenced job, build, or queue item does not exist.
	KindNotFound Kind = "not_found"
	// KindInternal: everything else.
	KindInternal Kind = "internal"
)

// Error is a structured error with a kind, a message, and optional context.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Cause   error          `json:"-"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithContext attaches a context field and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// IsKind reports whether err (or anything it wraps) is an Error of that kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the kind from an error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// AdmissionDenied reports that a schedule request targeted a disabled job.
func AdmissionDenied(job string) *Error {
	return New(KindAdmissionDenied, "cannot schedule a build of %q: the job is disabled", job).
		WithContext("job", job)
}

// JobRemoved reports that the job disappeared under a blocked caller.
func JobRemoved(job string) *Error {
	return New(KindJobRemoved, "job %q was removed while waiting", job).
		WithContext("job", job)
}

// PermissionDenied names the subject, the action, and the job so a denied
// request is never a generic failure.
func PermissionDenied(subject, action, job string) *Error {
	return New(KindPermissionDenied, "%s is not allowed to perform %s on %q", subject, action, job).
		WithContext("subject", subject).
		WithContext("action", action).
		WithContext("job", job)
}

// TriggerInit reports a single trigger failing to start during job load.
func TriggerInit(job, kind string, cause error) *Error {
	return Wrap(cause, KindTriggerInit, "trigger %q of job %q failed to start", kind, job).
		WithContext("job", job).
		WithContext("trigger", kind)
}

// ConfigTypeMismatch names both the submitted and the expected job kind.
func ConfigTypeMismatch(submitted, expected string) *Error {
	return New(KindConfigTypeMismatch, "submitted configuration is for kind %q but this job is of kind %q", submitted, expected).
		WithContext("submitted", submitted).
		WithContext("expected", expected)
}

// Cancelled reports that a queue item was cancelled before starting.
func Cancelled(job, reason string) *Error {
	return New(KindCancelled, "queued build of %q was cancelled: %s", job, reason).
		WithContext("job", job)
}

// NotFound reports a missing job, build, or queue item.
func NotFound(what, name string) *Error {
	return New(KindNotFound, "%s %q does not exist", what, name)
}
