// Copyright 2025 James Ross
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of error surfaced to clients, mapped 1:1 to the
// error kinds listed for the HTTP/WebSocket surface.
type Kind string

const (
	KindBadRequest         Kind = "BadRequest"
	KindUnknownWorkflow    Kind = "UnknownWorkflow"
	KindBadTemplate        Kind = "BadTemplate"
	KindTypeMismatch       Kind = "TypeMismatch"
	KindStagedFileMissing  Kind = "StagedFileMissing"
	KindUnsafeUpload       Kind = "UnsafeUpload"
	KindNoBackend          Kind = "NoBackend"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
)

// Error wraps a Kind with a human-readable detail, matching the
// collaborative-session package's SessionError wrapping convention.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a bridge error of the given kind.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs a bridge error of the given kind around a lower-level cause.
func Wrap(kind Kind, detail string, err error) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err is not
// a *Error (or does not wrap one).
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// StatusFor maps a Kind to an HTTP status code. KindNoBackend and
// KindBackendUnavailable map to 503 and KindTimeout to 504; every other
// kind, KindInternal included, maps to 400.
func StatusFor(kind Kind) int {
	switch kind {
	case KindBadRequest, KindUnknownWorkflow, KindBadTemplate, KindTypeMismatch,
		KindStagedFileMissing, KindUnsafeUpload:
		return 400
	case KindNoBackend, KindBackendUnavailable:
		return 503
	case KindTimeout:
		return 504
	default:
		return 400
	}
}
