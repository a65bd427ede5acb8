// Package faults defines the typed error vocabulary shared by every
// component. Errors are classified by Kind at the boundary where the kind is
// known; everything in between wraps with fmt.Errorf and %w.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies an error for callers that dispatch on failure class
// rather than on message text.
type Kind int

const (
	// KindInternal - unclassified failure, a bug until proven otherwise
	KindInternal Kind = iota
	// KindNotFound - the named entity does not exist
	KindNotFound
	// KindInvalid - the request is malformed or violates a constraint
	KindInvalid
	// KindConflict - the request collides with existing state
	KindConflict
	// KindBusy - a concurrency or capacity limit was hit
	KindBusy
	// KindTimeout - a deadline elapsed
	KindTimeout
	// KindCancelled - the caller abandoned the operation
	KindCancelled
	// KindIo - the underlying filesystem or pipe failed
	KindIo
	// KindCorrupt - stored bytes fail their integrity check
	KindCorrupt
	// KindSessionNotRunning - the session exists but cannot accept input
	KindSessionNotRunning
	// KindQuotaExceeded - a configured disk ceiling would be crossed
	KindQuotaExceeded
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindNotFound:          "not-found",
	KindInvalid:           "invalid",
	KindConflict:          "conflict",
	KindBusy:              "busy",
	KindTimeout:           "timeout",
	KindCancelled:         "cancelled",
	KindIo:                "io",
	KindCorrupt:           "corrupt",
	KindSessionNotRunning: "session-not-running",
	KindQuotaExceeded:     "quota-exceeded",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal"
}

// Error is the one concrete error type components mint. Code is short and
// machine-readable ("session_not_found"); Message is for humans; Context is
// an optional bag surfaced to the MCP peer.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by code when the target names one.
// This makes errors.Is(err, &Error{Kind: KindNotFound}) usable as a sentinel
// check without exporting sentinel values per call site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// WithContext returns e with key set in its context bag.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

// New builds an error of the given kind.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Helper constructors, one per kind.

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Invalid(code, format string, args ...any) *Error {
	return New(KindInvalid, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func Busy(code, format string, args ...any) *Error {
	return New(KindBusy, code, format, args...)
}

func Timeout(code, format string, args ...any) *Error {
	return New(KindTimeout, code, format, args...)
}

func Cancelled(code, format string, args ...any) *Error {
	return New(KindCancelled, code, format, args...)
}

func Io(err error, code, format string, args ...any) *Error {
	return Wrap(err, KindIo, code, format, args...)
}

func Corrupt(code, format string, args ...any) *Error {
	return New(KindCorrupt, code, format, args...)
}

func SessionNotRunning(code, format string, args ...any) *Error {
	return New(KindSessionNotRunning, code, format, args...)
}

func QuotaExceeded(code, format string, args ...any) *Error {
	return New(KindQuotaExceeded, code, format, args...)
}

func Internal(err error, code, format string, args ...any) *Error {
	return Wrap(err, KindInternal, code, format, args...)
}

// KindOf classifies err. Wrapped *Error values win; otherwise context and fs
// sentinels are mapped; anything else reports KindInternal. KindOf(nil) also
// reports KindInternal, so callers check err != nil first.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of the outermost *Error in the
// chain, or "" when none is present.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
