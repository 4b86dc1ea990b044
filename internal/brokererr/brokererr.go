// Package brokererr defines the broker's typed error kinds (spec §7) and
// maps them onto stable wire Nack reason codes.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind is one of the recoverable-or-fatal error categories the broker
// surfaces to callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindTaskNotFound
	KindConflict
	KindQueueFull
	KindTimeout
	KindTransport
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindTaskNotFound:
		return "task_not_found"
	case KindConflict:
		return "conflict"
	case KindQueueFull:
		return "queue_full"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a brokererr-produced error carrying a Kind for Nack mapping.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// KindOf returns the error category, or KindUnknown if err was not produced
// by this package (the dispatcher's Nack replies report those as Internal).
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.kind
	}
	return KindUnknown
}

func New(kind Kind, msg string) *Error { return &Error{kind: kind, msg: msg} }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{kind: kind, msg: msg, err: err} }

func BadRequest(format string, args ...any) *Error {
	return &Error{kind: KindBadRequest, msg: fmt.Sprintf(format, args...)}
}

func TaskNotFound(id string) *Error {
	return &Error{kind: KindTaskNotFound, msg: fmt.Sprintf("task not found: %s", id)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

func QueueFull(depth int) *Error {
	return &Error{kind: KindQueueFull, msg: fmt.Sprintf("queue full: current depth %d", depth)}
}

func Timeout(format string, args ...any) *Error {
	return &Error{kind: KindTimeout, msg: fmt.Sprintf(format, args...)}
}

func Transport(format string, args ...any) *Error {
	return &Error{kind: KindTransport, msg: fmt.Sprintf(format, args...)}
}

func Internal(msg string, err error) *Error {
	return &Error{kind: KindInternal, msg: msg, err: err}
}
