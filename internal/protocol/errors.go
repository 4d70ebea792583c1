package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes broker errors.
type Kind uint8

const (
	// KindRequest covers unknown channels, unsupported capabilities and
	// malformed payloads. Surfaced as failure 400/404.
	KindRequest Kind = iota + 1
	// KindAuth covers missing, invalid or expired credentials and tokens.
	KindAuth
	// KindPipeline is a fault that escaped every error handler.
	KindPipeline
	// KindSynchronization aborts the rest of a synchronization pass.
	KindSynchronization
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindAuth:
		return "auth"
	case KindPipeline:
		return "pipeline"
	case KindSynchronization:
		return "synchronization"
	default:
		return "unknown"
	}
}

// Error is the broker error taxonomy.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (%d): %s: %v", e.Kind, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindRequest, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// Fault wraps cause as a pipeline fault.
func Fault(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindPipeline, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), Err: cause}
}

// SyncError wraps cause as a synchronization error.
func SyncError(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindSynchronization, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), Err: cause}
}

// IsKind reports whether any broker Error of kind k is in err's chain.
func IsKind(err error, k Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

// StatusOf maps any error to the status and message of a failure event.
// A request or auth error anywhere in the chain wins over the errors
// wrapping it. Errors outside the taxonomy are reported as 500 without
// leaking details.
func StatusOf(err error) (int, string) {
	var outer, e *Error
	for errors.As(err, &e) {
		if e.Kind == KindRequest || e.Kind == KindAuth {
			return e.Status, e.Message
		}
		if outer == nil {
			outer = e
		}
		err = e.Err
	}
	if outer != nil {
		return outer.Status, outer.Message
	}
	return http.StatusInternalServerError, "Internal error."
}
