package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cybergolemai/gollem-lob/internal/forward"
	"github.com/cybergolemai/gollem-lob/internal/ledger"
	"github.com/cybergolemai/gollem-lob/internal/match"
	"github.com/cybergolemai/gollem-lob/internal/store"
)

// Kind is the error taxonomy surfaced across the service boundary. Every
// in-process error maps to exactly one kind; no internal error type leaks
// to transport.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindInsufficientCredits
	KindNoMatch
	KindUpstream
	KindBackendUnavailable
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindInsufficientCredits:
		return "FAILED_PRECONDITION"
	case KindNoMatch:
		return "NOT_FOUND"
	case KindUpstream:
		return "UPSTREAM_ERROR"
	case KindBackendUnavailable:
		return "BACKEND_UNAVAILABLE"
	case KindCanceled:
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

// Error is the only error type returned by facade operations.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func invalidArgument(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// classify maps any in-process error onto the boundary taxonomy.
func classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, match.ErrNoMatch):
		return &Error{Kind: KindNoMatch, Message: "no matching provider available", cause: err}
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return &Error{Kind: KindInsufficientCredits, Message: "insufficient credits", cause: err}
	case errors.Is(err, store.ErrUnavailable):
		return &Error{Kind: KindBackendUnavailable, Message: "index store unavailable", cause: err}
	case errors.Is(err, forward.ErrUpstream):
		return &Error{Kind: KindUpstream, Message: "provider request failed", cause: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindCanceled, Message: "request cancelled", cause: err}
	default:
		return &Error{Kind: KindInternal, Message: "internal error", cause: err}
	}
}
