package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/index"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
)

// Kind is the stable error taxonomy exposed over the tool surface.
type Kind string

const (
	KindInvalidInput Kind = "InvalidInput"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindUnavailable  Kind = "Unavailable"
	KindTimeout      Kind = "Timeout"
	KindCancelled    Kind = "Cancelled"
	KindInternal     Kind = "Internal"
)

// Error is the façade's error envelope: a taxonomy kind, a human message,
// and whether retrying the same call can succeed.
type Error struct {
	Kind      Kind   `json:"error_kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// ErrDisabled is returned by mutating and querying operations while the
// service toggle is off.
var ErrDisabled = errors.New("service: memory is disabled")

// Classify maps internal errors onto the taxonomy. Unknown errors become
// Internal and are not retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	wrap := func(kind Kind, retryable bool) *Error {
		return &Error{Kind: kind, Message: err.Error(), Retryable: retryable, cause: err}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrap(KindTimeout, true)
	case errors.Is(err, context.Canceled):
		return wrap(KindCancelled, false)
	case errors.Is(err, ErrDisabled):
		return wrap(KindUnavailable, false)
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, skills.ErrNotFound), errors.Is(err, index.ErrNotFound):
		return wrap(KindNotFound, false)
	case errors.Is(err, graph.ErrConflict):
		return wrap(KindConflict, false)
	case errors.Is(err, graph.ErrInvalidInput),
		errors.Is(err, index.ErrInvalidInput),
		errors.Is(err, embedding.ErrInvalidInput):
		return wrap(KindInvalidInput, false)
	case errors.Is(err, embedding.ErrUnavailable),
		errors.Is(err, index.ErrUnavailable),
		errors.Is(err, working.ErrUnavailable):
		return wrap(KindUnavailable, true)
	default:
		return wrap(KindInternal, false)
	}
}
