// Package errkind classifies pipeline failures into a small taxonomy so
// the engine can decide retryability and notifications can name the
// failure without string-matching wrapped errors.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class. The zero value is KindUnknown.
type Kind string

const (
	KindUnknown Kind = "UNKNOWN"

	// SidecarTransport means the signal-cli subprocess failed to run or
	// exited non-zero.
	SidecarTransport Kind = "SIDECAR_TRANSPORT"

	// SidecarParse means an envelope line was not valid JSON.
	SidecarParse Kind = "SIDECAR_PARSE"

	// DBConnect means the connection pool could not produce a usable
	// connection within the connect timeout.
	DBConnect Kind = "DB_CONNECT"

	// DBInsertMessage and DBInsertReceipt cover failures inside the two
	// write transactions.
	DBInsertMessage Kind = "DB_INSERT_MESSAGE"
	DBInsertReceipt Kind = "DB_INSERT_RECEIPT"

	// LLMTransport is a network, HTTP, or deadline failure talking to
	// the vision model.
	LLMTransport Kind = "LLM_TRANSPORT"

	// LLMDecode means the model responded but no JSON object could be
	// extracted from the response text.
	LLMDecode Kind = "LLM_DECODE"

	// TransformSchema means the extraction JSON was missing a required
	// key or carried an unparsable date, decimal, or currency.
	TransformSchema Kind = "TRANSFORM_SCHEMA"

	// Cancelled marks cooperative job cancellation.
	Cancelled Kind = "CANCELLED"
)

// Error pairs a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil. If err
// is already classified, the original kind is preserved.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Of extracts the Kind from an error chain, or KindUnknown.
func Of(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// Retryable reports whether a failure of this kind may succeed on a
// fresh attempt. Decode and schema failures are deterministic; repeating
// them only repeats the failure.
func Retryable(k Kind) bool {
	switch k {
	case SidecarTransport, DBConnect, DBInsertMessage, DBInsertReceipt, LLMTransport:
		return true
	default:
		return false
	}
}
