// Package errs implements the closed set of error kinds shared across
// the sync engine's public interfaces.
package errs

import "fmt"

// Kind identifies the category of an Error.
type Kind int

const (
	// KindInvalidArgument means the caller passed a malformed argument.
	KindInvalidArgument Kind = iota + 1
	// KindInvalidHLC means an HLC triple failed validation (negative,
	// non-integer, or an empty device id).
	KindInvalidHLC
	// KindNamespaceMismatch means a row's namespace didn't match the
	// adapter it was presented to.
	KindNamespaceMismatch
	// KindSerializationError means a row's data could not be encoded.
	KindSerializationError
	// KindAdapterBackendError wraps a failure from the underlying
	// storage backend.
	KindAdapterBackendError
	// KindTransportError wraps a non-2xx transport response.
	KindTransportError
	// KindUnauthorized means the transport received a 401/403.
	KindUnauthorized
	// KindProtocolError means a transport response violated its shape.
	KindProtocolError
	// KindAuthRequired is surfaced to sync loop callers when the
	// transport reports a needsAuth event.
	KindAuthRequired
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindInvalidHLC:
		return "InvalidHlc"
	case KindNamespaceMismatch:
		return "NamespaceMismatch"
	case KindSerializationError:
		return "SerializationError"
	case KindAdapterBackendError:
		return "AdapterBackendError"
	case KindTransportError:
		return "TransportError"
	case KindUnauthorized:
		return "Unauthorized"
	case KindProtocolError:
		return "ProtocolError"
	case KindAuthRequired:
		return "AuthRequired"
	default:
		return "Unknown"
	}
}

// Error is the error type returned across the engine's public API.
type Error struct {
	Kind Kind
	Msg  string
	// Status and Body are populated for KindTransportError.
	Status int
	Body   string
	// Path and Expected are populated for KindProtocolError.
	Path     string
	Expected string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is/errors.As to reach the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Kind, so
// callers can write errors.Is(err, errs.New(errs.KindUnauthorized, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// Transport constructs a KindTransportError for a non-2xx response.
func Transport(status int, body string) *Error {
	return &Error{Kind: KindTransportError, Msg: "non-2xx transport response", Status: status, Body: body}
}

// Protocol constructs a KindProtocolError for a response shape violation.
func Protocol(path, expected string) *Error {
	return &Error{Kind: KindProtocolError, Msg: "response violated expected shape", Path: path, Expected: expected}
}
