// Package apierr classifies the error taxonomy used across the queue server:
// validation, reference, ambiguity, state, and uniqueness errors all recover
// locally as {success:false, msg}; transport errors are a distinct kind seen
// only by the control-channel client.
package apierr

import "fmt"

// Kind is one of the error categories from the CORE error taxonomy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindReference  Kind = "reference"
	KindAmbiguity  Kind = "ambiguity"
	KindState      Kind = "state"
	KindUniqueness Kind = "uniqueness"
	KindTransport  Kind = "transport"
	KindFatal      Kind = "fatal"
)

// Error wraps a message with its taxonomy kind. Errors of other types (for
// example store or worker I/O failures) carry no kind: KindOf reports "" for
// them, and the control channel returns them as {success:false, msg} like
// any other error.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func Reference(format string, args ...any) *Error  { return newf(KindReference, format, args...) }
func Ambiguity(format string, args ...any) *Error  { return newf(KindAmbiguity, format, args...) }
func State(format string, args ...any) *Error      { return newf(KindState, format, args...) }
func Uniqueness(format string, args ...any) *Error { return newf(KindUniqueness, format, args...) }
func Transport(format string, args ...any) *Error  { return newf(KindTransport, format, args...) }
func Fatal(format string, args ...any) *Error      { return newf(KindFatal, format, args...) }

// KindOf returns the taxonomy kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// IsTransport reports whether err is a transport-kind error — the only kind
// that must never be surfaced as {success:false} since the client observes
// it as a distinct failure mode (a timeout or undelivered request).
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}
