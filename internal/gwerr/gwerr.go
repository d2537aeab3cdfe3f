// Package gwerr defines the single result/error type the hook pipeline
// composes with. Every validation failure in the pipeline collapses to one
// of a small set of kinds, which the pipeline records in its denial metrics
// and logs. The mochi-mqtt adapter (internal/mqtthook) does not translate a
// kind into an MQTT reason code: its connect and ACL hooks reduce the outcome
// to accept/deny booleans, and OnPublish returns the error unchanged.
package gwerr

import "fmt"

// Kind is one of the error kinds enumerated in the failure-semantics table.
type Kind string

const (
	KindClientIdentifierNotValid Kind = "client_identifier_not_valid"
	KindBadUsernameOrPassword    Kind = "bad_username_or_password"
	KindNotAuthorized            Kind = "not_authorized"
	KindImplSpecificError        Kind = "impl_specific_error"
)

// Error carries a Kind plus a human-readable message and, optionally, the
// underlying cause. Pipeline steps return (T, error) and compose by early
// return; KindOf recovers the Kind from any error chain.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, defaulting
// to impl_specific_error for anything else — the catch-all degrade path
// described for internal validation failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindImplSpecificError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
