// Package mcperror defines the failure kinds surfaced by the bridge.
package mcperror

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection means no usable downstream connection existed at call time.
	KindConnection
	// KindTransport covers network and process failures and malformed envelopes.
	KindTransport
	// KindRemoteTool means the downstream answered with a JSON-RPC error.
	KindRemoteTool
	// KindValidation means the caller supplied a bad method or params.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindTransport:
		return "TransportError"
	case KindRemoteTool:
		return "RemoteToolError"
	case KindValidation:
		return "ValidationError"
	}
	return "UnknownError"
}

// Error is the single inspectable failure shape: kind, message and optional upstream detail.
type Error struct {
	Kind    Kind
	Message string

	// Remote JSON-RPC error fields.
	Code int
	Data interface{}

	// Transport detail.
	Status   int    // HTTP status, 0 if none
	ExitCode int    // subprocess exit code, 0 if none
	Detail   string // stderr text or raw body fragment
	Timeout  bool
	// Connection is set when the failure looks connection-level (refused, timed out).
	Connection bool

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	switch {
	case e.Kind == KindRemoteTool:
		msg = fmt.Sprintf("%s [%d]: %s", e.Kind, e.Code, e.Message)
	case e.ExitCode != 0:
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	case e.Status != 0:
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Connection builds a ConnectionError.
func Connection(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: message, cause: withStack(cause)}
}

// Transport builds a TransportError.
func Transport(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, cause: withStack(cause)}
}

// Timeout builds a TransportError of timeout kind. Timeouts are always connection-related.
func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Timeout: true, Connection: true, cause: withStack(cause)}
}

// RemoteTool builds a RemoteToolError carrying the remote fields verbatim.
func RemoteTool(code int, message string, data interface{}) *Error {
	return &Error{Kind: KindRemoteTool, Message: message, Code: code, Data: data}
}

// Validation builds a ValidationError.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func withStack(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, KindUnknown when it is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

func IsTimeout(err error) bool {
	e, ok := As(err)
	return ok && e.Timeout
}

func IsConnectionRelated(err error) bool {
	e, ok := As(err)
	return ok && e.Connection
}
