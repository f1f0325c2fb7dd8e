package dock

import (
	"errors"
	"fmt"
)

// Error represents a docking error
type Error struct {
	// Kind is the error kind
	Kind ErrorKind

	// Message is a human-readable error message
	Message string

	// Command names the command involved, if any
	Command Name

	// Err is the underlying cause, if any
	Err error
}

// ErrorKind categorizes docking errors
type ErrorKind int

const (
	// KindProtocol indicates an unrecognized command or malformed envelope.
	// It is reported to the listener and the session stays up.
	KindProtocol ErrorKind = iota

	// KindBadState indicates an operation not allowed in the current state
	KindBadState

	// KindTimeout indicates a reply did not arrive in time
	KindTimeout

	// KindDisconnected indicates the link went away
	KindDisconnected

	// KindCancelled indicates the Newton cancelled the operation
	KindCancelled

	// KindValueTooLong indicates a field exceeding its limit; nothing is sent
	KindValueTooLong
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol error"
	case KindBadState:
		return "bad state"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindCancelled:
		return "cancelled"
	case KindValueTooLong:
		return "value too long"
	default:
		return "unknown error"
	}
}

func (e *Error) Error() string {
	msg := "dock " + e.Kind.String()
	if e.Command != (Name{}) {
		msg += " (" + e.Command.String() + ")"
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new docking error
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func protocolError(name Name, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Command: name, Err: err}
}

// ResultError is a nonzero code in a Result reply. It aborts the operation
// that received it; the link stays up.
type ResultError struct {
	Code int32
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("dock result %d", e.Code)
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsProtocol checks if an error is a protocol error
func IsProtocol(err error) bool {
	return isKind(err, KindProtocol)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return isKind(err, KindTimeout)
}

// IsBadState checks if an error is a bad state error
func IsBadState(err error) bool {
	return isKind(err, KindBadState)
}

// IsDisconnected checks if an error indicates the link is gone
func IsDisconnected(err error) bool {
	return isKind(err, KindDisconnected)
}

// IsCancelled checks if an error is a cancellation
func IsCancelled(err error) bool {
	return isKind(err, KindCancelled)
}

// IsTooLong checks if an error is a value-too-long error
func IsTooLong(err error) bool {
	return isKind(err, KindValueTooLong)
}

// IsResult reports whether err carries a nonzero Result code, and returns it.
func IsResult(err error) (int32, bool) {
	var e *ResultError
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
