package mnp

import (
	"errors"
	"fmt"
)

// Error represents an MNP link error
type Error struct {
	// Kind is the error kind
	Kind ErrorKind

	// Message is a human-readable error message
	Message string

	// Reason is the disconnect reason code, set for KindDisconnected
	Reason byte

	// Err is the underlying cause, if any
	Err error
}

// ErrorKind categorizes MNP errors
type ErrorKind int

const (
	// KindCorruptFrame indicates a frame failed its FCS or escaping rules
	KindCorruptFrame ErrorKind = iota

	// KindBadPipeState indicates an illegal state transition
	KindBadPipeState

	// KindDisconnected indicates the peer sent LD or the transport closed
	KindDisconnected

	// KindTimeout indicates a deadline expired
	KindTimeout

	// KindFrameTooLong indicates a frame body exceeded the receive limit
	KindFrameTooLong

	// KindBadPacket indicates a well-framed packet with undecodable fields
	KindBadPacket
)

func (k ErrorKind) String() string {
	switch k {
	case KindCorruptFrame:
		return "corrupt frame"
	case KindBadPipeState:
		return "bad pipe state"
	case KindDisconnected:
		return "pipe disconnected"
	case KindTimeout:
		return "timeout"
	case KindFrameTooLong:
		return "frame too long"
	case KindBadPacket:
		return "bad packet"
	default:
		return "unknown error"
	}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("mnp %s: %s", e.Kind, e.Message)
	if e.Kind == KindDisconnected && e.Reason != 0 {
		msg += fmt.Sprintf(" (reason: %s)", ReasonName(e.Reason))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new MNP error
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// wrapError creates an MNP error around an underlying cause
func wrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ErrEndOfStream is returned when the transport closes in the middle of a frame
var ErrEndOfStream = NewError(KindDisconnected, "end of stream")

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCorrupt checks if an error is a corrupt frame error
func IsCorrupt(err error) bool {
	return isKind(err, KindCorruptFrame)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return isKind(err, KindTimeout)
}

// IsDisconnected checks if an error indicates the pipe is gone
func IsDisconnected(err error) bool {
	return isKind(err, KindDisconnected)
}

// IsBadState checks if an error is an illegal state transition
func IsBadState(err error) bool {
	return isKind(err, KindBadPipeState)
}
