package nsof

import (
	"errors"
	"fmt"
)

// Error represents an NSOF encoding or decoding error
type Error struct {
	Kind    ErrorKind
	Message string
	// Offset is the stream offset at which decoding failed, or -1
	Offset int64
}

// ErrorKind categorizes NSOF errors
type ErrorKind int

const (
	// KindMalformedStream indicates undecodable input: a bad version,
	// unknown tag, out-of-range precedent or truncation
	KindMalformedStream ErrorKind = iota

	// KindValueTooLong indicates a value exceeding a format limit
	KindValueTooLong
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedStream:
		return "malformed stream"
	case KindValueTooLong:
		return "value too long"
	default:
		return "unknown error"
	}
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("nsof %s at offset %d: %s", e.Kind, e.Offset, e.Message)
	}
	return fmt.Sprintf("nsof %s: %s", e.Kind, e.Message)
}

func malformed(offset int64, format string, args ...any) *Error {
	return &Error{Kind: KindMalformedStream, Message: fmt.Sprintf(format, args...), Offset: offset}
}

func tooLong(format string, args ...any) *Error {
	return &Error{Kind: KindValueTooLong, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// IsMalformed checks if an error is a malformed stream error
func IsMalformed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindMalformedStream
}

// IsTooLong checks if an error is a value-too-long error
func IsTooLong(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValueTooLong
}
