package httpring

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrorCode is the error taxonomy of spec.md §7: kinds, not individual
// messages. Grounded on the teacher's errors.go UblkErrorCode, re-themed
// from device-control categories to the HTTP core's parse/IO/resource/
// state/cancellation kinds.
type ErrorCode string

const (
	// Parse errors. Recovery: write 400, close stream.
	ErrCodeParseUnspecified        ErrorCode = "parse: unspecified"
	ErrCodeParseUnsupportedVersion ErrorCode = "parse: unsupported version"

	// I/O errors from the ring. Recovery: logged; session moves to Closing.
	ErrCodeConnectionRefused ErrorCode = "io: connection refused"
	ErrCodeConnectionReset   ErrorCode = "io: connection reset"
	ErrCodeNotConnected      ErrorCode = "io: not connected"
	ErrCodeWouldBlock        ErrorCode = "io: would block"
	ErrCodeMessageTooBig     ErrorCode = "io: message too big"
	ErrCodeBrokenPipe        ErrorCode = "io: broken pipe"
	ErrCodeUnexpectedIO      ErrorCode = "io: unexpected"

	// Resource exhaustion. Recovery: wait on sqAvailable and retry (SQ
	// full), or serve 429 and drop the transaction (OOM during
	// scheduling).
	ErrCodeSubmissionQueueFull ErrorCode = "resource: submission queue full"
	ErrCodeOutOfMemory         ErrorCode = "resource: out of memory"

	// State violations (asserts): fatal, indicate a bug in the handler
	// or core.
	ErrCodeStateViolation ErrorCode = "state violation"

	// Cancellation results: logged and ignored.
	ErrCodeCancelNoEntity ErrorCode = "cancel: no entity"
	ErrCodeCancelAlready  ErrorCode = "cancel: already"
	ErrCodeCancelInvalid  ErrorCode = "cancel: invalid"
)

// Error is a structured error carrying an operation name, a high-level
// code, and (when it originated from a syscall) the errno that produced
// it.
type Error struct {
	Op    string
	Code  ErrorCode
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("httpring: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("httpring: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error with no wrapped cause.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying a syscall errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// WrapError wraps inner with an operation name, mapping a bare
// syscall.Errno to its error code via mapErrnoToCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if he, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: he.Code, Errno: he.Errno, Msg: he.Msg, Inner: he.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeUnexpectedIO, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a kernel errno to the taxonomy of spec.md §7.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case unix.ECONNREFUSED:
		return ErrCodeConnectionRefused
	case unix.ECONNRESET:
		return ErrCodeConnectionReset
	case unix.ENOTCONN:
		return ErrCodeNotConnected
	case unix.EAGAIN:
		return ErrCodeWouldBlock
	case unix.EMSGSIZE:
		return ErrCodeMessageTooBig
	case unix.EPIPE:
		return ErrCodeBrokenPipe
	case unix.ENOMEM:
		return ErrCodeOutOfMemory
	case unix.ENOENT:
		return ErrCodeCancelNoEntity
	case unix.EALREADY:
		return ErrCodeCancelAlready
	case unix.EINVAL:
		return ErrCodeCancelInvalid
	default:
		return ErrCodeUnexpectedIO
	}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsErrno reports whether err is (or wraps) an *Error carrying the
// given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Errno == errno
	}
	return false
}
