package httpring

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStructuredError(t *testing.T) {
	err := NewError("parse", ErrCodeParseUnspecified, "malformed request line")
	require.Equal(t, "parse", err.Op)
	require.Equal(t, ErrCodeParseUnspecified, err.Code)
	require.Equal(t, "httpring: malformed request line (op=parse)", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("send", ErrCodeBrokenPipe, syscall.EPIPE)
	require.Equal(t, syscall.EPIPE, err.Errno)
	require.Equal(t, ErrCodeBrokenPipe, err.Code)
}

func TestWrapErrorMapsErrno(t *testing.T) {
	err := WrapError("recv", unix.ECONNRESET)
	require.Equal(t, ErrCodeConnectionReset, err.Code)
	require.True(t, IsCode(err, ErrCodeConnectionReset))
	require.True(t, IsErrno(err, unix.ECONNRESET))
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := NewError("x", ErrCodeStateViolation, "double write")
	wrapped := WrapError("y", inner)
	require.Equal(t, "y", wrapped.Op)
	require.Equal(t, ErrCodeStateViolation, wrapped.Code)
}

func TestWrapErrorNilIsNil(t *testing.T) {
	require.Nil(t, WrapError("op", nil))
}

func TestIsCodeFalseForPlainError(t *testing.T) {
	require.False(t, IsCode(syscall.EINVAL, ErrCodeCancelInvalid))
}
