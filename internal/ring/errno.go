package ring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// decodeErrno turns a negative completion result (a negated errno, the
// io_uring convention reused by both backends here) into a Go error.
func decodeErrno(res int32) error {
	if res >= 0 {
		return nil
	}
	errno := unix.Errno(-res)
	if errno == 0 {
		return fmt.Errorf("ring: operation failed with unknown error (res=%d)", res)
	}
	return errno
}
