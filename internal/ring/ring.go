// Package ring implements the completion-ring abstraction of spec.md
// §4.2: a uniform submission/completion surface over an OS completion
// mechanism, with two backends (io_uring on Linux, poll elsewhere).
//
// Grounded on internal/uring/interface.go's Ring interface shape
// (Config, Result, ErrRingFull) and internal/uring/minimal.go's
// submit-SQE-then-io_uring_enter-then-drain-CQE cycle, generalized from
// ublk's URING_CMD-only surface to socket operations (nop, accept,
// recv, send, close, cancel).
package ring

import (
	"errors"

	"github.com/behrlich/go-httpring/internal/interfaces"
)

// ErrSubmissionQueueFull is returned by SQE() when a ring's submission
// queue has no free slots. Callers wait on a higher-level condition
// (Server.sqAvailable) and retry, per spec.md §4.4's failure semantics.
var ErrSubmissionQueueFull = errors.New("ring: submission queue full")

// Opcode identifies the unified operation set spec.md §4.2 requires
// every backend to support.
type Opcode int

const (
	OpNop Opcode = iota
	OpAccept
	OpRecv
	OpSend
	OpClose
	OpCancel
)

// Submission is a not-yet-consumed entry: an opcode, its operands, and
// a 64-bit user-data tag the caller uses to correlate the eventual
// Completion. Per invariant I5, UserData is either zero (ignored on
// completion) or a pointer-sized tag whose referent outlives the
// in-flight operation.
type Submission struct {
	Op       Opcode
	Fd       int
	Buf      []byte // Recv: destination; Send: source
	CancelUD uint64 // target user-data for OpCancel
	UserData uint64
}

// Completion is one consumed completion-queue entry.
type Completion struct {
	UserData  uint64
	Result    int32 // bytes transferred, or a negative errno
	SockEmpty bool  // poll backend only: true when a recv returned 0 bytes
}

// AsRecv decodes a completion from a recv submission into a byte count
// or one of the typed I/O error kinds of spec.md §7.
func (c Completion) AsRecv() (n int, err error) { return decodeCount(c.Result) }

// AsAccept decodes a completion from an accept submission into the
// accepted file descriptor.
func (c Completion) AsAccept() (fd int, err error) {
	n, err := decodeCount(c.Result)
	return n, err
}

// AsSend decodes a completion from a send submission into a byte
// count.
func (c Completion) AsSend() (n int, err error) { return decodeCount(c.Result) }

// AsClose decodes a completion from a close submission.
func (c Completion) AsClose() error {
	_, err := decodeCount(c.Result)
	return err
}

// AsCancel decodes a completion from a cancel submission. NoEntity and
// Already are reported as typed (non-fatal) errors per spec.md §7.
func (c Completion) AsCancel() error {
	if c.Result == 0 {
		return nil
	}
	return decodeErrno(c.Result)
}

// Ring is the uniform completion-ring surface spec.md §4.2 describes.
// Implementations: ring_uring_linux.go (io_uring via giouring) and
// ring_poll.go (portable, unix.Poll-driven).
type Ring interface {
	// SQE reserves a fresh submission slot, returning
	// ErrSubmissionQueueFull if none are free.
	SQE() (*Submission, error)

	// Submit publishes all pending submissions to the backend; waitN is
	// advisory and neither backend counts completions against it. The
	// io_uring backend returns once the kernel has accepted the entries,
	// without waiting for any of them to complete, and holds its lock
	// only for that flush so a concurrent SQE-producing goroutine is
	// never blocked behind it; callers that need a completion block in
	// CQE. The poll backend performs the queued operations itself: its
	// Submit blocks in poll(2) until every queued fd is ready, runs each
	// operation, and returns once all of their completions are queued
	// for CQE.
	Submit(waitN int) (int, error)

	// CQE returns one completion, blocking (driving the backend) if
	// none is ready yet.
	CQE() (Completion, error)

	// Nop, Accept, Recv, Send, Close, Cancel are convenience wrappers
	// around SQE that fill in the opcode and operands.
	Nop(userData uint64) error
	Accept(listenFd int, userData uint64) error
	Recv(fd int, buf []byte, userData uint64) error
	Send(fd int, buf []byte, userData uint64) error
	Close(fd int, userData uint64) error
	Cancel(targetUserData uint64, userData uint64) error

	// From creates a child ring sharing this ring's backend workgroup,
	// for a Stream's sub-ring so writes don't contend with the
	// server's accept/read ring (spec.md §4.2).
	From(entries int, flags uint32) (Ring, error)

	// Shutdown releases the ring's own resources (its fd and mmap
	// regions, or its completion channel). It does not close any
	// socket fd submitted through Close.
	Shutdown() error
}

// Config configures a new Ring.
type Config struct {
	Entries int
	Logger  interfaces.Logger
	// ForcePoll selects the portable poll backend even on platforms
	// where the io_uring backend is available, for tests and for
	// kernels below the io_uring feature baseline.
	ForcePoll bool
}

// NewRing creates a new Ring, picking io_uring on Linux (kernel ≥5.15)
// and falling back to poll elsewhere, mirroring how
// internal/uring.NewRing picks NewMinimalRing by platform today.
func NewRing(cfg Config) (Ring, error) {
	if cfg.Entries <= 0 {
		cfg.Entries = 128
	}
	if cfg.ForcePoll {
		return newPollRing(cfg)
	}
	return newPlatformRing(cfg)
}

func decodeCount(res int32) (int, error) {
	if res < 0 {
		return 0, decodeErrno(res)
	}
	return int(res), nil
}
