package ring

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// pollRing is the portable completion-ring backend: it performs each
// submission synchronously (blocking on unix.Poll for fd readiness
// first when the operation needs it), then deposits the result on a
// completion channel. It trades io_uring's single-syscall batching for
// portability, grounded on runner.go's select-on-ctx.Done()/channel
// event loop shape rather than any io_uring-specific code path.
type pollRing struct {
	mu      sync.Mutex
	pending []Submission
	compl   chan Completion
	closed  bool
}

func newPollRing(cfg Config) (Ring, error) {
	r := &pollRing{
		compl: make(chan Completion, cfg.Entries),
	}
	return r, nil
}

func (r *pollRing) SQE() (*Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= cap(r.compl) {
		return nil, ErrSubmissionQueueFull
	}
	r.pending = append(r.pending, Submission{})
	return &r.pending[len(r.pending)-1], nil
}

// Submit waits on every queued submission's fd with a single poll(2)
// call so that an idle connection never blocks a ready one, then
// executes each submission as it becomes ready and pushes its
// Completion onto the channel CQE drains. Nop/Close/Cancel need no fd
// readiness and complete immediately. waitN is currently advisory;
// Submit always drains everything queued this round.
func (r *pollRing) Submit(waitN int) (int, error) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var waiters []Submission
	var pfds []unix.PollFd
	completed := 0
	for _, s := range batch {
		switch s.Op {
		case OpNop:
			r.compl <- Completion{UserData: s.UserData, Result: 0}
			completed++
		case OpClose:
			r.compl <- r.execClose(s)
			completed++
		case OpCancel:
			// The poll backend runs submissions to completion as soon
			// as their fd is ready, so by the time a cancel is
			// submitted the target has usually already completed;
			// report ENOENT as io_uring does for a finished target.
			r.compl <- Completion{UserData: s.UserData, Result: -int32(unix.ENOENT)}
			completed++
		case OpAccept, OpRecv:
			waiters = append(waiters, s)
			pfds = append(pfds, unix.PollFd{Fd: int32(s.Fd), Events: unix.POLLIN})
		case OpSend:
			waiters = append(waiters, s)
			pfds = append(pfds, unix.PollFd{Fd: int32(s.Fd), Events: unix.POLLOUT})
		default:
			r.compl <- Completion{UserData: s.UserData, Result: -int32(unix.EINVAL)}
			completed++
		}
	}

	for len(waiters) > 0 {
		n, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			for _, s := range waiters {
				r.compl <- Completion{UserData: s.UserData, Result: errnoResult(err)}
				completed++
			}
			return completed, nil
		}
		if n == 0 {
			continue
		}
		var stillWaiting []Submission
		var stillPolling []unix.PollFd
		for i, pfd := range pfds {
			if pfd.Revents == 0 {
				stillWaiting = append(stillWaiting, waiters[i])
				stillPolling = append(stillPolling, pfds[i])
				continue
			}
			r.compl <- r.execReady(waiters[i])
			completed++
		}
		waiters, pfds = stillWaiting, stillPolling
	}
	return completed, nil
}

func (r *pollRing) execReady(s Submission) Completion {
	switch s.Op {
	case OpAccept:
		nfd, _, err := unix.Accept4(s.Fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return Completion{UserData: s.UserData, Result: errnoResult(err)}
		}
		return Completion{UserData: s.UserData, Result: int32(nfd)}
	case OpRecv:
		n, err := unix.Read(s.Fd, s.Buf)
		if err != nil {
			return Completion{UserData: s.UserData, Result: errnoResult(err)}
		}
		return Completion{UserData: s.UserData, Result: int32(n), SockEmpty: n == 0}
	case OpSend:
		n, err := unix.Write(s.Fd, s.Buf)
		if err != nil {
			return Completion{UserData: s.UserData, Result: errnoResult(err)}
		}
		return Completion{UserData: s.UserData, Result: int32(n)}
	default:
		return Completion{UserData: s.UserData, Result: -int32(unix.EINVAL)}
	}
}

func (r *pollRing) execClose(s Submission) Completion {
	err := unix.Close(s.Fd)
	if err != nil {
		return Completion{UserData: s.UserData, Result: errnoResult(err)}
	}
	return Completion{UserData: s.UserData, Result: 0}
}

func (r *pollRing) CQE() (Completion, error) {
	c, ok := <-r.compl
	if !ok {
		return Completion{}, errors.New("ring: closed")
	}
	return c, nil
}

func (r *pollRing) enqueue(op Opcode, fd int, buf []byte, cancelUD, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op = op
	sqe.Fd = fd
	sqe.Buf = buf
	sqe.CancelUD = cancelUD
	sqe.UserData = userData
	return nil
}

func (r *pollRing) Nop(userData uint64) error { return r.enqueue(OpNop, -1, nil, 0, userData) }
func (r *pollRing) Accept(listenFd int, userData uint64) error {
	return r.enqueue(OpAccept, listenFd, nil, 0, userData)
}
func (r *pollRing) Recv(fd int, buf []byte, userData uint64) error {
	return r.enqueue(OpRecv, fd, buf, 0, userData)
}
func (r *pollRing) Send(fd int, buf []byte, userData uint64) error {
	return r.enqueue(OpSend, fd, buf, 0, userData)
}
func (r *pollRing) Close(fd int, userData uint64) error {
	return r.enqueue(OpClose, fd, nil, 0, userData)
}
func (r *pollRing) Cancel(targetUserData, userData uint64) error {
	return r.enqueue(OpCancel, -1, nil, targetUserData, userData)
}

// From creates an independent poll-backed child ring. The poll backend
// has no shared kernel workgroup to join, so the child is simply a
// freshly constructed ring of its own; spec.md §4.2 only requires that
// a Stream's ring not share submission-queue capacity with the
// server's, which a separate pollRing already satisfies.
func (r *pollRing) From(entries int, flags uint32) (Ring, error) {
	if entries <= 0 {
		entries = 64
	}
	return newPollRing(Config{Entries: entries})
}

func (r *pollRing) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.compl)
	return nil
}

func errnoResult(err error) int32 {
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
