package httpconn

import (
	"errors"
	"sync"

	"github.com/behrlich/go-httpring/internal/constants"
	"github.com/behrlich/go-httpring/internal/interfaces"
	"github.com/behrlich/go-httpring/internal/refbuf"
	"github.com/behrlich/go-httpring/internal/ring"
)

// Status is a Session's lifecycle state.
type Status int

const (
	StatusOpen Status = iota
	StatusClosing
	StatusClosed
)

// ErrReadAlreadyActive is returned by SetReadBuffer when a recv is
// already outstanding on this session.
var ErrReadAlreadyActive = errors.New("httpconn: read already active")

// Session owns a connected socket: the fd, the single outstanding ring
// operation, the buffer pool, and (for HTTP/1) its one Stream.
// Grounded on queue.Runner, which likewise owns an fd, a ring, and
// per-tag state behind one mutex, plus backend.Device's
// started/ctx-cancel lifecycle shape.
type Session struct {
	mu sync.Mutex

	fd       int
	status   Status
	r        ring.Ring
	pool     *refbuf.Pool
	logger   interfaces.Logger
	udSource func() uint64

	activeRead   bool
	activeReadUD uint64
	readBuf      refbuf.RefSlice

	stream *Stream

	// OnStreamClosed is invoked once the session's stream has fully
	// closed, letting the server dispatcher retire the session.
	OnStreamClosed func(*Stream)

	// OnSubmit is invoked after a Recv or Cancel SQE is posted to the
	// shared ring from outside the dispatcher's own goroutine (a
	// worker re-arming a read on keep-alive, or a close callback
	// canceling one). The dispatcher wires this to its wake-pipe write
	// so a blocked poll call notices the new submission instead of
	// waiting for unrelated traffic.
	OnSubmit func()

	// WaitForSQSpace, when set, parks the calling goroutine until the
	// shared ring's dispatcher has submitted its queue and freed at
	// least one slot. The dispatcher wires this to its own
	// sq_available condition. Only used by the blocking retry path
	// (EnsureReadActive); callers that might run on the dispatcher's
	// own goroutine use the non-blocking path instead, since nothing
	// else would ever wake them.
	WaitForSQSpace func()
}

// NewSession creates a Session for an accepted fd, eagerly opening its
// single HTTP/1 stream (spec.md P5: exactly one Stream per Session).
func NewSession(fd int, r ring.Ring, streamRing ring.Ring, pool *refbuf.Pool, logger interfaces.Logger, udSource func() uint64) *Session {
	s := &Session{
		fd:       fd,
		status:   StatusOpen,
		r:        r,
		pool:     pool,
		logger:   logger,
		udSource: udSource,
	}
	s.stream = NewStream(s, fd, streamRing, udSource)
	return s
}

// Stream returns the session's sole HTTP/1 stream.
func (s *Session) Stream() *Stream { return s.stream }

// FD reports the underlying socket descriptor.
func (s *Session) FD() int { return s.fd }

// SetReadBuffer acquires a read buffer, tags it with userData, and
// posts a recv SQE. It is safe to call from the dispatcher's own
// goroutine: on ErrSubmissionQueueFull it flushes the ring once and
// retries, but never parks waiting for room.
func (s *Session) SetReadBuffer(userData uint64) error {
	return s.setReadBuffer(userData, false)
}

// setReadBuffer claims the session's read slot, then posts the recv
// SQE outside s.mu so a blocking retry (blocking=true) never holds
// the lock a concurrent ReceiveRead or Close needs. On
// ErrSubmissionQueueFull it flushes the ring and retries once; if
// that alone didn't free a slot and blocking is true, it parks on
// WaitForSQSpace and keeps retrying, per spec.md's submission-queue
// backpressure rule (resource exhaustion: wait on sq_available and
// retry). blocking must be false for any caller that might run on
// the dispatcher's own goroutine, since nothing else drives the ring
// forward while that goroutine is parked.
func (s *Session) setReadBuffer(userData uint64, blocking bool) error {
	s.mu.Lock()
	if s.activeRead {
		s.mu.Unlock()
		return ErrReadAlreadyActive
	}
	if s.status != StatusOpen {
		s.mu.Unlock()
		return nil
	}
	s.activeRead = true
	s.mu.Unlock()

	buf := s.pool.Get(constants.ReadBufferBytes)
	for {
		err := s.r.Recv(s.fd, buf.Bytes(), userData)
		if err == nil {
			break
		}
		if err != ring.ErrSubmissionQueueFull {
			buf.Drop()
			s.clearActiveRead()
			return err
		}
		if _, serr := s.r.Submit(0); serr != nil {
			buf.Drop()
			s.clearActiveRead()
			return serr
		}
		if retryErr := s.r.Recv(s.fd, buf.Bytes(), userData); retryErr == nil {
			break
		} else if retryErr != ring.ErrSubmissionQueueFull {
			buf.Drop()
			s.clearActiveRead()
			return retryErr
		}
		if !blocking || s.WaitForSQSpace == nil {
			buf.Drop()
			s.clearActiveRead()
			return ring.ErrSubmissionQueueFull
		}
		s.WaitForSQSpace()
	}

	s.mu.Lock()
	s.readBuf = buf
	s.activeReadUD = userData
	s.mu.Unlock()
	if s.OnSubmit != nil {
		s.OnSubmit()
	}
	return nil
}

func (s *Session) clearActiveRead() {
	s.mu.Lock()
	s.activeRead = false
	s.mu.Unlock()
}

// ReceiveRead handles the recv completion: on n>0 it appends a
// RefSlice(0..n) to the stream's input queue (it does not parse; the
// caller checks for a completed transaction afterwards); on n==0 or
// error it drops the buffer, moves the session to Closing and closes
// the stream.
func (s *Session) ReceiveRead(n int, recvErr error) {
	s.mu.Lock()
	buf := s.readBuf
	s.readBuf = refbuf.RefSlice{}
	s.activeRead = false
	s.mu.Unlock()

	if recvErr != nil || n == 0 {
		buf.Drop()
		s.mu.Lock()
		s.status = StatusClosing
		s.mu.Unlock()
		s.stream.Close()
		return
	}

	slice := buf.Slice(0, n)
	buf.Drop()
	s.stream.PushInput(slice)
}

// CancelReadBuffer posts a cancel SQE matching the outstanding read's
// user-data, if one is in flight.
func (s *Session) CancelReadBuffer(cancelUserData uint64) error {
	s.mu.Lock()
	active := s.activeRead
	target := s.activeReadUD
	s.mu.Unlock()
	if !active {
		return nil
	}

	err := s.r.Cancel(target, cancelUserData)
	if err == ring.ErrSubmissionQueueFull {
		if _, serr := s.r.Submit(0); serr == nil {
			err = s.r.Cancel(target, cancelUserData)
		}
	}
	if err != nil {
		return err
	}
	if s.OnSubmit != nil {
		s.OnSubmit()
	}
	return nil
}

// Close sets status Closing and asks the ring to cancel any active
// read; completions for the cancelled read are still dequeued
// normally by the dispatcher.
func (s *Session) Close(cancelUserData uint64) {
	s.mu.Lock()
	s.status = StatusClosing
	s.mu.Unlock()
	_ = s.CancelReadBuffer(cancelUserData)
}

// CheckClosing reports whether the session may be destroyed now:
// status is not Open, no read is active, and the stream is Closed.
// Calling it nudges an idle stream to begin closing.
func (s *Session) CheckClosing() bool {
	s.mu.Lock()
	status := s.status
	active := s.activeRead
	s.mu.Unlock()

	if status == StatusOpen {
		return false
	}
	if state := s.stream.State(); state != StreamClosed && !s.stream.InProgress() {
		s.stream.Close()
	}
	return !active && s.stream.State() == StreamClosed
}

// EnsureReadActive arms a recv if none is outstanding, used when a
// handler blocks in Stream.ReadBuffer with an empty input queue or
// when Stream.MarkResponseEnd re-arms the keep-alive read after a
// transaction finishes. Both run on a worker goroutine, so it is safe
// to block on WaitForSQSpace if the ring's submission queue is full.
func (s *Session) EnsureReadActive() error {
	s.mu.Lock()
	active := s.activeRead
	s.mu.Unlock()
	if active {
		return nil
	}
	return s.setReadBuffer(s.udSource(), true)
}

// EnsureReadActiveNonBlocking is EnsureReadActive's counterpart for
// the dispatcher's own goroutine (re-arming a read after a partial
// parse), where parking on WaitForSQSpace would deadlock: nothing
// else drives the ring forward while that goroutine is blocked.
func (s *Session) EnsureReadActiveNonBlocking() error {
	s.mu.Lock()
	active := s.activeRead
	s.mu.Unlock()
	if active {
		return nil
	}
	return s.setReadBuffer(s.udSource(), false)
}
