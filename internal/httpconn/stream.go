package httpconn

import (
	"io"

	"github.com/behrlich/go-httpring/internal/parklot"
	"github.com/behrlich/go-httpring/internal/refbuf"
	"github.com/behrlich/go-httpring/internal/ring"
)

// StreamState is the per-stream lifecycle spec.md §4.5 names.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

// Stream owns the HTTP/1 request parser, the input queue of arrived
// bytes, and the sub-ring used for response sends. It guards its own
// state with the parking-lot primitives rather than a plain
// sync.Mutex/sync.Cond, matching spec.md §5's "each Stream holds its
// own lock guarding its parse state, input queue, and response-end
// flag" over the same sync core the dispatcher's sq_available
// condition uses.
type Stream struct {
	session *Session
	fd      int
	w       ring.Ring
	udSource func() uint64

	mu         *parklot.BargingLock
	updateCond *parklot.Cond

	state      StreamState
	parser     *Parser
	input      []refbuf.RefSlice
	keepAlive  bool
	inProgress bool
	pending    int
}

// NewStream creates a stream in the Open state, ready to parse the
// first request.
func NewStream(session *Session, fd int, w ring.Ring, udSource func() uint64) *Stream {
	lot := parklot.Default()
	return &Stream{
		session:    session,
		fd:         fd,
		w:          w,
		udSource:   udSource,
		mu:         parklot.NewBargingLock(lot),
		updateCond: parklot.NewCond(lot),
		state:      StreamOpen,
		parser:     NewParser(),
		keepAlive:  true,
	}
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetKeepAlive records whether the connection persists after the
// current transaction.
func (s *Stream) SetKeepAlive(v bool) {
	s.mu.Lock()
	s.keepAlive = v
	s.mu.Unlock()
}

// KeepAlive reports the stream's current keep-alive setting.
func (s *Stream) KeepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// SetInProgress marks whether a Transaction is currently alive on this
// stream; Session.CheckClosing does not close the stream while true.
func (s *Stream) SetInProgress(v bool) {
	s.mu.Lock()
	s.inProgress = v
	s.mu.Unlock()
}

// InProgress reports whether a Transaction is alive on this stream.
func (s *Stream) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// PushInput appends an arrived chunk to the input queue and wakes any
// waiter in ReadBuffer.
func (s *Stream) PushInput(b refbuf.RefSlice) {
	s.mu.Lock()
	s.input = append(s.input, b)
	s.mu.Unlock()
	s.updateCond.NotifyAll()
}

func (s *Stream) pushFront(b refbuf.RefSlice) {
	s.input = append(s.input, refbuf.RefSlice{})
	copy(s.input[1:], s.input)
	s.input[0] = b
}

// TryParseTransaction drains the input queue through the incremental
// parser until a request completes, the queue empties, or a parse
// error occurs. On success any residual bytes in the final chunk are
// pushed back to the front of the queue per spec.md §4.5.
func (s *Stream) TryParseTransaction() (*Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.input) > 0 {
		chunk := s.input[0]
		s.input = s.input[1:]

		consumed, final, err := s.parser.Feed(chunk.Bytes())
		if err != nil {
			chunk.Drop()
			return nil, false, err
		}
		if !final {
			chunk.Drop()
			continue
		}

		if leftoverLen := chunk.Len() - consumed; leftoverLen > 0 {
			leftover := chunk.Slice(consumed, chunk.Len())
			s.pushFront(leftover)
		}
		chunk.Drop()

		req := s.parser.Request()
		s.parser = NewParser()
		s.inProgress = true
		return req, true, nil
	}
	return nil, false, nil
}

// ReadBuffer returns the next queued chunk, blocking on the stream's
// update condition (and ensuring the session has an active read) if
// the queue is empty.
func (s *Stream) ReadBuffer() (refbuf.RefSlice, error) {
	s.mu.Lock()
	for len(s.input) == 0 {
		if s.state == StreamClosed {
			s.mu.Unlock()
			return refbuf.RefSlice{}, io.EOF
		}
		if err := s.session.EnsureReadActive(); err != nil {
			s.mu.Unlock()
			return refbuf.RefSlice{}, err
		}
		s.updateCond.Wait(s.mu)
	}
	b := s.input[0]
	s.input = s.input[1:]
	s.mu.Unlock()
	return b, nil
}

func (s *Stream) nextUserData() uint64 {
	if s.udSource != nil {
		return s.udSource()
	}
	return 0
}

// submitSend posts one send SQE to the stream's own sub-ring. A
// handler that writes many chunks before the next Flush (chunked and
// gzip-chunked bodies do this) can run the sub-ring out of slots
// before anything else would ever drain it, so on
// ErrSubmissionQueueFull this flushes what's already pending itself
// and retries, rather than deferring to the shared ring's
// sq_available: the sub-ring belongs to this Stream alone, and
// nothing but this goroutine's own Flush ever makes room in it.
// Called with s.mu held.
func (s *Stream) submitSend(b []byte) error {
	ud := s.nextUserData()
	for {
		err := s.w.Send(s.fd, b, ud)
		if err == nil {
			s.pending++
			return nil
		}
		if err != ring.ErrSubmissionQueueFull || s.pending == 0 {
			return err
		}
		if ferr := s.flushLocked(); ferr != nil {
			return ferr
		}
	}
}

// WriteSlice schedules one send on the sub-ring without waiting for
// it to complete.
func (s *Stream) WriteSlice(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitSend(b)
}

// flushLocked submits any pending SQEs and drains as many CQEs as
// they represent, per spec.md O2's one-completion-per-submission
// ordering. Called with s.mu held.
func (s *Stream) flushLocked() error {
	n := s.pending
	s.pending = 0
	if n == 0 {
		return nil
	}
	if _, err := s.w.Submit(n); err != nil {
		return err
	}
	var firstErr error
	for i := 0; i < n; i++ {
		c, err := s.w.CQE()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, sendErr := c.AsSend(); sendErr != nil && firstErr == nil {
			firstErr = sendErr
		}
	}
	return firstErr
}

// Flush submits any pending SQEs and drains as many CQEs as they
// represent, per spec.md O2's one-completion-per-submission ordering.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// WriteResponse sends an already serialised status line and header
// block, consuming one completion before returning.
func (s *Stream) WriteResponse(headerBytes []byte) error {
	if err := s.WriteSlice(headerBytes); err != nil {
		return err
	}
	return s.Flush()
}

// MarkResponseEnd is called when a Transaction is destroyed: if
// keep-alive is on, the stream re-arms a read for the next request;
// otherwise it closes.
func (s *Stream) MarkResponseEnd() {
	s.mu.Lock()
	s.inProgress = false
	keepAlive := s.keepAlive
	s.mu.Unlock()

	if keepAlive {
		_ = s.session.EnsureReadActive()
		return
	}
	s.Close()
}

// Close sets state Closed and notifies waiters. The dispatcher is
// responsible for removing the stream from its session once any
// in-progress transaction has ended.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.state = StreamClosed
	for _, b := range s.input {
		b.Drop()
	}
	s.input = nil
	s.mu.Unlock()
	s.updateCond.NotifyAll()

	if s.session.OnStreamClosed != nil {
		s.session.OnStreamClosed(s)
	}
}
