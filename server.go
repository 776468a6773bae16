package httpring

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-httpring/internal/constants"
	"github.com/behrlich/go-httpring/internal/httpconn"
	"github.com/behrlich/go-httpring/internal/interfaces"
	"github.com/behrlich/go-httpring/internal/logging"
	"github.com/behrlich/go-httpring/internal/parklot"
	"github.com/behrlich/go-httpring/internal/refbuf"
	"github.com/behrlich/go-httpring/internal/ring"
	"github.com/behrlich/go-httpring/internal/transaction"
)

// ServerStatus is a Server's lifecycle state, mirroring
// backend.go's DeviceState but for the dispatcher rather than a block
// device.
type ServerStatus int32

const (
	StatusRunning ServerStatus = iota
	StatusStopping
	StatusStopped
)

func (s ServerStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerParams configures a Server, grounded on DeviceParams's shape:
// a collaborator (Backend there, Handler here) plus tunables with
// documented zero-value defaults.
type ServerParams struct {
	// Addrs lists the listen addresses, e.g. "tcp://127.0.0.1:8080" or
	// "unix:///run/httpring.sock". At least one is required.
	Addrs []string

	// Handler serves every completed transaction.
	Handler Handler

	// Workers is the worker pool size (0 means GOMAXPROCS).
	Workers int

	// WorkerQueueDepth bounds how many dispatched-but-not-yet-running
	// transactions may queue before Dispatch returns
	// ErrWorkerPoolFull (0 means Workers*4).
	WorkerQueueDepth int

	// RingEntries is the main ring's submission depth (0 means
	// constants.DefaultRingDepth).
	RingEntries int

	// Logger receives diagnostic output (nil uses logging.Default()).
	Logger *logging.Logger

	// Observer receives per-request and per-connection metrics (nil
	// wires a MetricsObserver over the Server's own Metrics).
	Observer interfaces.Observer

	// CPUAffinity pins the dispatch thread to CPUAffinity[0] and
	// round-robins worker goroutines over the remaining entries, in
	// the spirit of DeviceParams.CPUAffinity. Nil disables pinning.
	CPUAffinity []int
}

// DefaultParams returns ServerParams listening on an ephemeral
// loopback port with auto-sized worker and ring depth.
func DefaultParams(handler Handler) ServerParams {
	return ServerParams{
		Addrs:       []string{"tcp://127.0.0.1:0"},
		Handler:     handler,
		Workers:     constants.DefaultWorkerPoolSize,
		RingEntries: constants.DefaultRingDepth,
	}
}

// eventKind discriminates completions and async events by what they
// refer to, packed into the top byte of a ring UserData tag. This
// replaces the teacher's pointer-into-a-fixed-tag-array identification
// scheme (internal/queue/runner.go resolves a completion's tag by
// treating UserData as a pointer into its own []ioTag): Go's GC makes
// that unsafe for values the server doesn't pin, so a UserData here is
// always a plain integer tag, never a disguised pointer.
type eventKind uint8

const (
	eventAccept eventKind = iota
	eventRead
	eventCancel
	eventClose
	eventWake
)

const seqMask = (uint64(1) << 56) - 1

func tagUserData(kind eventKind, seq uint64) uint64 {
	return uint64(kind)<<56 | (seq & seqMask)
}

func untagUserData(ud uint64) (eventKind, uint64) {
	return eventKind(ud >> 56), ud & seqMask
}

type serverEvent struct {
	sessionID uint64
}

// Server is the root of spec.md §4.7's dispatcher: it owns the listen
// sockets and the main completion ring, runs the accept/read loop on
// one dedicated goroutine, and hands completed transactions to a
// worker pool that calls Handler.ServeHTTP.
//
// Grounded on backend.Device (collaborator + lifecycle fields) and
// queue.Runner (ring ownership, one pinned goroutine per ring,
// ctx/Stop-driven shutdown).
type Server struct {
	params   ServerParams
	ring     ring.Ring
	pool     *refbuf.Pool
	logger   *logging.Logger
	observer interfaces.Observer
	metrics  *Metrics
	workers  *workerPool

	mu            sync.Mutex
	listeners     []listenerSocket
	sessions      map[uint64]*httpconn.Session
	nextSessionID uint64

	// sqAvailable is notified every time the dispatch loop's own
	// Submit call returns, standing in for spec.md's sq_available:
	// a worker goroutine that hit ErrSubmissionQueueFull parks on it
	// via waitForSQSpace and retries once the dispatcher has flushed
	// the ring.
	sqLock      *parklot.BargingLock
	sqAvailable *parklot.Cond

	status atomic.Int32

	events      chan serverEvent
	wakeReadFd  int
	wakeWriteFd int
	wakeBuf     [1]byte

	dispatchDone chan struct{}

	// Addrs holds the actual bound addresses (useful when an Addrs
	// entry asked for an ephemeral port).
	Addrs []string
}

// ListenAndServe is a convenience wrapper binding an ephemeral
// loopback TCP port, matching the zero-configuration entry point
// spec.md §6's embedded-server CLI surface describes.
func ListenAndServe(handler Handler) (*Server, error) {
	return CreateAndServe(DefaultParams(handler))
}

// CreateAndServe opens every listener in params.Addrs, starts the
// worker pool, and launches the dispatch loop. The server begins
// accepting connections before CreateAndServe returns.
func CreateAndServe(params ServerParams) (*Server, error) {
	if params.Handler == nil {
		return nil, fmt.Errorf("httpring: ServerParams.Handler is required")
	}
	if len(params.Addrs) == 0 {
		return nil, fmt.Errorf("httpring: ServerParams.Addrs is required")
	}
	if params.RingEntries <= 0 {
		params.RingEntries = constants.DefaultRingDepth
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	r, err := ring.NewRing(ring.Config{Entries: params.RingEntries, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("httpring: failed to create ring: %w", err)
	}

	listeners := make([]listenerSocket, 0, len(params.Addrs))
	addrs := make([]string, 0, len(params.Addrs))
	for _, a := range params.Addrs {
		l, err := listenSocket(a)
		if err != nil {
			for _, opened := range listeners {
				unix.Close(opened.fd)
			}
			r.Shutdown()
			return nil, err
		}
		listeners = append(listeners, l)
		addrs = append(addrs, l.addr)
	}

	wakeFds := make([]int, 2)
	if err := unix.Pipe2(wakeFds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		for _, l := range listeners {
			unix.Close(l.fd)
		}
		r.Shutdown()
		return nil, fmt.Errorf("httpring: failed to create wake pipe: %w", err)
	}

	sqLot := parklot.Default()
	s := &Server{
		params:       params,
		ring:         r,
		pool:         refbuf.NewPool(),
		logger:       logger,
		observer:     observer,
		metrics:      metrics,
		listeners:    listeners,
		sessions:     make(map[uint64]*httpconn.Session),
		sqLock:       parklot.NewBargingLock(sqLot),
		sqAvailable:  parklot.NewCond(sqLot),
		events:       make(chan serverEvent, 256),
		wakeReadFd:   wakeFds[0],
		wakeWriteFd:  wakeFds[1],
		dispatchDone: make(chan struct{}),
		Addrs:        addrs,
	}
	s.status.Store(int32(StatusRunning))

	var workerAffinity []int
	if len(params.CPUAffinity) > 1 {
		workerAffinity = params.CPUAffinity[1:]
	}
	s.workers = newWorkerPool(params.Workers, params.WorkerQueueDepth, workerAffinity, logger, observer)

	for idx := range s.listeners {
		s.postAccept(idx)
	}
	s.postWakeRecv()

	go s.dispatchLoop()

	return s, nil
}

// Metrics returns the server's metrics instance. It is populated only
// when ServerParams.Observer was nil; with a custom Observer its
// counters stay at zero.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Status reports the server's current lifecycle state.
func (s *Server) Status() ServerStatus { return ServerStatus(s.status.Load()) }

func (s *Server) postAccept(idx int) {
	fd := s.listeners[idx].fd
	ud := tagUserData(eventAccept, uint64(idx))
	if err := s.ring.Accept(fd, ud); err != nil {
		if err == ring.ErrSubmissionQueueFull {
			if _, serr := s.ring.Submit(0); serr == nil {
				if err = s.ring.Accept(fd, ud); err == nil {
					return
				}
			}
		}
		s.logger.Errorf("listener %d: accept repost failed: %v", idx, err)
	}
}

func (s *Server) postWakeRecv() {
	ud := tagUserData(eventWake, 0)
	if err := s.ring.Recv(s.wakeReadFd, s.wakeBuf[:], ud); err != nil {
		if err == ring.ErrSubmissionQueueFull {
			if _, serr := s.ring.Submit(0); serr == nil {
				if err = s.ring.Recv(s.wakeReadFd, s.wakeBuf[:], ud); err == nil {
					return
				}
			}
		}
		s.logger.Errorf("wake pipe repost failed: %v", err)
	}
}

// waitForSQSpace parks the calling goroutine until the dispatch loop's
// next successful Submit, per spec.md's submission-queue backpressure
// rule ("wait on sq_available and retry"). Only safe to call from a
// goroutine other than the dispatch loop itself: the loop is the sole
// source of the notification this blocks on.
func (s *Server) waitForSQSpace() {
	s.sqLock.Lock()
	s.sqAvailable.Wait(s.sqLock)
	s.sqLock.Unlock()
}

// wakeDispatch forces a blocked dispatch loop's poll call to return
// promptly: a freshly queued submission alone does not interrupt an
// in-progress blocking Submit call, so any goroutine that needs the
// loop's attention writes to the wake pipe instead, the standard
// self-pipe trick generalized from queue.Runner's single in-process
// ring to this multi-goroutine dispatcher.
func (s *Server) wakeDispatch() {
	b := [1]byte{1}
	_, _ = unix.Write(s.wakeWriteFd, b[:])
}

// dispatchLoop is the single goroutine that owns the main ring's
// Submit/CQE cycle, grounded on queue.Runner.ioLoop: pin to an OS
// thread, optionally pin to a CPU, then loop submitting and draining
// completions until told to stop.
func (s *Server) dispatchLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if len(s.params.CPUAffinity) > 0 {
		pinToCPU(s.params.CPUAffinity[0])
	}

	for {
		if _, err := s.ring.Submit(1); err != nil {
			s.logger.Errorf("ring submit failed: %v", err)
			break
		}
		s.sqAvailable.NotifyAll()
		c, err := s.ring.CQE()
		if err != nil {
			break
		}
		s.handleCompletion(c)
		if s.maybeFinishShutdown() {
			break
		}
	}
	close(s.dispatchDone)
}

func (s *Server) handleCompletion(c ring.Completion) {
	kind, seq := untagUserData(c.UserData)
	switch kind {
	case eventAccept:
		s.handleAccept(int(seq), c)
	case eventRead:
		s.handleReadCompletion(seq, c)
	case eventCancel:
		s.handleCancelCompletion(seq)
	case eventClose:
		if err := c.AsClose(); err != nil {
			s.logger.Debugf("session %d: close completion: %v", seq, err)
		}
	case eventWake:
		s.handleWake()
	}
}

func (s *Server) handleAccept(idx int, c ring.Completion) {
	if s.Status() != StatusRunning {
		return
	}
	fd, err := c.AsAccept()
	if err != nil {
		s.logger.Debugf("listener %d: accept failed: %v", idx, err)
		s.postAccept(idx)
		return
	}
	s.setupNewSession(fd)
	s.postAccept(idx)
}

func (s *Server) setupNewSession(fd int) {
	sessionID := atomic.AddUint64(&s.nextSessionID, 1)

	streamRing, err := s.ring.From(constants.DefaultRingDepth, 0)
	if err != nil {
		s.logger.Errorf("session %d: failed to create stream ring: %v", sessionID, err)
		unix.Close(fd)
		return
	}

	udSource := func() uint64 { return tagUserData(eventRead, sessionID) }
	sess := httpconn.NewSession(fd, s.ring, streamRing, s.pool, s.logger, udSource)
	sess.OnStreamClosed = func(*httpconn.Stream) { s.notifyStreamClosed(sessionID) }
	sess.OnSubmit = s.wakeDispatch
	sess.WaitForSQSpace = s.waitForSQSpace

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.observer.ObserveConnOpen()

	if err := sess.SetReadBuffer(udSource()); err != nil {
		s.logger.Errorf("session %d: initial read failed: %v", sessionID, err)
	}
}

func (s *Server) handleReadCompletion(sessionID uint64, c ring.Completion) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	n, err := c.AsRecv()
	sess.ReceiveRead(n, err)
	if err != nil || n == 0 {
		if sess.CheckClosing() {
			s.destroySession(sessionID)
		}
		return
	}

	stream := sess.Stream()
	req, complete, perr := stream.TryParseTransaction()
	if perr != nil {
		s.respondBadRequest(stream)
		if sess.CheckClosing() {
			s.destroySession(sessionID)
		}
		return
	}
	if complete {
		s.dispatchRequest(stream, req)
		return
	}
	// Runs on the dispatch loop itself, so it must not risk parking on
	// sqAvailable: only this goroutine's own Submit ever notifies it.
	if err := sess.EnsureReadActiveNonBlocking(); err != nil {
		s.logger.Errorf("session %d: re-arm read failed: %v", sessionID, err)
	}
}

func (s *Server) handleCancelCompletion(sessionID uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if sess.CheckClosing() {
		s.destroySession(sessionID)
	}
}

func (s *Server) handleWake() {
	s.drainEvents()
	if s.Status() == StatusStopping {
		s.sweepForShutdown()
	}
	s.postWakeRecv()
}

func (s *Server) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			s.finishCloseStream(ev.sessionID)
		default:
			return
		}
	}
}

// finishCloseStream is the common teardown step for a stream that has
// reached StreamClosed, whichever goroutine noticed it: mark the
// session closing, cancel any outstanding read, and destroy it once
// nothing is left in flight.
func (s *Server) finishCloseStream(sessionID uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Close(tagUserData(eventCancel, sessionID))
	if sess.CheckClosing() {
		s.destroySession(sessionID)
	}
}

func (s *Server) sweepForShutdown() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.finishCloseStream(id)
	}
}

func (s *Server) destroySession(sessionID uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ud := tagUserData(eventClose, sessionID)
	if err := s.ring.Close(sess.FD(), ud); err != nil {
		s.logger.Errorf("session %d: close submit failed: %v", sessionID, err)
	}
	s.wakeDispatch()
	s.observer.ObserveConnClose(0)
}

// notifyStreamClosed is the OnStreamClosed callback handed to every
// Session; it may run on a worker goroutine (handler finished, no
// keep-alive) or on the dispatch goroutine itself (a recv error or
// parse failure), so it only ever queues an event and wakes the
// dispatch loop rather than touching session state directly.
func (s *Server) notifyStreamClosed(sessionID uint64) {
	select {
	case s.events <- serverEvent{sessionID: sessionID}:
	default:
		s.logger.Debugf("session %d: close event dropped, queue full", sessionID)
	}
	s.wakeDispatch()
}

func (s *Server) dispatchRequest(stream *httpconn.Stream, req *httpconn.Request) {
	txn := transaction.New(stream, req, s.pool)
	if err := s.workers.Dispatch(txn, s.params.Handler); err != nil {
		s.observer.ObserveOverload()
		s.respondOverload(txn)
	}
}

// respondOverload serves spec.md §6's bodyless 429 directly on the
// dispatch thread when the worker pool has no room, without ever
// calling the handler.
func (s *Server) respondOverload(txn *transaction.Transaction) {
	txn.ResetResponse(429)
	txn.Deinit()
	s.observer.ObserveRequest(txn.Request.Method, 429, 0, 0, 0)
}

const badRequestBody = "<html><body><h1>400 Bad Request</h1></body></html>"

// badRequestResponse serves spec.md §6's literal HTML-bodied 400: no
// Transaction exists yet since the request line or headers never
// finished parsing, so the bytes are built and sent directly.
func badRequestResponse() []byte {
	body := []byte(badRequestBody)
	header := fmt.Sprintf(
		"HTTP/1.1 400 Bad Request\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		len(body))
	return append([]byte(header), body...)
}

func (s *Server) respondBadRequest(stream *httpconn.Stream) {
	stream.SetKeepAlive(false)
	if err := stream.WriteResponse(badRequestResponse()); err != nil {
		s.logger.Debugf("bad request response failed: %v", err)
	}
	stream.Close()
}

func (s *Server) maybeFinishShutdown() bool {
	if s.Status() != StatusStopping {
		return false
	}
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return n == 0
}

// Stop drains every session gracefully: new connections stop being
// accepted immediately, idle and in-progress streams alike are asked
// to close (an in-progress handler sees its next body read return
// io.EOF rather than being killed outright, so it still gets to write
// a response and Deinit still flushes it), and Stop blocks until the
// dispatch loop has retired every session.
func (s *Server) Stop() error {
	if !s.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return nil
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, l := range listeners {
		unix.Close(l.fd)
	}

	s.wakeDispatch()

	for {
		s.mu.Lock()
		n := len(s.sessions)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		s.sweepForShutdown()
		s.wakeDispatch()
		time.Sleep(constants.ShutdownDrainPoll)
	}

	<-s.dispatchDone
	s.workers.Close()
	s.metrics.Stop()
	_ = s.ring.Shutdown()
	unix.Close(s.wakeReadFd)
	unix.Close(s.wakeWriteFd)
	s.status.Store(int32(StatusStopped))
	return nil
}
