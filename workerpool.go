package httpring

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/behrlich/go-httpring/internal/interfaces"
	"github.com/behrlich/go-httpring/internal/logging"
	"github.com/behrlich/go-httpring/internal/transaction"
	"golang.org/x/sys/unix"
)

// ErrWorkerPoolFull is returned by workerPool.Dispatch when every
// worker is busy and the job queue has no free slot, the trigger for
// the 429 overload path of spec.md §4.7.
var ErrWorkerPoolFull = errors.New("httpring: worker pool full")

type job struct {
	txn     *transaction.Transaction
	handler Handler
}

// workerPool runs a fixed number of goroutines draining one shared job
// channel, generalized from queue.Runner's one-pinned-goroutine-per-ring
// ioLoop into N goroutines sharing a single queue: each worker pins
// itself to one CPU the same way ioLoop does, but no worker owns a
// ring of its own since handler code never touches the completion
// ring directly.
type workerPool struct {
	jobs chan job
	wg   sync.WaitGroup

	logger   *logging.Logger
	observer interfaces.Observer
}

// newWorkerPool starts size worker goroutines (size<=0 defaults to
// GOMAXPROCS) draining a channel of the given depth. affinity, if
// non-empty, pins worker i to CPU affinity[i%len(affinity)] the way
// queue.Runner.ioLoop pins itself to its queue's CPU.
func newWorkerPool(size, queueDepth int, affinity []int, logger *logging.Logger, observer interfaces.Observer) *workerPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if queueDepth <= 0 {
		queueDepth = size * 4
	}
	p := &workerPool{
		jobs:     make(chan job, queueDepth),
		logger:   logger,
		observer: observer,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		var cpu int
		hasCPU := false
		if len(affinity) > 0 {
			cpu = affinity[i%len(affinity)]
			hasCPU = true
		}
		go p.run(i, cpu, hasCPU)
	}
	return p
}

func (p *workerPool) run(idx, cpu int, hasCPU bool) {
	defer p.wg.Done()
	if hasCPU {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		pinToCPU(cpu)
	}
	for j := range p.jobs {
		p.serve(j)
	}
}

// serve invokes the handler and guarantees the transaction is always
// finalized, even if the handler panics, matching spec.md §7's "the
// transaction's deinit still runs to flush and free" guarantee.
func (p *workerPool) serve(j job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Errorf("handler panic: %v", r)
		}
		method := j.txn.Request.Method
		j.txn.Deinit()
		if p.observer != nil {
			p.observer.ObserveRequest(method, j.txn.Response.Code, 0, 0, uint64(time.Since(start).Nanoseconds()))
		}
	}()
	j.handler.ServeHTTP(j.txn)
}

// Dispatch enqueues a job without blocking, returning ErrWorkerPoolFull
// if the queue is saturated.
func (p *workerPool) Dispatch(txn *transaction.Transaction, handler Handler) error {
	select {
	case p.jobs <- job{txn: txn, handler: handler}:
		return nil
	default:
		return ErrWorkerPoolFull
	}
}

// Close stops accepting new jobs and waits for in-flight ones to
// finish.
func (p *workerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

// pinToCPU sets this OS thread's affinity to a single CPU, matching
// queue.Runner.ioLoop's round-robin affinity assignment. A failure is
// not fatal; the worker keeps running unpinned.
func pinToCPU(cpu int) {
	var mask unix.CPUSet
	mask.Set(cpu)
	_ = unix.SchedSetaffinity(0, &mask)
}
