package parklot

import "unsafe"

// Cond is a condition variable built on the parking lot, in the spirit
// of sync.Cond but using Lot-based wait queues instead of a runtime
// notifyList. Grounded on the one-shot rendezvous channel
// queue.Runner.Start hands between the spawning goroutine and the
// pinned I/O goroutine, generalized into a reusable wait/notify
// primitive with many waiters.
type Cond struct {
	lot   *Lot
	epoch uint64
}

// NewCond creates a condition variable backed by the given lot (nil
// uses the process-wide default).
func NewCond(lot *Lot) *Cond {
	if lot == nil {
		lot = Default()
	}
	return &Cond{lot: lot}
}

func (c *Cond) addr() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// Wait releases lock, parks until Notify wakes this waiter, then
// reacquires lock before returning — mirroring sync.Cond.Wait's
// contract.
func (c *Cond) Wait(lock *BargingLock) {
	ParkConditionally(c.lot, c.addr(), func() bool { return true }, func() {
		lock.Unlock()
	})
	lock.Lock()
}

// NotifyOne wakes one waiter, if any.
func (c *Cond) NotifyOne() {
	UnparkOne(c.lot, c.addr(), nil)
}

// NotifyAll wakes every current waiter.
func (c *Cond) NotifyAll() {
	UnparkAll(c.lot, c.addr())
}
