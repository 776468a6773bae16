package parklot

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	lockBit   uint32 = 1 << 0
	parkedBit uint32 = 1 << 1
)

const spinLimit = 40

// BargingLock is a 2-bit mutex whose wake protocol allows an incoming
// ("barging") thread to acquire the lock before a woken waiter gets a
// chance to — throughput-biased over fairness, matching spec.md §4.1.
// Grounded on the CAS-discipline the teacher uses to gate tag-state
// transitions in queue.Runner.handleCompletion/submitCommitAndFetch
// ("only transition when the prior state matches"), generalized from a
// handful of enum states into a general-purpose lock word.
type BargingLock struct {
	state uint32
	lot   *Lot
}

// NewBargingLock creates a lock backed by the given parking lot (nil
// uses the process-wide default).
func NewBargingLock(lot *Lot) *BargingLock {
	if lot == nil {
		lot = Default()
	}
	return &BargingLock{lot: lot}
}

func (m *BargingLock) addr() uintptr {
	return uintptr(unsafe.Pointer(m))
}

// Lock acquires the lock, parking the calling goroutine if contended.
func (m *BargingLock) Lock() {
	if atomic.CompareAndSwapUint32(&m.state, 0, lockBit) {
		return
	}
	m.lockSlow()
}

func (m *BargingLock) lockSlow() {
	spins := 0
	for {
		state := atomic.LoadUint32(&m.state)

		if state&lockBit == 0 {
			if atomic.CompareAndSwapUint32(&m.state, state, state|lockBit) {
				return
			}
			continue
		}

		if spins < spinLimit && state&parkedBit == 0 {
			spins++
			runtime.Gosched()
			continue
		}

		if state&parkedBit == 0 {
			if !atomic.CompareAndSwapUint32(&m.state, state, state|parkedBit) {
				continue
			}
		}

		ParkConditionally(m.lot, m.addr(), func() bool {
			return atomic.LoadUint32(&m.state) == lockBit|parkedBit
		}, nil)
		spins = 0
	}
}

// Unlock releases the lock. If other goroutines are parked waiting for
// it, one is woken; a barging goroutine may still acquire the lock
// before the woken waiter resumes, which is intentional.
func (m *BargingLock) Unlock() {
	if atomic.CompareAndSwapUint32(&m.state, lockBit, 0) {
		return
	}
	m.unlockSlow()
}

// unlockSlow relies on UnparkOne running its callback while the
// bucket lock is still held: the fixup below must be atomic with
// respect to any goroutine concurrently calling ParkConditionally on
// the same address, or a waiter could set parkedBit and enqueue
// itself in the window between this function's two stores, only to
// have its bit silently overwritten here.
func (m *BargingLock) unlockSlow() {
	atomic.StoreUint32(&m.state, 0)
	UnparkOne(m.lot, m.addr(), func(r UnparkResult) {
		if !r.DidUnpark || !r.MayHaveMore {
			return
		}
		// The lock stays free so the woken waiter (or a barger) can take
		// it; only the parked bit is put back for the remaining waiters.
		for {
			old := atomic.LoadUint32(&m.state)
			if atomic.CompareAndSwapUint32(&m.state, old, old|parkedBit) {
				return
			}
		}
	})
}

// TryLock attempts to acquire the lock without blocking.
func (m *BargingLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, lockBit)
}
