package parklot

import "time"

// Switch provides one-to-one rendezvous between two goroutines, standing
// in for spec.md §4.1's per-thread futex word used to hand control
// between a dispatcher and an owner thread. Grounded on
// queue.Runner.Start's startErr channel, which is exactly this pattern
// used once; Switch makes it reusable.
type Switch struct {
	ch chan struct{}
}

// NewSwitch creates a Switch ready for one pending handoff.
func NewSwitch() *Switch {
	return &Switch{ch: make(chan struct{}, 1)}
}

// WaitTimeout blocks until Resume is called or the timeout elapses
// (timeout<=0 waits forever). Returns false on timeout.
func (s *Switch) WaitTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		<-s.ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Resume wakes a goroutine parked in WaitTimeout. Non-blocking: if no
// one is waiting yet, the wakeup is latched for the next WaitTimeout
// call (capacity-1 channel).
func (s *Switch) Resume() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// SwitchTo resumes target and then waits to be resumed in turn,
// implementing a synchronous handoff: the caller blocks until control
// comes back. self must be a Switch the caller will be resumed on.
func SwitchTo(target *Switch, self *Switch) {
	target.Resume()
	self.WaitTimeout(0)
}
