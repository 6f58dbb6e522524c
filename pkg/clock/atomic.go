package clock

import "sync/atomic"

// AtomicClock is a lock-free 16-bit counter that wraps at 0xffff.
type AtomicClock struct {
	v atomic.Uint32
}

func NewAtomic(init uint16) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint16 {
	return uint16(ac.v.Load())
}

func (ac *AtomicClock) Next() uint16 {
	return uint16(ac.v.Add(1))
}

func (ac *AtomicClock) Set(t uint16) {
	ac.v.Store(uint32(t))
}
