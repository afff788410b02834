package sampler

import (
	"sync"
	"time"
)

// Signaler is a one-shot wake primitive. A periodic sampler task sleeps on
// WaitFor between reads; the controller fires Signal once to wake it early
// and have it drain.
type Signaler struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignaler() *Signaler {
	return &Signaler{ch: make(chan struct{})}
}

// Signal wakes the waiter. Safe to call more than once and from any
// goroutine.
func (s *Signaler) Signal() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// WaitFor blocks for the duration or until signaled, whichever comes
// first. Returns true when woken by Signal.
func (s *Signaler) WaitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Signaled reports whether Signal has fired, without blocking.
func (s *Signaler) Signaled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
