// File: core/sem/semaphore.go
// Package sem implements a portable counting semaphore.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Semaphore is a non-negative integer count with blocking, timed, and
// non-blocking acquire. It is the lowest layer of the waitable FIFO
// substrate (see core/fifo): write-space and read-data gates are both
// semaphores, and the FIFO's flow-disable path reposts and resets one
// of these to guarantee a blocked waiter wakes.
//
// The platform-specific semaphore primitives named in the spec this
// package implements (POSIX sem_t, Win32 semaphores, Mach semaphores)
// are deliberately out of scope here: Go's runtime does not expose a
// native semaphore, and the teacher repo itself carries no OS-semaphore
// binding anywhere in its core packages, so this is built on
// sync.Mutex + sync.Cond, the same primitive the pack already reaches
// for (e.g. the orion-care-sensor framesupplier's inbox condition
// variable) for exactly this kind of blocking handoff.

package sem

import (
	"sync"
	"time"
)

// Semaphore is a counting semaphore safe for any number of concurrent
// waiters and posters. The zero value is not usable; use New.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// New creates a semaphore with initial count n.
func New(n int) *Semaphore {
	s := &Semaphore{count: n}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Post increments the count and wakes at most one waiter.
func (s *Semaphore) Post() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Wait blocks until the count is positive, then decrements it.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
}

// TryWait attempts a non-blocking acquire. It reports whether the
// count was positive and has been decremented.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// WaitTimed blocks until the count is positive or d elapses, whichever
// comes first. It reports whether the semaphore was acquired. A
// non-positive d degenerates to an untimed Wait, matching the "ms < 1"
// rule from the semaphore's original contract.
func (s *Semaphore) WaitTimed(d time.Duration) bool {
	if d <= 0 {
		s.Wait()
		return true
	}

	deadline := time.Now().Add(d)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.count == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		timer.Stop()
	}
	s.count--
	return true
}

// Reset drains the count to zero via repeated TryWait. Used by the
// FIFO's flow-disable path to clear the single permit it just posted
// without leaving a stray resource behind.
func (s *Semaphore) Reset() {
	for s.TryWait() {
	}
}
