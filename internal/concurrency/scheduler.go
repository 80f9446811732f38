// File: internal/concurrency/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduler is a min-heap timer queue backing pipeline retry/backoff
// delays. One goroutine sleeps until the next due task, re-arming
// whenever a nearer task is scheduled or the current one is canceled.

package concurrency

import (
	"container/heap"
	"sync"
	"time"

	"github.com/richinsley/ffarcana/api"
)

type timerTask struct {
	due     int64 // UnixNano
	fn      func()
	index   int
	pending bool
	done    chan struct{}
	doneOne sync.Once
}

func (t *timerTask) markDone() {
	t.doneOne.Do(func() { close(t.done) })
}

type taskHeap []*timerTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*timerTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler implements api.Scheduler with a single background timer
// goroutine and a min-heap of pending tasks.
type Scheduler struct {
	mu     sync.Mutex
	timerQ taskHeap
	notify chan struct{}
	stop   chan struct{}
	timer  *time.Timer
}

// NewScheduler starts a scheduler and its background timer goroutine.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		timer:  time.NewTimer(time.Hour),
	}
	s.timer.Stop()
	go s.run()
	return s
}

// Schedule arranges for fn to run after delayNanos.
func (s *Scheduler) Schedule(delayNanos int64, fn func()) (api.Cancelable, error) {
	t := &timerTask{
		due:     time.Now().UnixNano() + delayNanos,
		fn:      fn,
		pending: true,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	heap.Push(&s.timerQ, t)
	isHead := s.timerQ[0] == t
	s.mu.Unlock()

	if isHead {
		s.kick()
	}
	return &scheduledTask{s: s, t: t}, nil
}

// Cancel removes a previously scheduled task if it has not yet run.
func (s *Scheduler) Cancel(c api.Cancelable) error {
	st, ok := c.(*scheduledTask)
	if !ok {
		return nil
	}
	return st.Cancel()
}

// Now returns the current monotonic time in nanoseconds.
func (s *Scheduler) Now() int64 { return time.Now().UnixNano() }

// Close stops the background timer goroutine.
func (s *Scheduler) Close() { close(s.stop) }

func (s *Scheduler) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if s.timerQ.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}

		next := s.timerQ[0]
		delay := time.Duration(next.due - time.Now().UnixNano())
		s.mu.Unlock()

		if delay <= 0 {
			s.fireDue()
			continue
		}

		s.timer.Reset(delay)
		select {
		case <-s.timer.C:
			s.fireDue()
		case <-s.notify:
			if !s.timer.Stop() {
				<-s.timer.C
			}
		case <-s.stop:
			s.timer.Stop()
			return
		}
	}
}

// fireDue pops and runs every task whose due time has passed.
func (s *Scheduler) fireDue() {
	now := time.Now().UnixNano()
	for {
		s.mu.Lock()
		if s.timerQ.Len() == 0 || s.timerQ[0].due > now {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.timerQ).(*timerTask)
		t.pending = false
		s.mu.Unlock()
		t.fn()
		t.markDone()
	}
}

// scheduledTask implements api.Cancelable for a Schedule call.
type scheduledTask struct {
	s *Scheduler
	t *timerTask
}

func (st *scheduledTask) Cancel() error {
	st.s.mu.Lock()
	if st.t.pending && st.t.index >= 0 && st.t.index < len(st.s.timerQ) && st.s.timerQ[st.t.index] == st.t {
		heap.Remove(&st.s.timerQ, st.t.index)
		st.t.pending = false
	}
	st.s.mu.Unlock()
	st.t.markDone()
	return nil
}

func (st *scheduledTask) Done() <-chan struct{} { return st.t.done }

func (st *scheduledTask) Err() error { return nil }
