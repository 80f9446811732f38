// File: core/fifo/fifo.go
// Package fifo implements the bounded waitable FIFO: a core/ring.Ring
// gated by core/sem.Semaphore write/read permits, with a flow-disable
// kill switch that wakes blocked waiters without leaking a permit.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package fifo

import (
	"sync/atomic"
	"time"

	"github.com/richinsley/ffarcana/core/ring"
	"github.com/richinsley/ffarcana/core/sem"
)

// Mode re-exports the ring's concurrency discipline so callers need
// only import this package.
type Mode = ring.Mode

const (
	ModeSPSCLockless = ring.ModeSPSCLockless
	ModeBlocking      = ring.ModeBlocking
)

// Code is the FIFO's small result code, matching the original C
// result constants. It also satisfies error so Go call sites can use
// it directly as an error value.
type Code int

const (
	OK            Code = 0
	InvalidParams Code = 1
	FlowDisabled  Code = 13
	FifoFull      Code = 29
	Timeout       Code = -1
)

func (c Code) Error() string {
	switch c {
	case OK:
		return "ok"
	case InvalidParams:
		return "invalid parameters"
	case FlowDisabled:
		return "flow disabled"
	case FifoFull:
		return "fifo full"
	case Timeout:
		return "timeout"
	default:
		return "unknown fifo result code"
	}
}

// FIFO is a bounded, waitable, single-type queue. Write and Preempt
// enqueue; Read dequeues. Space is gated by a write semaphore counting
// down from capacity; arrival is optionally gated by a read semaphore,
// present whenever the caller asked for blocking read support.
//
// can_unwait, named as a constructor knob in the original design, is
// not exposed here: every FIFO always supports the flow-disable
// unstick protocol, so there is nothing to opt into.
type FIFO[T any] struct {
	r        *ring.Ring[T]
	writeSem *sem.Semaphore
	readSem  *sem.Semaphore // nil when blocking-read support was not requested

	flowEnabled atomic.Bool
	hasBeenRead atomic.Bool
}

// New creates a FIFO of the given logical capacity and ring mode.
// withReadSem enables WaitForReadData and its variants as true
// blocking calls; when false, a FIFO configured without read
// signalling cannot be waited on at all and every WaitForReadData
// variant returns FlowDisabled immediately.
func New[T any](capacity int, mode Mode, withReadSem bool) *FIFO[T] {
	f := &FIFO[T]{
		r:        ring.NewRing[T](capacity, mode),
		writeSem: sem.New(capacity),
	}
	if withReadSem {
		f.readSem = sem.New(0)
	}
	f.flowEnabled.Store(true)
	return f
}

// SetWatermarkHandler installs edge-triggered high/low fill callbacks,
// forwarded to the underlying ring.
func (f *FIFO[T]) SetWatermarkHandler(high, low int, onHigh, onLow func(stored int)) {
	f.r.SetWatermarks(high, low, onHigh, onLow)
}

// SetHeadChangeListener installs the head-change notification,
// forwarded to the underlying ring.
func (f *FIFO[T]) SetHeadChangeListener(fn func()) {
	f.r.SetHeadChangeListener(fn)
}

// GetFlowEnabled reports whether the FIFO currently accepts waits and
// transfers.
func (f *FIFO[T]) GetFlowEnabled() bool { return f.flowEnabled.Load() }

// SetFlowEnabled toggles the flow gate. Disabling it wakes at most one
// blocked waiter per gate via post-then-reset: a permit is posted to
// wake a sleeper, then the gate is drained back to zero so no stray
// permit survives re-enabling. Callers must re-check GetFlowEnabled
// after any wait returns, since a woken waiter may have been woken by
// this path rather than by real data or space.
func (f *FIFO[T]) SetFlowEnabled(enabled bool) {
	was := f.flowEnabled.Swap(enabled)
	if was == enabled {
		return
	}
	if !enabled {
		f.writeSem.Post()
		f.writeSem.Reset()
		if f.readSem != nil {
			f.readSem.Post()
			f.readSem.Reset()
		}
	}
}

// WaitForWriteSpace blocks until a write permit is available or flow
// is disabled.
func (f *FIFO[T]) WaitForWriteSpace() Code {
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	f.writeSem.Wait()
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	return OK
}

// WaitForWriteSpaceTimed blocks until a write permit is available,
// flow is disabled, or d elapses.
func (f *FIFO[T]) WaitForWriteSpaceTimed(d time.Duration) Code {
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	if !f.writeSem.WaitTimed(d) {
		return Timeout
	}
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	return OK
}

// TryAcquireWriteSpace is the non-blocking form of WaitForWriteSpace.
// Renamed from the original's misleadingly-named tryWaitForWriteData,
// which waited for nothing and acquired write space, not read data.
func (f *FIFO[T]) TryAcquireWriteSpace() Code {
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	if !f.writeSem.TryWait() {
		return FifoFull
	}
	return OK
}

// Write enqueues item at the tail. The caller must have already
// acquired a write permit via one of the WaitForWriteSpace variants.
func (f *FIFO[T]) Write(item T) Code {
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	if !f.r.Push(item) {
		return FifoFull
	}
	if f.readSem != nil {
		f.readSem.Post()
	}
	return OK
}

// Preempt enqueues item at the head, ahead of everything queued. It
// does not consume a write permit: preemption is for sentinels (FLUSH,
// EOS) that must not be starved by a full write-space gate.
func (f *FIFO[T]) Preempt(item T) Code {
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	if !f.r.Preempt(item) {
		return FifoFull
	}
	if f.readSem != nil {
		f.readSem.Post()
	}
	return OK
}

// WaitForReadData blocks until an item is available or flow is
// disabled. A FIFO built without a read semaphore (New's withReadSem
// false) cannot be waited on at all: it returns FlowDisabled
// immediately, matching the original bound_fifo_impl's waitForReadData.
func (f *FIFO[T]) WaitForReadData() Code {
	if !f.flowEnabled.Load() || f.readSem == nil {
		return FlowDisabled
	}
	f.readSem.Wait()
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	return OK
}

// WaitForReadDataTimed blocks until an item is available, flow is
// disabled, or d elapses. Like WaitForReadData, it returns
// FlowDisabled immediately when no read semaphore is present.
func (f *FIFO[T]) WaitForReadDataTimed(d time.Duration) Code {
	if !f.flowEnabled.Load() || f.readSem == nil {
		return FlowDisabled
	}
	if !f.readSem.WaitTimed(d) {
		return Timeout
	}
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	return OK
}

// TryAcquireReadData is the non-blocking form of WaitForReadData.
func (f *FIFO[T]) TryAcquireReadData() Code {
	if !f.flowEnabled.Load() {
		return FlowDisabled
	}
	if f.readSem == nil {
		if f.r.Len() > 0 {
			return OK
		}
		return Timeout
	}
	if !f.readSem.TryWait() {
		return Timeout
	}
	return OK
}

// Read dequeues the head item. Calling it without first acquiring
// read data via WaitForReadData or TryAcquireReadData is a usage
// error, reported as InvalidParams rather than a capacity code.
func (f *FIFO[T]) Read() (item T, code Code) {
	if !f.flowEnabled.Load() {
		return item, FlowDisabled
	}
	v, ok := f.r.Pop()
	if !ok {
		return item, InvalidParams
	}
	f.writeSem.Post()
	f.hasBeenRead.Store(true)
	return v, OK
}

// StoredCount returns the number of items currently queued.
func (f *FIFO[T]) StoredCount() int { return f.r.Len() }

// HasBeenRead reports whether Read has ever succeeded on this FIFO.
// It latches true and never resets.
func (f *FIFO[T]) HasBeenRead() bool { return f.hasBeenRead.Load() }

// Drain disables flow and empties the ring via non-blocking reads,
// invoking onItem for each drained item so callers can release
// attached resources. It never blocks and never panics on an already
// empty or already flow-disabled FIFO.
func (f *FIFO[T]) Drain(onItem func(T)) {
	f.SetFlowEnabled(false)
	for {
		v, ok := f.r.Pop()
		if !ok {
			return
		}
		if onItem != nil {
			onItem(v)
		}
	}
}
