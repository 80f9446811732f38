// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package fifo

import (
	"testing"
	"time"
)

func TestFIFOBasicWriteRead(t *testing.T) {
	f := New[int](4, ModeBlocking, true)
	if code := f.WaitForWriteSpace(); code != OK {
		t.Fatalf("expected OK, got %v", code)
	}
	if code := f.Write(42); code != OK {
		t.Fatalf("write failed: %v", code)
	}
	if code := f.WaitForReadData(); code != OK {
		t.Fatalf("expected read data, got %v", code)
	}
	v, code := f.Read()
	if code != OK || v != 42 {
		t.Fatalf("expected (42, OK), got (%d, %v)", v, code)
	}
}

// TestFIFOBackpressure covers scenario (b): a full FIFO refuses
// further writes until a reader drains it.
func TestFIFOBackpressure(t *testing.T) {
	f := New[int](2, ModeBlocking, true)
	if code := f.TryAcquireWriteSpace(); code != OK {
		t.Fatalf("first acquire: %v", code)
	}
	f.Write(1)
	if code := f.TryAcquireWriteSpace(); code != OK {
		t.Fatalf("second acquire: %v", code)
	}
	f.Write(2)

	if code := f.TryAcquireWriteSpace(); code != FifoFull {
		t.Fatalf("expected FifoFull, got %v", code)
	}

	f.WaitForReadData()
	f.Read()

	if code := f.TryAcquireWriteSpace(); code != OK {
		t.Fatalf("expected OK after drain, got %v", code)
	}
}

// TestFIFOFlowDisableUnblocksWaiters covers scenario (c): disabling
// flow wakes a blocked writer within a bounded time, reporting
// FlowDisabled rather than hanging forever.
func TestFIFOFlowDisableUnblocksWaiters(t *testing.T) {
	f := New[int](1, ModeBlocking, true)
	f.Write(1) // fill the single slot

	done := make(chan Code, 1)
	go func() {
		done <- f.WaitForWriteSpace()
	}()

	time.Sleep(20 * time.Millisecond) // let the writer block
	f.SetFlowEnabled(false)

	select {
	case code := <-done:
		if code != FlowDisabled {
			t.Fatalf("expected FlowDisabled, got %v", code)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not woken by SetFlowEnabled(false)")
	}

	if code := f.Write(2); code != FlowDisabled {
		t.Fatalf("expected writes to fail after flow disabled, got %v", code)
	}
}

// TestFIFOPreemptOrdering covers scenario (d): a preempted item is
// read before anything queued ahead of it, and preemption succeeds
// even when the write-space gate is exhausted.
func TestFIFOPreemptOrdering(t *testing.T) {
	f := New[int](2, ModeBlocking, true)
	f.WaitForWriteSpace()
	f.Write(1)
	f.WaitForWriteSpace()
	f.Write(2)

	if code := f.TryAcquireWriteSpace(); code != FifoFull {
		t.Fatalf("expected FifoFull before preempt, got %v", code)
	}

	if code := f.Preempt(0); code != OK {
		t.Fatalf("preempt failed: %v", code)
	}

	for _, want := range []int{0, 1, 2} {
		f.WaitForReadData()
		got, code := f.Read()
		if code != OK || got != want {
			t.Fatalf("want %d, got %d (%v)", want, got, code)
		}
	}
}

func TestFIFOWaitForWriteSpaceTimedTimesOut(t *testing.T) {
	f := New[int](1, ModeBlocking, true)
	f.Write(1)
	if code := f.WaitForWriteSpaceTimed(15 * time.Millisecond); code != Timeout {
		t.Fatalf("expected Timeout, got %v", code)
	}
}

func TestFIFOHasBeenReadLatches(t *testing.T) {
	f := New[int](1, ModeBlocking, true)
	if f.HasBeenRead() {
		t.Fatal("HasBeenRead true before any read")
	}
	f.Write(1)
	f.WaitForReadData()
	f.Read()
	if !f.HasBeenRead() {
		t.Fatal("HasBeenRead false after a successful read")
	}
	f.Write(2)
	f.WaitForReadData()
	f.Read()
	if !f.HasBeenRead() {
		t.Fatal("HasBeenRead unlatched after a second read")
	}
}

func TestFIFODrainInvokesCallbackAndDisablesFlow(t *testing.T) {
	f := New[int](4, ModeBlocking, true)
	f.Write(1)
	f.Write(2)
	f.Write(3)

	var drained []int
	f.Drain(func(v int) { drained = append(drained, v) })

	if len(drained) != 3 || drained[0] != 1 || drained[1] != 2 || drained[2] != 3 {
		t.Fatalf("unexpected drain order: %v", drained)
	}
	if f.GetFlowEnabled() {
		t.Fatal("flow still enabled after drain")
	}
	if f.StoredCount() != 0 {
		t.Fatalf("expected empty fifo after drain, got %d", f.StoredCount())
	}
}

// TestFIFOWaitForReadDataWithoutReadSemReturnsFlowDisabled covers the
// withReadSem=false configuration from SPEC_FULL.md §6: a FIFO built
// without read signalling cannot be waited on at all, even while flow
// is enabled and items are queued.
func TestFIFOWaitForReadDataWithoutReadSemReturnsFlowDisabled(t *testing.T) {
	f := New[int](4, ModeBlocking, false)
	if code := f.WaitForWriteSpace(); code != OK {
		t.Fatalf("expected OK, got %v", code)
	}
	if code := f.Write(7); code != OK {
		t.Fatalf("write failed: %v", code)
	}
	if code := f.WaitForReadData(); code != FlowDisabled {
		t.Fatalf("expected FlowDisabled with no read semaphore, got %v", code)
	}
	if code := f.WaitForReadDataTimed(10 * time.Millisecond); code != FlowDisabled {
		t.Fatalf("expected FlowDisabled with no read semaphore, got %v", code)
	}
	// Read itself is unaffected: a caller that already knows data is
	// queued (via StoredCount, or its own bookkeeping) can still pop.
	v, code := f.Read()
	if code != OK || v != 7 {
		t.Fatalf("expected (7, OK), got (%d, %v)", v, code)
	}
}

func TestFIFOPropertyBasedSPSC(t *testing.T) {
	f := New[int](16, ModeSPSCLockless, true)
	const n = 2000
	errCh := make(chan error, 2)

	go func() {
		for i := 0; i < n; i++ {
			if code := f.WaitForWriteSpace(); code != OK {
				errCh <- nil
				return
			}
			if code := f.Write(i); code != OK {
				errCh <- nil
				return
			}
		}
		errCh <- nil
	}()

	go func() {
		for i := 0; i < n; i++ {
			if code := f.WaitForReadData(); code != OK {
				errCh <- nil
				return
			}
			v, code := f.Read()
			if code != OK || v != i {
				t.Errorf("want %d, got %d (%v)", i, v, code)
			}
		}
		errCh <- nil
	}()

	<-errCh
	<-errCh
}
