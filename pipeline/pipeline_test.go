// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richinsley/ffarcana/api"
	"github.com/richinsley/ffarcana/control"
	"github.com/richinsley/ffarcana/core/cmd"
	"github.com/richinsley/ffarcana/media"
	"github.com/richinsley/ffarcana/pool"
)

func testBufPool() *pool.BytePool {
	return pool.NewBytePool(64, -1, false)
}

func newTestPipeline() (*Pipeline, *control.ConfigStore) {
	store := control.NewConfigStore()
	store.SetConfig(map[string]any{
		"capacity":       4,
		"demux_workers":  1,
		"decode_workers": 1,
		"scale_workers":  1,
		"high_watermark": 3,
		"low_watermark":  1,
		"numa_node":      -1,
		"pin_demux_cpu":  -1,
		"buffer_size":    64,
		"pool_max_size":  0,
	})
	return New(store, control.NewMetricsRegistry(), control.NewDebugProbes()), store
}

// TestPipelineEndToEnd feeds a handful of packets through demux,
// decode, and scale stages and checks every frame reaches the sink
// exactly once, in order.
func TestPipelineEndToEnd(t *testing.T) {
	bp := testBufPool()
	p, _ := newTestPipeline()
	defer p.Close()

	const n = 5
	var nextPTS int64
	source := func() (*media.Packet, bool) {
		if nextPTS >= n {
			return nil, false
		}
		pk := media.NewPacket(bp, 0)
		pk.PTS = nextPTS
		nextPTS++
		return pk, true
	}
	decode := func(pk *media.Packet) (*media.Frame, error) {
		fr := media.NewFrame(bp, 4, 4, 0)
		fr.PTS = pk.PTS
		return fr, nil
	}
	scale := func(fr *media.Frame) (*media.Frame, error) {
		out := fr.Clone()
		return out, nil
	}

	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})
	sink := func(fr *media.Frame) {
		mu.Lock()
		got = append(got, fr.PTS)
		mu.Unlock()
		fr.Release()
		if len(got) == n {
			close(done)
		}
	}

	if err := p.Run(source, decode, scale, sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d frames, got %d", n, len(got))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d frames, got %d", n, len(got))
	}
	for i, pts := range got {
		if pts != int64(i) {
			t.Fatalf("expected in-order PTS %d at index %d, got %d", i, i, pts)
		}
	}
}

// TestPipelineFlushPropagates checks a caller-issued Flush reaches the
// output stage as a sentinel ahead of whatever is already queued.
func TestPipelineFlushPropagates(t *testing.T) {
	bp := testBufPool()
	p, _ := newTestPipeline()
	defer p.Close()

	blockSource := make(chan struct{})
	source := func() (*media.Packet, bool) {
		<-blockSource
		return nil, false
	}
	decode := func(pk *media.Packet) (*media.Frame, error) { return media.NewFrame(bp, 1, 1, 0), nil }
	scale := func(fr *media.Frame) (*media.Frame, error) { return fr.Clone(), nil }

	if err := p.Run(source, decode, scale, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	p.Flush()

	out := p.Output()
	if code := out.WaitForReadDataTimed(2 * time.Second); code != 0 {
		close(blockSource)
		t.Fatalf("expected flush sentinel on output, got code %v", code)
	}
	c, code := out.Read()
	if code != 0 {
		close(blockSource)
		t.Fatalf("read failed: %v", code)
	}
	if !c.IsSentinel() {
		close(blockSource)
		t.Fatalf("expected a sentinel command, got tag %v", c.Tag())
	}
	c.Release()
	close(blockSource)
}

// TestPipelineSeekIsPickedUpBetweenPackets checks a Seek call queued
// from an arbitrary goroutine reaches the output stage as a TagSeek
// command before end of stream.
func TestPipelineSeekIsPickedUpBetweenPackets(t *testing.T) {
	bp := testBufPool()
	p, _ := newTestPipeline()
	defer p.Close()

	release := make(chan struct{})
	sent := false
	source := func() (*media.Packet, bool) {
		if sent {
			<-release
			return nil, false
		}
		sent = true
		return media.NewPacket(bp, 0), true
	}
	decode := func(pk *media.Packet) (*media.Frame, error) { return media.NewFrame(bp, 1, 1, 0), nil }
	scale := func(fr *media.Frame) (*media.Frame, error) { return fr.Clone(), nil }

	if err := p.Run(source, decode, scale, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	p.Seek(12.5, 1)
	close(release)

	out := p.Output()
	sawSeek := false
	for i := 0; i < 4; i++ {
		if code := out.WaitForReadDataTimed(2 * time.Second); code != 0 {
			break
		}
		c, code := out.Read()
		if code != 0 {
			break
		}
		if c.Tag() == cmd.TagSeek {
			sawSeek = true
			c.Release()
			break
		}
		c.Release()
	}
	if !sawSeek {
		t.Fatalf("expected a seek command to reach the output stage")
	}
}

// TestPipelineCloseDrainsWithoutLeaks exercises Close on a pipeline
// that never ran, and on one that was running, confirming both shut
// down without blocking.
func TestPipelineCloseDrainsWithoutLeaks(t *testing.T) {
	p, _ := newTestPipeline()
	p.Close()
	p.Close() // safe to call twice

	bp := testBufPool()
	p2, _ := newTestPipeline()
	blockSource := make(chan struct{})
	source := func() (*media.Packet, bool) {
		select {
		case <-blockSource:
			return nil, false
		default:
			return media.NewPacket(bp, 0), true
		}
	}
	decode := func(pk *media.Packet) (*media.Frame, error) { return media.NewFrame(bp, 1, 1, 0), nil }
	scale := func(fr *media.Frame) (*media.Frame, error) { return fr.Clone(), nil }

	if err := p2.Run(source, decode, scale, func(fr *media.Frame) { fr.Release() }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	close(blockSource)

	done := make(chan struct{})
	go func() {
		p2.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return in time")
	}
}

// TestPipelineConfigReloadUpdatesWorkerCounts exercises hot-reload
// wiring: pushing new snapshot values through the ConfigStore changes
// what the next LoadConfig call observes.
func TestPipelineConfigReloadUpdatesWorkerCounts(t *testing.T) {
	p, store := newTestPipeline()
	defer p.Close()

	if p.Config().DecodeWorkers != 1 {
		t.Fatalf("expected initial DecodeWorkers 1, got %d", p.Config().DecodeWorkers)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	store.OnReload(func() { wg.Done() })
	store.SetConfig(map[string]any{"decode_workers": 3})
	wg.Wait()

	time.Sleep(10 * time.Millisecond)
	if got := p.Config().DecodeWorkers; got != 3 {
		t.Fatalf("expected reloaded DecodeWorkers 3, got %d", got)
	}
}

// TestPipelineControlExposesConfigAndStats checks Control() returns a
// live facade over the same ConfigStore/MetricsRegistry New was built
// with, not a disconnected snapshot.
func TestPipelineControlExposesConfigAndStats(t *testing.T) {
	p, store := newTestPipeline()
	defer p.Close()

	ctl := p.Control()
	if got := ctl.GetConfig()["decode_workers"]; got != 1 {
		t.Fatalf("expected decode_workers 1 through Control(), got %v", got)
	}

	store.SetConfig(map[string]any{"decode_workers": 2})
	time.Sleep(10 * time.Millisecond)
	if got := ctl.GetConfig()["decode_workers"]; got != 2 {
		t.Fatalf("expected reloaded decode_workers 2 through Control(), got %v", got)
	}

	ctl.RegisterDebugProbe("test.marker", func() any { return "present" })
}

// TestPipelineShutdownIsIdempotentAndClosesRun checks Shutdown (the
// api.GracefulShutdown method) has the same effect as Close and can be
// called safely even if Close already ran.
func TestPipelineShutdownIsIdempotentAndClosesRun(t *testing.T) {
	p, _ := newTestPipeline()

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}

	bp := testBufPool()
	source := func() (*media.Packet, bool) { return nil, false }
	decode := func(pk *media.Packet) (*media.Frame, error) { return media.NewFrame(bp, 1, 1, 0), nil }
	scale := func(fr *media.Frame) (*media.Frame, error) { return fr.Clone(), nil }
	if err := p.Run(source, decode, scale, nil); err == nil {
		t.Fatalf("expected Run to fail after Shutdown")
	}
}

// TestPipelineSeekRejectsNegativePosition checks Seek validates its
// argument instead of queuing a request the demuxer could never honor.
func TestPipelineSeekRejectsNegativePosition(t *testing.T) {
	p, _ := newTestPipeline()
	defer p.Close()

	if err := p.Seek(-1, 0); err != api.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for negative position, got %v", err)
	}
	if err := p.Seek(0, 0); err != nil {
		t.Fatalf("expected Seek(0, _) to succeed, got %v", err)
	}
}

// TestPipelineTryReadOutputAndReadOutputTimed exercises both
// caller-driven output reads (as an alternative to a SinkFunc), and
// confirms the closed pipeline reports ErrTransportClosed rather than
// a raw fifo code.
func TestPipelineTryReadOutputAndReadOutputTimed(t *testing.T) {
	bp := testBufPool()
	p, _ := newTestPipeline()

	var nextPTS int64
	source := func() (*media.Packet, bool) {
		if nextPTS >= 1 {
			return nil, false
		}
		pk := media.NewPacket(bp, 0)
		pk.PTS = nextPTS
		nextPTS++
		return pk, true
	}
	decode := func(pk *media.Packet) (*media.Frame, error) {
		fr := media.NewFrame(bp, 4, 4, 0)
		fr.PTS = pk.PTS
		return fr, nil
	}
	scale := func(fr *media.Frame) (*media.Frame, error) { return fr.Clone(), nil }

	if err := p.Run(source, decode, scale, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res := p.ReadOutputTimed(2 * time.Second)
	if res.Err != nil {
		t.Fatalf("expected a frame within the timeout, got err %v", res.Err)
	}
	res.Value.Release()

	p.Close()

	if res := p.TryReadOutput(); res.Err != api.ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed from TryReadOutput after Close, got %v", res.Err)
	}
	if res := p.ReadOutputTimed(10 * time.Millisecond); res.Err != api.ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed from ReadOutputTimed after Close, got %v", res.Err)
	}
}

// TestPipelineAcquireScratchChecked confirms the checked accessor
// reports api.ErrBufferPoolClosed once Close has run.
func TestPipelineAcquireScratchChecked(t *testing.T) {
	p, _ := newTestPipeline()

	buf, err := p.AcquireScratchChecked()
	if err != nil {
		t.Fatalf("expected a scratch buffer before Close, got err %v", err)
	}
	p.ReleaseScratch(buf)

	p.Close()
	if _, err := p.AcquireScratchChecked(); err != api.ErrBufferPoolClosed {
		t.Fatalf("expected ErrBufferPoolClosed after Close, got %v", err)
	}
}

// countingHandler records every frame it is handed and its PTS.
type countingHandler struct {
	n atomic.Int64
}

func (h *countingHandler) Handle(data any) error {
	if _, ok := data.(*media.Frame); ok {
		h.n.Add(1)
	}
	return nil
}

// TestPipelineRunWithHandler checks frames reach an api.Handler sink
// and that a nil handler is rejected rather than silently accepted.
func TestPipelineRunWithHandler(t *testing.T) {
	bp := testBufPool()
	p, _ := newTestPipeline()
	defer p.Close()

	if err := p.RunWithHandler(nil, nil, nil, nil); err != api.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported for a nil handler, got %v", err)
	}

	const n = 3
	var nextPTS int64
	source := func() (*media.Packet, bool) {
		if nextPTS >= n {
			return nil, false
		}
		pk := media.NewPacket(bp, 0)
		pk.PTS = nextPTS
		nextPTS++
		return pk, true
	}
	decode := func(pk *media.Packet) (*media.Frame, error) {
		fr := media.NewFrame(bp, 4, 4, 0)
		fr.PTS = pk.PTS
		return fr, nil
	}
	scale := func(fr *media.Frame) (*media.Frame, error) { return fr.Clone(), nil }

	h := &countingHandler{}
	if err := p.RunWithHandler(source, decode, scale, h); err != nil {
		t.Fatalf("RunWithHandler failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.n.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.n.Load(); got != n {
		t.Fatalf("expected handler to see %d frames, got %d", n, got)
	}
}
