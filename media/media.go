// File: media/media.go
// Package media stands in for the external codec library's frame and
// packet objects (explicitly out of scope for this module). Frame and
// Packet carry pooled byte payloads and a true atomic refcount,
// attachable to a core/cmd.Command through FrameRefAdapter and
// PacketRefAdapter. Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AddRef here always increments a real counter shared with every
// holder. The original C implementation's frame_addref/packet_addref
// instead called av_frame_clone/av_packet_clone and discarded the
// result, silently doing nothing useful; that bug is not reproduced.
package media

import (
	"sync/atomic"

	"github.com/richinsley/ffarcana/core/fifo"
	"github.com/richinsley/ffarcana/pool"
)

// Frame is a decoded video/audio frame. Width, Height and PixelFormat
// are opaque placeholders for the external codec library's real pixel
// format enumeration, which is out of scope here.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat int
	PTS         int64

	refs atomic.Int64
	pool *pool.BytePool
}

// NewFrame allocates a frame backed by bp, with an initial refcount of
// one held by the caller.
func NewFrame(bp *pool.BytePool, width, height, pixelFormat int) *Frame {
	f := &Frame{
		Data:        bp.GetBuffer(),
		Width:       width,
		Height:      height,
		PixelFormat: pixelFormat,
		pool:        bp,
	}
	f.refs.Store(1)
	return f
}

// AddRef increments the frame's refcount.
func (f *Frame) AddRef() { f.refs.Add(1) }

// Release decrements the frame's refcount, returning the backing
// buffer to its pool once it reaches zero.
func (f *Frame) Release() {
	if f.refs.Add(-1) == 0 {
		f.pool.PutBuffer(f.Data)
	}
}

// Clone returns a new frame from the same pool with its own copy of
// the pixel data and refcount of one, for use by clone-on-write FIFOs.
func (f *Frame) Clone() *Frame {
	nf := NewFrame(f.pool, f.Width, f.Height, f.PixelFormat)
	copy(nf.Data, f.Data)
	nf.PTS = f.PTS
	return nf
}

// FrameRefAdapter implements core/cmd.RefAdapter for *Frame payloads.
type FrameRefAdapter struct{}

func (FrameRefAdapter) AddRef(payload any) {
	if fr, ok := payload.(*Frame); ok {
		fr.AddRef()
	}
}

func (FrameRefAdapter) Release(payload any) {
	if fr, ok := payload.(*Frame); ok {
		fr.Release()
	}
}

// Packet is a demuxed/encoded elementary stream unit.
type Packet struct {
	Data        []byte
	PTS         int64
	DTS         int64
	StreamIndex int
	Flags       uint32

	refs atomic.Int64
	pool *pool.BytePool
}

// NewPacket allocates a packet backed by bp, with an initial refcount
// of one held by the caller.
func NewPacket(bp *pool.BytePool, streamIndex int) *Packet {
	p := &Packet{
		Data:        bp.GetBuffer(),
		StreamIndex: streamIndex,
		pool:        bp,
	}
	p.refs.Store(1)
	return p
}

// AddRef increments the packet's refcount.
func (p *Packet) AddRef() { p.refs.Add(1) }

// Release decrements the packet's refcount, returning the backing
// buffer to its pool once it reaches zero.
func (p *Packet) Release() {
	if p.refs.Add(-1) == 0 {
		p.pool.PutBuffer(p.Data)
	}
}

// Clone returns a new packet from the same pool with its own copy of
// the payload and refcount of one.
func (p *Packet) Clone() *Packet {
	np := NewPacket(p.pool, p.StreamIndex)
	copy(np.Data, p.Data)
	np.PTS, np.DTS, np.Flags = p.PTS, p.DTS, p.Flags
	return np
}

// PacketRefAdapter implements core/cmd.RefAdapter for *Packet payloads.
type PacketRefAdapter struct{}

func (PacketRefAdapter) AddRef(payload any) {
	if pk, ok := payload.(*Packet); ok {
		pk.AddRef()
	}
}

func (PacketRefAdapter) Release(payload any) {
	if pk, ok := payload.(*Packet); ok {
		pk.Release()
	}
}

// FrameFifo is a convenience FIFO that clones every frame on write,
// unlike the strict ownership-transfer command FIFO. A failed write
// releases the clone immediately rather than leaking it.
type FrameFifo struct {
	f *fifo.FIFO[*Frame]
}

// NewFrameFifo creates a clone-on-write frame FIFO.
func NewFrameFifo(capacity int, mode fifo.Mode) *FrameFifo {
	return &FrameFifo{f: fifo.New[*Frame](capacity, mode, true)}
}

// Write clones src and enqueues the clone without blocking. The
// caller retains ownership of src. A full FIFO frees the clone
// immediately rather than leaking it.
func (ff *FrameFifo) Write(src *Frame) fifo.Code {
	clone := src.Clone()
	if code := ff.f.TryAcquireWriteSpace(); code != fifo.OK {
		clone.Release()
		return code
	}
	if code := ff.f.Write(clone); code != fifo.OK {
		clone.Release()
		return code
	}
	return fifo.OK
}

// WaitForReadData blocks until a frame is available or flow is
// disabled.
func (ff *FrameFifo) WaitForReadData() fifo.Code { return ff.f.WaitForReadData() }

// Read dequeues the next frame, transferring its single reference to
// the caller.
func (ff *FrameFifo) Read() (*Frame, fifo.Code) { return ff.f.Read() }

// SetFlowEnabled toggles the FIFO's flow gate.
func (ff *FrameFifo) SetFlowEnabled(enabled bool) { ff.f.SetFlowEnabled(enabled) }

// Close disables flow and releases every frame still queued.
func (ff *FrameFifo) Close() {
	ff.f.Drain(func(fr *Frame) { fr.Release() })
}

// PacketFifo is a convenience FIFO that clones every packet on write.
type PacketFifo struct {
	f *fifo.FIFO[*Packet]
}

// NewPacketFifo creates a clone-on-write packet FIFO.
func NewPacketFifo(capacity int, mode fifo.Mode) *PacketFifo {
	return &PacketFifo{f: fifo.New[*Packet](capacity, mode, true)}
}

// Write clones src and enqueues the clone without blocking. The
// caller retains ownership of src. A full FIFO frees the clone
// immediately rather than leaking it.
func (pf *PacketFifo) Write(src *Packet) fifo.Code {
	clone := src.Clone()
	if code := pf.f.TryAcquireWriteSpace(); code != fifo.OK {
		clone.Release()
		return code
	}
	if code := pf.f.Write(clone); code != fifo.OK {
		clone.Release()
		return code
	}
	return fifo.OK
}

// WaitForReadData blocks until a packet is available or flow is
// disabled.
func (pf *PacketFifo) WaitForReadData() fifo.Code { return pf.f.WaitForReadData() }

// Read dequeues the next packet, transferring its single reference to
// the caller.
func (pf *PacketFifo) Read() (*Packet, fifo.Code) { return pf.f.Read() }

// SetFlowEnabled toggles the FIFO's flow gate.
func (pf *PacketFifo) SetFlowEnabled(enabled bool) { pf.f.SetFlowEnabled(enabled) }

// Close disables flow and releases every packet still queued.
func (pf *PacketFifo) Close() {
	pf.f.Drain(func(pk *Packet) { pk.Release() })
}
