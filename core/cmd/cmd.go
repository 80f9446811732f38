// File: core/cmd/cmd.go
// Package cmd implements the refcounted command object and its fixed-
// capacity pool: the unit of work passed between pipeline stages over
// a core/fifo.FIFO. Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Command starts life with a refcount of 1 when Acquire returns it.
// AddRef/Release are the only ways to move that count; Release to zero
// clears any attached payload and returns the command to its pool's
// free list rather than releasing it to the garbage collector. This
// mirrors the original's intrusive __sync_add_and_fetch refcounting
// and its cmd_release-to-pool behavior.
//
// Payload attachment is explicit and separate from queue transfer: a
// FIFO carrying *Command never calls AddRef/Release on the attached
// payload during Write/Read — only SetData/ClearData/Release do. This
// is the ownership-transfer discipline the spec requires of the
// command FIFO, as distinct from the clone-on-write convenience FIFOs
// in the media package.
package cmd

import (
	"sync"
	"sync/atomic"
)

// Tag identifies what a Command carries.
type Tag int

const (
	TagNone Tag = iota
	TagFrame
	TagPacket
	TagFlush
	TagEOS
	TagSeek
	TagConfig
)

// TagUser marks the start of the application-defined tag range, as in
// the original FF_CMD_USER = 0x1000.
const TagUser Tag = 0x1000

// RefAdapter attaches a payload's own reference-counting discipline to
// a Command. AddRef/Release are called exactly once per SetData and
// per clearData, never on FIFO Write or Read.
type RefAdapter interface {
	AddRef(payload any)
	Release(payload any)
}

// SeekParams is the payload carried by a TagSeek command.
type SeekParams struct {
	Position float64
	Flags    uint32
}

// Command is a pooled, refcounted unit of work.
type Command struct {
	pool     *Pool
	refcount atomic.Int64

	tag     Tag
	payload any
	adapter RefAdapter

	PTS         int64
	DTS         int64
	Flags       uint32
	StreamIndex int
	UserData    any
}

// Init resets a freshly acquired command to carry tag, clearing any
// previous payload and metadata.
func (c *Command) Init(tag Tag) {
	c.clearData()
	c.tag = tag
	c.PTS = 0
	c.DTS = 0
	c.Flags = 0
	c.StreamIndex = 0
	c.UserData = nil
}

// Tag reports what kind of command this is.
func (c *Command) Tag() Tag { return c.tag }

// SetData attaches payload under adapter, releasing whatever was
// previously attached first. adapter may be nil for payloads that
// need no reference counting of their own.
func (c *Command) SetData(payload any, adapter RefAdapter) {
	c.clearData()
	c.payload = payload
	c.adapter = adapter
	if adapter != nil {
		adapter.AddRef(payload)
	}
}

// Data returns the currently attached payload, or nil.
func (c *Command) Data() any { return c.payload }

// ClearData releases and detaches the current payload, if any.
func (c *Command) ClearData() { c.clearData() }

func (c *Command) clearData() {
	if c.adapter != nil && c.payload != nil {
		c.adapter.Release(c.payload)
	}
	c.payload = nil
	c.adapter = nil
}

// AddRef increments the command's refcount.
func (c *Command) AddRef() { c.refcount.Add(1) }

// Release decrements the command's refcount. At zero it clears the
// attached payload and returns the command to its pool's free list.
func (c *Command) Release() {
	if c.refcount.Add(-1) == 0 {
		c.clearData()
		c.pool.release(c)
	}
}

// IsSentinel reports whether the command is a FLUSH or EOS marker.
func (c *Command) IsSentinel() bool { return c.tag == TagFlush || c.tag == TagEOS }

// IsMedia reports whether the command carries a FRAME or PACKET.
func (c *Command) IsMedia() bool { return c.tag == TagFrame || c.tag == TagPacket }

// Pool is a fixed-ceiling free-list allocator for Command. maxSize of
// 0 means unlimited growth; otherwise Acquire returns nil once
// total allocated commands reaches maxSize and none are free.
type Pool struct {
	mu      sync.Mutex
	free    []*Command
	total   int
	maxSize int
}

// NewPool creates a pool, pre-allocating initialSize commands.
func NewPool(initialSize, maxSize int) *Pool {
	p := &Pool{maxSize: maxSize}
	for i := 0; i < initialSize; i++ {
		p.free = append(p.free, &Command{pool: p})
		p.total++
	}
	return p
}

// Acquire returns a command with refcount 1, reused from the free
// list when possible. It returns nil if the pool is at capacity.
func (p *Pool) Acquire() *Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		c.refcount.Store(1)
		return c
	}
	if p.maxSize != 0 && p.total >= p.maxSize {
		return nil
	}
	c := &Command{pool: p}
	c.refcount.Store(1)
	p.total++
	return c
}

func (p *Pool) release(c *Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, c)
}

// TotalCount returns how many commands this pool has ever allocated.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// FreeCount returns how many commands currently sit on the free list.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUseCount returns how many allocated commands are not on the free
// list.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.free)
}
