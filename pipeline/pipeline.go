// File: pipeline/pipeline.go
// Package pipeline wires the core FIFO/pool substrate into a
// demux -> decode -> scale media pipeline: three worker stages
// connected by command FIFOs, backed by a NUMA-aware buffer pool and
// dispatched on a generalized task executor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/richinsley/ffarcana/affinity"
	"github.com/richinsley/ffarcana/api"
	"github.com/richinsley/ffarcana/control"
	"github.com/richinsley/ffarcana/core/cmd"
	"github.com/richinsley/ffarcana/core/fifo"
	"github.com/richinsley/ffarcana/internal/concurrency"
	"github.com/richinsley/ffarcana/media"
	"github.com/richinsley/ffarcana/pool"
)

var _ api.GracefulShutdown = (*Pipeline)(nil)

// PacketSource yields the next demuxed packet, reporting false at
// end of stream.
type PacketSource func() (*media.Packet, bool)

// DecodeFunc turns a packet into a frame.
type DecodeFunc func(*media.Packet) (*media.Frame, error)

// ScaleFunc transforms a decoded frame, typically resizing or
// reformatting it.
type ScaleFunc func(*media.Frame) (*media.Frame, error)

// SinkFunc consumes a finished frame. The frame's single reference is
// the sink's to release.
type SinkFunc func(*media.Frame)

// Pipeline runs a demux -> decode -> scale graph over pooled,
// refcounted commands.
type Pipeline struct {
	cfgMu sync.RWMutex
	cfg   Config

	cmdPool *cmd.Pool
	bufPool *pool.BytePool

	demuxOut  *fifo.FIFO[*cmd.Command]
	decodeOut *fifo.FIFO[*cmd.Command]
	scaleOut  *fifo.FIFO[*cmd.Command]

	exec  *concurrency.Executor
	sched *concurrency.Scheduler

	seekMu       sync.Mutex
	seekRequests *queue.Queue

	metrics *control.MetricsRegistry
	debug   *control.DebugProbes
	ctl     *control.Manager

	decodeErrors  atomic.Int64
	scaleErrors   atomic.Int64
	handlerErrors atomic.Int64

	scratch      *pool.BufferBatch
	recentPTS    *pool.BufferRing[int64]
	scaleScratch *pool.SyncPool[[]byte]
	events       *concurrency.EventLoop
	eventHandler *controlEventHandler
	demuxPin     *affinity.Controller

	stopCh    chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a pipeline from store's current configuration snapshot.
// Any of store, metrics, or debug may be nil.
func New(store *control.ConfigStore, metrics *control.MetricsRegistry, debug *control.DebugProbes) *Pipeline {
	cfg := LoadConfig(store)

	p := &Pipeline{
		cfg:          cfg,
		cmdPool:      cmd.NewPool(cfg.Capacity, cfg.PoolMaxSize),
		bufPool:      pool.NewBytePool(cfg.BufferSize, cfg.NUMANode, true),
		demuxOut:     fifo.New[*cmd.Command](cfg.Capacity, cfg.Mode, true),
		decodeOut:    fifo.New[*cmd.Command](cfg.Capacity, cfg.Mode, true),
		scaleOut:     fifo.New[*cmd.Command](cfg.Capacity, cfg.Mode, true),
		exec:         concurrency.NewExecutor(cfg.DemuxWorkers+cfg.DecodeWorkers+cfg.ScaleWorkers+1, cfg.NUMANode),
		sched:        concurrency.NewScheduler(),
		seekRequests: queue.New(),
		metrics:      metrics,
		debug:        debug,
		recentPTS:    pool.NewRingBuffer[int64](16),
		demuxPin:     affinity.NewController(),
		stopCh:       make(chan struct{}),
	}
	p.ctl = control.NewManager(store, metrics, debug)
	p.scaleScratch = pool.NewSyncPool(func() []byte { return make([]byte, cfg.BufferSize) })

	p.events = concurrency.NewEventLoop(16, 64)
	p.eventHandler = &controlEventHandler{p: p}
	p.events.RegisterHandler(p.eventHandler)
	go p.events.Run()

	p.warmScratchBuffers(cfg)

	p.demuxOut.SetWatermarkHandler(cfg.HighWatermark, cfg.LowWatermark,
		func(stored int) { p.setMetric("demux_out_high", stored) },
		func(stored int) { p.setMetric("demux_out_low", stored) },
	)

	if debug != nil {
		control.RegisterPlatformProbes(debug)
		debug.RegisterProbe("pipeline.scratch_pool", func() any {
			return pool.DefaultPool(cfg.NUMANode).Stats()
		})
		debug.RegisterProbe("pipeline.recent_pts", func() any {
			out := make([]int64, 0, p.recentPTS.Len())
			for {
				v, ok := p.recentPTS.Dequeue()
				if !ok {
					break
				}
				out = append(out, v)
				p.recentPTS.Enqueue(v)
			}
			return out
		})
		debug.RegisterProbe("pipeline.cmd_pool", func() any {
			return map[string]any{
				"total": p.cmdPool.TotalCount(),
				"free":  p.cmdPool.FreeCount(),
				"inuse": p.cmdPool.InUseCount(),
			}
		})
		debug.RegisterProbe("pipeline.queues", func() any {
			return map[string]any{
				"demux_out":  p.demuxOut.StoredCount(),
				"decode_out": p.decodeOut.StoredCount(),
				"scale_out":  p.scaleOut.StoredCount(),
				"pending_seeks": func() int {
					p.seekMu.Lock()
					defer p.seekMu.Unlock()
					return p.seekRequests.Length()
				}(),
			}
		})
		debug.RegisterProbe("pipeline.errors", func() any {
			return map[string]any{
				"decode_errors":  p.decodeErrors.Load(),
				"scale_errors":   p.scaleErrors.Load(),
				"handler_errors": p.handlerErrors.Load(),
			}
		})
		debug.RegisterProbe("pipeline.executor", func() any {
			return p.exec.Stats()
		})
		debug.RegisterProbe("pipeline.control_events", func() any {
			return map[string]any{"pending": p.events.Pending()}
		})
	}

	if store != nil {
		store.OnReload(func() {
			next := LoadConfig(store)
			p.cfgMu.Lock()
			p.cfg = next
			p.cfgMu.Unlock()
		})
	}

	return p
}

// Config returns the pipeline's current configuration snapshot.
func (p *Pipeline) Config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Control returns an api.Control facade over the pipeline's config
// store, metrics registry, and debug probes, for callers that want a
// single handle to the control plane (an admin endpoint, a CLI) rather
// than depending on the three concrete control types directly.
func (p *Pipeline) Control() api.Control { return p.ctl }

// Shutdown implements api.GracefulShutdown.
func (p *Pipeline) Shutdown() error {
	p.Close()
	return nil
}

// controlEventHandler turns sentinel/seek traffic into a metric,
// decoupled from the hot data path: stages post an Event and move on
// rather than touching MetricsRegistry themselves.
type controlEventHandler struct{ p *Pipeline }

func (h *controlEventHandler) HandleEvent(ev concurrency.Event) {
	tag, ok := ev.Data.(cmd.Tag)
	if !ok {
		return
	}
	h.p.setMetric("pipeline.last_control_tag", int(tag))
}

func (p *Pipeline) postControlEvent(tag cmd.Tag) {
	p.events.Post(concurrency.Event{Data: tag})
}

func (p *Pipeline) setMetric(key string, value any) {
	if p.metrics != nil {
		p.metrics.Set(key, value)
	}
}

// warmScratchBuffers pre-acquires one NUMA-local buffer per decode/scale
// worker from the shared api.BufferPool so the first real frame each
// worker touches isn't also the page that pays for first-touch
// allocation. The batch is released in Close.
func (p *Pipeline) warmScratchBuffers(cfg Config) {
	n := cfg.DecodeWorkers + cfg.ScaleWorkers
	if n <= 0 {
		return
	}
	bp := pool.DefaultPool(cfg.NUMANode)
	batch := pool.NewBufferBatch(n)
	for i := 0; i < n; i++ {
		batch.Append(bp.Get(cfg.BufferSize, cfg.NUMANode))
	}
	p.scratch = batch
}

// Run starts the demux, decode, and scale stages and, if sink is
// non-nil, a drain loop that calls sink for every finished frame.
func (p *Pipeline) Run(source PacketSource, decode DecodeFunc, scale ScaleFunc, sink SinkFunc) error {
	if p.closed.Load() {
		return api.NewError(api.ErrCodeInternal, "pipeline is closed").WithContext("op", "Run")
	}
	cfg := p.Config()
	for i := 0; i < cfg.DemuxWorkers; i++ {
		pinCPU := -1
		if i == 0 {
			pinCPU = cfg.PinDemuxCPU
		}
		if err := p.submit(func() { p.demuxLoop(source, pinCPU) }); err != nil {
			return err
		}
	}
	for i := 0; i < cfg.DecodeWorkers; i++ {
		if err := p.submit(func() { p.decodeLoop(decode) }); err != nil {
			return err
		}
	}
	for i := 0; i < cfg.ScaleWorkers; i++ {
		if err := p.submit(func() { p.scaleLoop(scale) }); err != nil {
			return err
		}
	}
	if sink != nil {
		if err := p.submit(func() { p.consumeLoop(sink) }); err != nil {
			return err
		}
	}
	return nil
}

// AcquireCommand acquires a command from the shared pool, reporting
// api.ErrResourceExhausted rather than a bare nil so callers building
// their own stages on top of the same pool get an error they can wrap
// or compare against, consistent with the other api.Err* sentinels.
func (p *Pipeline) AcquireCommand() (*cmd.Command, error) {
	c := p.cmdPool.Acquire()
	if c == nil {
		return nil, api.ErrResourceExhausted
	}
	return c, nil
}

func (p *Pipeline) submit(task func()) error {
	p.wg.Add(1)
	err := p.exec.Submit(func() {
		defer p.wg.Done()
		task()
	})
	if err != nil {
		p.wg.Done()
	}
	return err
}

// demuxLoop pulls packets from source, wraps each in a pooled command,
// and writes it to demuxOut. Pending Seek requests are drained ahead
// of every packet read so a seek issued from any goroutine is honored
// promptly without the caller blocking on the demux thread.
func (p *Pipeline) demuxLoop(source PacketSource, pinCPU int) {
	if pinCPU >= 0 {
		_ = p.demuxPin.Pin(pinCPU, p.Config().NUMANode)
	}
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if sp, ok := p.popSeekRequest(); ok {
			p.injectSeek(sp)
		}

		pkt, ok := source()
		if !ok {
			p.injectSentinel(p.demuxOut, cmd.TagEOS)
			return
		}

		c, err := p.AcquireCommand()
		if err != nil {
			pkt.Release()
			if cancelable, schedErr := p.sched.Schedule(int64(time.Millisecond), func() {}); schedErr == nil {
				<-cancelable.Done()
			}
			continue
		}
		c.Init(cmd.TagPacket)
		c.PTS = pkt.PTS
		c.DTS = pkt.DTS
		c.StreamIndex = pkt.StreamIndex
		c.SetData(pkt, media.PacketRefAdapter{})
		pkt.Release()

		if code := p.demuxOut.WaitForWriteSpace(); code != fifo.OK {
			c.Release()
			return
		}
		if code := p.demuxOut.Write(c); code != fifo.OK {
			c.Release()
		}
		p.setMetric("demux_out_len", p.demuxOut.StoredCount())
	}
}

func (p *Pipeline) decodeLoop(decode DecodeFunc) {
	for {
		if code := p.demuxOut.WaitForReadData(); code != fifo.OK {
			return
		}
		c, code := p.demuxOut.Read()
		if code != fifo.OK {
			continue
		}

		if c.IsSentinel() {
			isEOS := c.Tag() == cmd.TagEOS
			p.forward(c, p.decodeOut)
			if isEOS {
				return
			}
			continue
		}
		if c.Tag() == cmd.TagSeek {
			p.forward(c, p.decodeOut)
			continue
		}

		pkt, _ := c.Data().(*media.Packet)
		frame, err := decode(pkt)
		c.Release()
		if err != nil {
			p.decodeErrors.Add(1)
			continue
		}

		fc := p.cmdPool.Acquire()
		if fc == nil {
			frame.Release()
			continue
		}
		fc.Init(cmd.TagFrame)
		fc.PTS = frame.PTS
		fc.SetData(frame, media.FrameRefAdapter{})
		frame.Release()

		if code := p.decodeOut.WaitForWriteSpace(); code != fifo.OK {
			fc.Release()
			return
		}
		if code := p.decodeOut.Write(fc); code != fifo.OK {
			fc.Release()
		}
	}
}

func (p *Pipeline) scaleLoop(scale ScaleFunc) {
	for {
		if code := p.decodeOut.WaitForReadData(); code != fifo.OK {
			return
		}
		c, code := p.decodeOut.Read()
		if code != fifo.OK {
			continue
		}

		if c.IsSentinel() {
			isEOS := c.Tag() == cmd.TagEOS
			p.forward(c, p.scaleOut)
			if isEOS {
				return
			}
			continue
		}
		if c.Tag() == cmd.TagSeek {
			p.forward(c, p.scaleOut)
			continue
		}

		frame, _ := c.Data().(*media.Frame)
		scaled, err := scale(frame)
		c.Release()
		if err != nil {
			p.scaleErrors.Add(1)
			continue
		}

		sc := p.cmdPool.Acquire()
		if sc == nil {
			scaled.Release()
			continue
		}
		sc.Init(cmd.TagFrame)
		sc.PTS = scaled.PTS
		sc.SetData(scaled, media.FrameRefAdapter{})
		scaled.Release()

		if code := p.scaleOut.WaitForWriteSpace(); code != fifo.OK {
			sc.Release()
			return
		}
		if code := p.scaleOut.Write(sc); code != fifo.OK {
			sc.Release()
		}
	}
}

func (p *Pipeline) consumeLoop(sink SinkFunc) {
	for {
		if code := p.scaleOut.WaitForReadData(); code != fifo.OK {
			return
		}
		c, code := p.scaleOut.Read()
		if code != fifo.OK {
			continue
		}
		if c.Tag() == cmd.TagEOS {
			c.Release()
			return
		}
		if !c.IsMedia() {
			c.Release()
			continue
		}
		frame, _ := c.Data().(*media.Frame)
		if !p.recentPTS.Enqueue(frame.PTS) {
			p.recentPTS.Dequeue()
			p.recentPTS.Enqueue(frame.PTS)
		}
		frame.AddRef()
		c.Release()
		sink(frame)
	}
}

// forward moves a sentinel or seek command to the next stage's FIFO
// unchanged, ahead of anything already queued there.
func (p *Pipeline) forward(c *cmd.Command, out *fifo.FIFO[*cmd.Command]) {
	tag := c.Tag()
	if code := out.Preempt(c); code != fifo.OK {
		c.Release()
		return
	}
	p.postControlEvent(tag)
}

func (p *Pipeline) injectSentinel(out *fifo.FIFO[*cmd.Command], tag cmd.Tag) {
	c := p.cmdPool.Acquire()
	if c == nil {
		return
	}
	c.Init(tag)
	if code := out.Preempt(c); code != fifo.OK {
		c.Release()
		return
	}
	p.postControlEvent(tag)
}

// Flush injects a FLUSH sentinel ahead of any packets already queued.
func (p *Pipeline) Flush() { p.injectSentinel(p.demuxOut, cmd.TagFlush) }

// Seek queues a seek request for the demux loop to honor before its
// next packet read. Safe to call from any goroutine. Returns
// api.ErrInvalidArgument for a negative position rather than queuing
// a seek the demuxer could never honor.
func (p *Pipeline) Seek(position float64, flags uint32) error {
	if position < 0 {
		return api.ErrInvalidArgument
	}
	p.seekMu.Lock()
	p.seekRequests.Add(cmd.SeekParams{Position: position, Flags: flags})
	p.seekMu.Unlock()
	return nil
}

func (p *Pipeline) popSeekRequest() (cmd.SeekParams, bool) {
	p.seekMu.Lock()
	defer p.seekMu.Unlock()
	if p.seekRequests.Length() == 0 {
		return cmd.SeekParams{}, false
	}
	sp, _ := p.seekRequests.Remove().(cmd.SeekParams)
	return sp, true
}

func (p *Pipeline) injectSeek(sp cmd.SeekParams) {
	c := p.cmdPool.Acquire()
	if c == nil {
		return
	}
	c.Init(cmd.TagSeek)
	c.UserData = sp
	if code := p.demuxOut.Preempt(c); code != fifo.OK {
		c.Release()
		return
	}
	p.postControlEvent(cmd.TagSeek)
}

// AcquireScratch returns a reusable, CPU-cache-local scratch buffer of
// Config.BufferSize bytes for a ScaleFunc's own temporary working
// storage. Unlike frame/packet payloads, scratch buffers are not
// NUMA-pinned: they're short-lived per-call workspace, not data that
// outlives the call.
func (p *Pipeline) AcquireScratch() []byte { return p.scaleScratch.Get() }

// ReleaseScratch returns a buffer obtained from AcquireScratch.
func (p *Pipeline) ReleaseScratch(buf []byte) { p.scaleScratch.Put(buf) }

// Output exposes the final scaled-frame FIFO for callers that prefer
// to read results themselves instead of supplying a SinkFunc to Run.
func (p *Pipeline) Output() *fifo.FIFO[*cmd.Command] { return p.scaleOut }

// TryReadOutput is a non-blocking alternative to supplying a SinkFunc:
// it pops one finished frame from the output stage if one is already
// queued. Err is api.ErrTransportClosed once the pipeline has been
// closed, or the underlying fifo.Code (itself an error) for any other
// non-OK outcome, including the ordinary "nothing queued right now".
func (p *Pipeline) TryReadOutput() api.Result[*media.Frame] {
	if code := p.scaleOut.TryAcquireReadData(); code != fifo.OK {
		if code == fifo.FlowDisabled {
			return api.Result[*media.Frame]{Err: api.ErrTransportClosed}
		}
		return api.Result[*media.Frame]{Err: code}
	}
	c, code := p.scaleOut.Read()
	if code != fifo.OK {
		return api.Result[*media.Frame]{Err: code}
	}
	if !c.IsMedia() {
		c.Release()
		return api.Result[*media.Frame]{Err: api.NewError(api.ErrCodeInvalidArgument, "output command carries no frame")}
	}
	frame, _ := c.Data().(*media.Frame)
	frame.AddRef()
	c.Release()
	return api.Result[*media.Frame]{Value: frame}
}

// handlerSink adapts an api.Handler into a SinkFunc: Handle receives
// the frame, and the pipeline releases it once Handle returns
// regardless of outcome. Handler errors are counted alongside
// decode/scale errors rather than aborting the pipeline.
func (p *Pipeline) handlerSink(h api.Handler) SinkFunc {
	return func(fr *media.Frame) {
		if err := h.Handle(fr); err != nil {
			p.handlerErrors.Add(1)
		}
		fr.Release()
	}
}

// RunWithHandler is Run with the sink expressed as an api.Handler
// instead of a bare function, for callers whose consumer is already
// Handler-shaped (e.g. a shared transport writer).
func (p *Pipeline) RunWithHandler(source PacketSource, decode DecodeFunc, scale ScaleFunc, h api.Handler) error {
	if h == nil {
		return api.ErrNotSupported
	}
	return p.Run(source, decode, scale, p.handlerSink(h))
}

// ReadOutputTimed is TryReadOutput with a bounded wait instead of an
// immediate return: it blocks for up to d for a finished frame. Err is
// api.ErrTransportClosed once the pipeline has closed, or
// api.ErrOperationTimeout if d elapses with nothing queued.
func (p *Pipeline) ReadOutputTimed(d time.Duration) api.Result[*media.Frame] {
	switch code := p.scaleOut.WaitForReadDataTimed(d); code {
	case fifo.OK:
	case fifo.Timeout:
		return api.Result[*media.Frame]{Err: api.ErrOperationTimeout}
	case fifo.FlowDisabled:
		return api.Result[*media.Frame]{Err: api.ErrTransportClosed}
	default:
		return api.Result[*media.Frame]{Err: code}
	}
	c, code := p.scaleOut.Read()
	if code != fifo.OK {
		return api.Result[*media.Frame]{Err: code}
	}
	if !c.IsMedia() {
		c.Release()
		return api.Result[*media.Frame]{Err: api.NewError(api.ErrCodeInvalidArgument, "output command carries no frame")}
	}
	frame, _ := c.Data().(*media.Frame)
	frame.AddRef()
	c.Release()
	return api.Result[*media.Frame]{Value: frame}
}

// AcquireScratchChecked is AcquireScratch with an explicit error for
// callers that need to distinguish "pipeline closed" from "got a
// buffer": once Close has run, the NUMA-local scratch batch backing
// the warm-up has been released back to its pool.
func (p *Pipeline) AcquireScratchChecked() ([]byte, error) {
	if p.closed.Load() {
		return nil, api.ErrBufferPoolClosed
	}
	return p.AcquireScratch(), nil
}

// Close stops every stage, drains and releases all in-flight commands
// and their attached payloads, and shuts down the executor and
// scheduler. Safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stopCh)
		p.demuxOut.Drain(func(c *cmd.Command) { c.Release() })
		p.decodeOut.Drain(func(c *cmd.Command) { c.Release() })
		p.scaleOut.Drain(func(c *cmd.Command) { c.Release() })
		p.wg.Wait()
		p.exec.Close()
		p.sched.Close()
		p.events.UnregisterHandler(p.eventHandler)
		p.events.Stop()
		if p.scratch != nil {
			for i := 0; i < p.scratch.Len(); i++ {
				p.scratch.Get(i).Release()
			}
		}
	})
}
