// File: pipeline/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Config holds the tunables for a demux -> decode -> scale pipeline,
// loaded from a control.ConfigStore snapshot so operators can push
// updated watermark thresholds and worker counts without a restart.

package pipeline

import (
	"github.com/richinsley/ffarcana/control"
	"github.com/richinsley/ffarcana/core/fifo"
)

// Config tunes a Pipeline's capacity, concurrency, and buffer locality.
type Config struct {
	Capacity      int
	Mode          fifo.Mode
	DemuxWorkers  int
	DecodeWorkers int
	ScaleWorkers  int
	HighWatermark int
	LowWatermark  int
	NUMANode      int
	PinDemuxCPU   int // >= 0 pins the demux feeder to this logical CPU
	BufferSize    int // bytes reserved per frame/packet payload
	PoolMaxSize   int // command pool ceiling, 0 = unlimited
}

// DefaultConfig returns sane defaults for a single-stream pipeline.
func DefaultConfig() Config {
	return Config{
		Capacity:      32,
		Mode:          fifo.ModeBlocking,
		DemuxWorkers:  1,
		DecodeWorkers: 1,
		ScaleWorkers:  1,
		HighWatermark: 24,
		LowWatermark:  8,
		NUMANode:      -1,
		PinDemuxCPU:   -1,
		BufferSize:    1 << 20,
		PoolMaxSize:   0,
	}
}

// LoadConfig overlays values found in store's current snapshot onto
// DefaultConfig. Keys absent from the snapshot keep their default.
func LoadConfig(store *control.ConfigStore) Config {
	cfg := DefaultConfig()
	if store == nil {
		return cfg
	}
	snap := store.GetSnapshot()

	if v, ok := snap["capacity"].(int); ok {
		cfg.Capacity = v
	}
	if v, ok := snap["demux_workers"].(int); ok {
		cfg.DemuxWorkers = v
	}
	if v, ok := snap["decode_workers"].(int); ok {
		cfg.DecodeWorkers = v
	}
	if v, ok := snap["scale_workers"].(int); ok {
		cfg.ScaleWorkers = v
	}
	if v, ok := snap["high_watermark"].(int); ok {
		cfg.HighWatermark = v
	}
	if v, ok := snap["low_watermark"].(int); ok {
		cfg.LowWatermark = v
	}
	if v, ok := snap["numa_node"].(int); ok {
		cfg.NUMANode = v
	}
	if v, ok := snap["pin_demux_cpu"].(int); ok {
		cfg.PinDemuxCPU = v
	}
	if v, ok := snap["buffer_size"].(int); ok {
		cfg.BufferSize = v
	}
	if v, ok := snap["pool_max_size"].(int); ok {
		cfg.PoolMaxSize = v
	}
	return cfg
}
