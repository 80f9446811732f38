// Package pool
// Author: momentics <momentics@gmail.com>
//
// NUMA-aware, lock-free buffer pooling, batching, and ring buffering
// backing the media pipeline's packet and frame payloads. A decoded
// frame's pixel data and a demuxed packet's bitstream both come from
// the same NUMA-local byte pool, so a worker pinned to a given node
// never pages in memory from another one.
// All primitives are cross-platform (Linux/Windows) and designed for
// ultra-low-latency, high-throughput workloads.
package pool
