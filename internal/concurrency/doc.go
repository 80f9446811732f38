// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// NUMA-aware, lock-free concurrency primitives backing the media pipeline's
// demux/decode/scale worker stages. Includes CPU/NUMA pinning, an event loop
// for control-plane traffic (seek/flush/EOS notifications), a work-stealing
// task executor, and a timer-based scheduler for pool-exhaustion backoff.
//
// All implementations are cross-platform compatible (Linux/Windows).
package concurrency
