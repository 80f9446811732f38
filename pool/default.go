package pool

import (
	"sync"

	"github.com/richinsley/ffarcana/api"
)

var (
	defaultOnce sync.Once
	defaultMgr  *BufferPoolManager
)

// DefaultManager returns a process-wide BufferPoolManager so all components
// reuse the same NUMA-aware pools instead of fragmenting allocations.
func DefaultManager() *BufferPoolManager {
	defaultOnce.Do(func() {
		defaultMgr = NewBufferPoolManager()
	})
	return defaultMgr
}

// DefaultPool is a shortcut to fetch the buffer pool for numaNode from
// the default manager. Pass -1 for no NUMA preference.
func DefaultPool(numaNode int) api.BufferPool {
	return DefaultManager().GetPool(numaNode)
}
