// File: affinity/controller.go
// Author: momentics <momentics@gmail.com>
//
// Controller adapts the package-level SetAffinity function to the
// stateful api.Affinity contract, so callers that want to query or
// release a pin (rather than just set one) have somewhere to do that.

package affinity

import (
	"sync/atomic"

	"github.com/richinsley/ffarcana/api"
)

var _ api.Affinity = (*Controller)(nil)

// Controller tracks the CPU most recently pinned through it. NUMA node
// is accepted for interface compatibility but not independently
// enforced: pinning a CPU already implies a NUMA node on the platforms
// this package targets.
type Controller struct {
	pinned atomic.Int64
}

// NewController returns a Controller with no active pin.
func NewController() *Controller {
	c := &Controller{}
	c.pinned.Store(-1)
	return c
}

// Pin locks the current goroutine's OS thread to cpuID.
func (c *Controller) Pin(cpuID int, numaID int) error {
	if err := SetAffinity(cpuID); err != nil {
		return err
	}
	c.pinned.Store(int64(cpuID))
	return nil
}

// Unpin clears the tracked pin. The underlying OS thread affinity mask
// set by Pin is not reset (the platform primitives this package wraps
// offer no portable way to do so); Unpin only updates what Get reports.
func (c *Controller) Unpin() error {
	c.pinned.Store(-1)
	return nil
}

// Get reports the most recently pinned CPU, or -1 if none.
func (c *Controller) Get() (cpuID int, numaID int, err error) {
	return int(c.pinned.Load()), -1, nil
}
