package vm

import (
	"sync"

	"github.com/pkg/errors"

	"kernos/pkg/arch"
	"kernos/pkg/metrics"
)

// Coremap accounts for physical page frames.
type Coremap struct {
	mu      sync.Mutex
	total   int
	used    int
	metrics *metrics.Metrics
}

// NewCoremap creates a coremap for a machine with the given number of frames.
func NewCoremap(frames int, m *metrics.Metrics) *Coremap {
	return &Coremap{total: frames, metrics: m}
}

// Alloc reserves n frames. Either all n are reserved or none are.
func (c *Coremap) Alloc(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used+n > c.total {
		return errors.Wrapf(arch.ENOMEM, "need %d frames, %d of %d free", n, c.total-c.used, c.total)
	}
	c.used += n
	c.metrics.SetFrames(c.used)
	return nil
}

// Free returns n frames.
func (c *Coremap) Free(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.used {
		panic("vm: freeing more frames than allocated")
	}
	c.used -= n
	c.metrics.SetFrames(c.used)
}

// InUse returns the number of allocated frames.
func (c *Coremap) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Total returns the number of frames in the machine.
func (c *Coremap) Total() int {
	return c.total
}
