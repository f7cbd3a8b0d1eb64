package sim

import (
	"pi-capture-pipeline/hardware"
)

type bufState int

const (
	inPool bufState = iota
	atClient
	atPort
)

type pool struct {
	hw        *Hardware
	port      *port
	buffers   []*hardware.Buffer
	free      []*hardware.Buffer
	state     map[*hardware.Buffer]bufState
	destroyed bool
}

func (pl *pool) Len() int { return len(pl.buffers) }

func (pl *pool) Get() (*hardware.Buffer, bool) {
	pl.hw.mu.Lock()
	defer pl.hw.mu.Unlock()

	if pl.destroyed || len(pl.free) == 0 {
		return nil, false
	}
	b := pl.free[0]
	pl.free = pl.free[1:]
	pl.state[b] = atClient
	return b, true
}

func (pl *pool) Destroy() error {
	h := pl.hw
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(OpDestroyPool, ""); err != nil {
		return err
	}
	if pl.destroyed {
		return hardware.EINVAL
	}
	pl.destroyed = true
	for _, b := range pl.buffers {
		if pl.state[b] != inPool {
			h.stats.Leaked++
		}
		delete(h.owners, b)
	}
	pl.free = nil
	delete(h.pools, pl)
	return nil
}

type connection struct {
	hw      *Hardware
	out     *port
	in      *port
	flags   hardware.ConnectionFlags
	enabled bool
	dead    bool
}

func (c *connection) Enable() error {
	c.hw.mu.Lock()
	defer c.hw.mu.Unlock()

	if err := c.hw.check(OpEnableConnection, ""); err != nil {
		return err
	}
	if c.dead || c.enabled {
		return hardware.EINVAL
	}
	c.enabled = true
	c.out.enabled = true
	c.in.enabled = true
	return nil
}

func (c *connection) Disable() error {
	c.hw.mu.Lock()
	defer c.hw.mu.Unlock()

	if c.dead || !c.enabled {
		return hardware.EINVAL
	}
	c.setDisabled()
	return nil
}

func (c *connection) Destroy() error {
	c.hw.mu.Lock()
	defer c.hw.mu.Unlock()

	if err := c.hw.check(OpDestroyConnection, ""); err != nil {
		return err
	}
	if c.dead {
		return hardware.EINVAL
	}
	c.unlink()
	return nil
}

// setDisabled stops the tunnel. Caller holds hw.mu.
func (c *connection) setDisabled() {
	c.enabled = false
	c.out.enabled = false
	c.in.enabled = false
}

// unlink detaches both ports and forgets the connection. Caller holds hw.mu.
func (c *connection) unlink() {
	if c.dead {
		return
	}
	c.setDisabled()
	c.out.conn = nil
	c.in.conn = nil
	c.dead = true
	delete(c.hw.connections, c)
}
