package capture

import (
	"go.uber.org/zap"

	"pi-capture-pipeline/hardware"
)

// deliveryLoop runs one drain per coalesced wake until the wake is retired
func (c *Controller) deliveryLoop(q *bufferQueue, w *wakeup) {
	for {
		select {
		case <-w.done:
			return
		case <-w.c:
			c.drain(q)
		}
	}
}

// drain empties the queue. Payloads are copied and every buffer goes back to
// the hardware under the lock; the consumer runs afterwards without it so it
// can call into the controller. A payload is only handed over while the
// pipeline that produced it is still Active.
func (c *Controller) drain(q *bufferQueue) {
	c.mu.Lock()
	if c.queue != q {
		c.mu.Unlock()
		return
	}
	bufs := q.take()
	if len(bufs) == 0 {
		c.mu.Unlock()
		return
	}

	deliver := c.state == Active
	var payloads [][]byte
	if deliver {
		payloads = make([][]byte, 0, len(bufs))
	}
	for _, b := range bufs {
		p := b.Payload()
		c.stats.Bytes += uint64(len(p))
		if deliver {
			data := make([]byte, len(p))
			copy(data, p)
			payloads = append(payloads, data)
		}
		c.recycle(b)
	}
	c.stats.Drains++
	if !deliver {
		c.stats.Suppressed += uint64(len(bufs))
	}
	consumer := c.consumer
	c.mu.Unlock()

	for _, p := range payloads {
		if !c.admit(q) {
			continue
		}
		consumer(p)
	}
}

// admit rechecks the state before each consumer call, since an earlier call
// in the same batch may have paused or stopped the pipeline.
func (c *Controller) admit(q *bufferQueue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active || c.queue != q {
		c.stats.Suppressed++
		return false
	}
	c.stats.Delivered++
	return true
}

// recycle hands a buffer back to the output port for refilling, falling back
// to releasing it into the pool. Caller holds c.mu.
func (c *Controller) recycle(b *hardware.Buffer) {
	if c.outputEnabled {
		err := c.encoderOut.SendBuffer(b)
		if err == nil {
			c.stats.Recycled++
			return
		}
		c.log.Debug("Failed to return buffer to encoder output", zap.Error(err))
	}
	b.Release()
	c.stats.Released++
}

// reclaim returns buffers left in the queue after the output port stopped.
// Caller holds c.mu.
func (c *Controller) reclaim(bufs []*hardware.Buffer) int {
	for _, b := range bufs {
		c.recycle(b)
	}
	return len(bufs)
}
