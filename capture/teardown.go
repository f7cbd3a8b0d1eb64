package capture

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func failed(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// teardown releases whatever the pipeline holds in a fixed order: output
// port, queued buffers, pool, connection, encoder, sensor, wake. Every step
// runs even if an earlier one fails. Caller holds c.mu.
func (c *Controller) teardown() {
	var errs error

	if c.outputEnabled {
		errs = multierr.Append(errs, failed("disable encoder output port", c.encoderOut.Disable()))
		c.outputEnabled = false
	}

	if c.queue != nil {
		if n := c.reclaim(c.queue.take()); n > 0 {
			c.log.Debug("Returned queued buffers", zap.Int("count", n))
		}
	}

	if c.pool != nil {
		errs = multierr.Append(errs, failed("destroy buffer pool", c.pool.Destroy()))
		c.pool = nil
	}

	if c.conn != nil {
		errs = multierr.Append(errs, failed("destroy connection", c.conn.Destroy()))
		c.conn = nil
	}

	if c.encoder != nil {
		if c.encoderEnabled {
			errs = multierr.Append(errs, failed("disable encoder", c.encoder.Disable()))
			c.encoderEnabled = false
		}
		errs = multierr.Append(errs, failed("destroy encoder", c.encoder.Destroy()))
		c.encoder = nil
		c.encoderOut = nil
	}

	if c.sensor != nil {
		if c.sensorEnabled {
			errs = multierr.Append(errs, failed("disable camera", c.sensor.Disable()))
			c.sensorEnabled = false
		}
		errs = multierr.Append(errs, failed("destroy camera", c.sensor.Destroy()))
		c.sensor = nil
		c.sensorOut = nil
	}

	if c.wake != nil {
		c.wake.retire()
		c.wake = nil
	}
	c.queue = nil

	if errs != nil {
		c.log.Warn("Capture pipeline teardown incomplete",
			zap.Int("failures", len(multierr.Errors(errs))),
			zap.Error(errs))
	}
}
