package sim

import (
	"fmt"
	"sync"

	"pi-capture-pipeline/hardware"
)

type portRole int

const (
	roleControl portRole = iota
	roleInput
	roleOutput
)

type component struct {
	hw        *Hardware
	kind      hardware.ComponentKind
	enabled   bool
	destroyed bool

	control *port
	inputs  []*port
	outputs []*port
}

func newComponent(h *Hardware, kind hardware.ComponentKind, control, inputs, outputs int) *component {
	c := &component{hw: h, kind: kind}
	if control > 0 {
		c.control = newPort(c, roleControl, 0)
	}
	for i := 0; i < inputs; i++ {
		c.inputs = append(c.inputs, newPort(c, roleInput, i))
	}
	for i := 0; i < outputs; i++ {
		c.outputs = append(c.outputs, newPort(c, roleOutput, i))
	}
	return c
}

func (c *component) isSensor() bool { return c.kind == hardware.KindSensor }

func (c *component) op(sensor, encoder Op) Op {
	if c.isSensor() {
		return sensor
	}
	return encoder
}

func (c *component) allPorts() []*port {
	var ports []*port
	if c.control != nil {
		ports = append(ports, c.control)
	}
	ports = append(ports, c.inputs...)
	return append(ports, c.outputs...)
}

func (c *component) Name() string { return string(c.kind) }

func (c *component) Control() hardware.Port {
	if c.control == nil {
		return nil
	}
	return c.control
}

func (c *component) Inputs() []hardware.Port {
	ports := make([]hardware.Port, len(c.inputs))
	for i, p := range c.inputs {
		ports[i] = p
	}
	return ports
}

func (c *component) Outputs() []hardware.Port {
	ports := make([]hardware.Port, len(c.outputs))
	for i, p := range c.outputs {
		ports[i] = p
	}
	return ports
}

func (c *component) Enable() error {
	c.hw.mu.Lock()
	defer c.hw.mu.Unlock()

	if err := c.hw.check(c.op(OpEnableSensor, OpEnableEncoder), ""); err != nil {
		return err
	}
	if c.destroyed {
		return hardware.EINVAL
	}
	c.enabled = true
	return nil
}

func (c *component) Disable() error {
	c.hw.mu.Lock()
	defer c.hw.mu.Unlock()

	if err := c.hw.check(c.op(OpDisableSensor, OpDisableEncoder), ""); err != nil {
		return err
	}
	if c.destroyed {
		return hardware.EINVAL
	}
	c.enabled = false
	return nil
}

func (c *component) Destroy() error {
	c.hw.mu.Lock()
	if err := c.hw.check(c.op(OpDestroySensor, OpDestroyEncoder), ""); err != nil {
		c.hw.mu.Unlock()
		return err
	}
	if c.destroyed {
		c.hw.mu.Unlock()
		return hardware.EINVAL
	}
	c.destroyed = true
	c.enabled = false
	var open []*port
	for _, p := range c.allPorts() {
		if p.enabled && p.conn == nil {
			open = append(open, p)
		}
	}
	c.hw.mu.Unlock()

	for _, p := range open {
		p.shutdown()
	}

	c.hw.mu.Lock()
	defer c.hw.mu.Unlock()
	for _, p := range c.allPorts() {
		if p.conn != nil {
			p.conn.unlink()
		}
	}
	if c.isSensor() {
		c.hw.sensorLive = false
	} else if c.hw.encoderOut == c.outputs[0] {
		c.hw.encoderOut = nil
	}
	delete(c.hw.components, c)
	return nil
}

type port struct {
	comp  *component
	role  portRole
	index int

	format    hardware.Format
	committed hardware.Format
	bufSize   int
	bufNum    int
	recSize   int
	recNum    int

	enabled  bool
	cb       hardware.BufferCallback
	queue    []*hardware.Buffer
	params   map[hardware.ParamID]hardware.Parameter
	conn     *connection
	inflight sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
}

func newPort(c *component, role portRole, index int) *port {
	return &port{
		comp:    c,
		role:    role,
		index:   index,
		recSize: 4096,
		recNum:  1,
		params:  make(map[hardware.ParamID]hardware.Parameter),
	}
}

func (p *port) Name() string {
	switch p.role {
	case roleControl:
		return p.comp.Name() + ":ctr:0"
	case roleInput:
		return fmt.Sprintf("%s:in:%d", p.comp.Name(), p.index)
	}
	return fmt.Sprintf("%s:out:%d", p.comp.Name(), p.index)
}

func (p *port) Format() *hardware.Format { return &p.format }

func (p *port) CommitFormat() error {
	h := p.comp.hw
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(p.comp.op(OpCommitSensorFormat, OpCommitEncoderFormat), p.format.Encoding.String()); err != nil {
		return err
	}
	if p.comp.destroyed {
		return hardware.EINVAL
	}
	if p.comp.isSensor() && p.role == roleOutput {
		f := p.format
		if f.Width <= 0 || f.Height <= 0 || f.FrameRate.Num <= 0 || f.FrameRate.Den <= 0 {
			return hardware.EINVAL
		}
		if f.Crop.Width <= 0 || f.Crop.Height <= 0 || f.Crop.X+f.Crop.Width > f.Width || f.Crop.Y+f.Crop.Height > f.Height {
			return hardware.EINVAL
		}
	}
	if !p.comp.isSensor() && p.role == roleOutput {
		switch p.format.Encoding {
		case hardware.EncodingJPEG, hardware.EncodingPNG, hardware.EncodingBMP:
		default:
			return hardware.ENOSYS
		}
	}
	p.committed = p.format
	return nil
}

func (p *port) BufferSize() int            { return p.bufSize }
func (p *port) BufferNum() int             { return p.bufNum }
func (p *port) BufferSizeRecommended() int { return p.recSize }
func (p *port) BufferNumRecommended() int  { return p.recNum }
func (p *port) SetBufferSize(size int)     { p.bufSize = size }
func (p *port) SetBufferNum(num int)       { p.bufNum = num }

func (p *port) IsEnabled() bool {
	p.comp.hw.mu.Lock()
	defer p.comp.hw.mu.Unlock()
	return p.enabled
}

func (p *port) enableOp() Op {
	if p.role == roleControl {
		return OpEnableControl
	}
	return OpEnableOutput
}

func (p *port) Enable(cb hardware.BufferCallback) error {
	h := p.comp.hw
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(p.enableOp(), p.Name()); err != nil {
		return err
	}
	if cb == nil || p.enabled || p.comp.destroyed || p.conn != nil {
		return hardware.EINVAL
	}
	p.enabled = true
	p.cb = cb
	if p == h.encoderOut && !h.cfg.Manual {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go h.produce(p.stop, p.done)
	}
	return nil
}

func (p *port) Disable() error {
	h := p.comp.hw
	h.mu.Lock()
	if p.role == roleOutput {
		if err := h.check(OpDisableOutput, p.Name()); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	if !p.enabled || p.conn != nil {
		h.mu.Unlock()
		return hardware.EINVAL
	}
	h.mu.Unlock()

	p.shutdown()
	return nil
}

// shutdown stops the port and waits for callbacks in flight. Buffers still
// queued on the port go back to their pool.
func (p *port) shutdown() {
	h := p.comp.hw
	h.mu.Lock()
	p.enabled = false
	p.cb = nil
	for _, b := range p.queue {
		if pl, ok := h.owners[b]; ok && !pl.destroyed {
			b.Reset()
			pl.state[b] = inPool
			pl.free = append(pl.free, b)
			h.stats.Flushed++
		}
	}
	p.queue = nil
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	p.inflight.Wait()
}

func (p *port) SendBuffer(b *hardware.Buffer) error {
	h := p.comp.hw
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(OpSendBuffer, ""); err != nil {
		return err
	}
	if !p.enabled || p.cb == nil {
		return hardware.EINVAL
	}
	pl, ok := h.owners[b]
	if !ok || pl.destroyed || pl.state[b] != atClient {
		h.stats.DoubleReturns++
		return hardware.EINVAL
	}
	b.Reset()
	pl.state[b] = atPort
	p.queue = append(p.queue, b)
	h.stats.Sent++
	return nil
}

func (p *port) paramOp(id hardware.ParamID) Op {
	switch id {
	case hardware.ParamCameraConfig:
		return OpSetCameraConfig
	case hardware.ParamJPEGQFactor:
		return OpSetQuality
	case hardware.ParamJPEGRestartInterval:
		return OpSetRestartInterval
	case hardware.ParamMirror:
		return OpSetMirror
	case hardware.ParamRotation:
		return OpSetRotation
	}
	return OpSetCapture
}

func (p *port) SetParameter(param hardware.Parameter) error {
	h := p.comp.hw
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(p.paramOp(param.ParamID()), param.ParamID().String()); err != nil {
		return err
	}
	if p.comp.destroyed {
		return hardware.EINVAL
	}
	switch v := param.(type) {
	case hardware.CameraConfig:
		if p.role != roleControl || v.MaxStillsWidth <= 0 || v.MaxPreviewVideoHeight <= 0 {
			return hardware.EINVAL
		}
	case hardware.Uint32Param:
		switch v.ID {
		case hardware.ParamJPEGQFactor:
			if v.Value > 100 {
				return hardware.EINVAL
			}
		case hardware.ParamMirror:
			if v.Value > hardware.MirrorBoth {
				return hardware.EINVAL
			}
		}
	case hardware.BoolParam:
	default:
		return hardware.ENOSYS
	}
	p.params[param.ParamID()] = param
	return nil
}

// uint32Param returns a stored parameter or def. Caller holds h.mu.
func (p *port) uint32Param(id hardware.ParamID, def uint32) uint32 {
	if v, ok := p.params[id].(hardware.Uint32Param); ok {
		return v.Value
	}
	return def
}

// capturing reports the capture flag, on unless explicitly cleared. Caller holds h.mu.
func (p *port) capturing() bool {
	if v, ok := p.params[hardware.ParamCapture].(hardware.BoolParam); ok {
		return v.Value
	}
	return true
}
