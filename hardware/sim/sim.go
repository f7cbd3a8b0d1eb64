// Package sim is an in-process implementation of hardware.Capability. It
// models the camera sensor and image encoder closely enough to drive the
// capture pipeline without a device: buffer ownership is tracked, faults can
// be injected per operation and a producer goroutine plays the part of the
// hardware callback thread.
package sim

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pi-capture-pipeline/hardware"
)

// Op names a capability operation for fault injection
type Op string

const (
	OpCreateSensor        Op = "create_sensor"
	OpCreateEncoder       Op = "create_encoder"
	OpEnableSensor        Op = "enable_sensor"
	OpEnableEncoder       Op = "enable_encoder"
	OpDisableSensor       Op = "disable_sensor"
	OpDisableEncoder      Op = "disable_encoder"
	OpDestroySensor       Op = "destroy_sensor"
	OpDestroyEncoder      Op = "destroy_encoder"
	OpEnableControl       Op = "enable_control"
	OpSetCameraConfig     Op = "set_camera_config"
	OpCommitSensorFormat  Op = "commit_sensor_format"
	OpCommitEncoderFormat Op = "commit_encoder_format"
	OpSetQuality          Op = "set_quality"
	OpSetRestartInterval  Op = "set_restart_interval"
	OpSetMirror           Op = "set_mirror"
	OpSetRotation         Op = "set_rotation"
	OpSetCapture          Op = "set_capture"
	OpCreatePool          Op = "create_pool"
	OpDestroyPool         Op = "destroy_pool"
	OpCreateConnection    Op = "create_connection"
	OpEnableConnection    Op = "enable_connection"
	OpDestroyConnection   Op = "destroy_connection"
	OpEnableOutput        Op = "enable_output"
	OpDisableOutput       Op = "disable_output"
	OpSendBuffer          Op = "send_buffer"
)

// Config tunes the simulated hardware
type Config struct {
	// SensorOutputs is the number of output ports on the sensor; zero builds
	// a sensor without outputs
	SensorOutputs int
	// BufferNum and BufferSize are the encoder output port recommendations
	BufferNum  int
	BufferSize int
	// Manual disables the producer goroutine; frames are only completed
	// through Emit and EmitFrame.
	Manual bool
}

// DefaultConfig returns the values a Pi camera reports
func DefaultConfig() Config {
	return Config{
		SensorOutputs: 3,
		BufferNum:     3,
		BufferSize:    81920,
	}
}

// Stats counts buffer traffic through the simulated hardware
type Stats struct {
	Sent          uint64 // buffers handed to a port by the client
	Completed     uint64 // buffers filled and returned through a callback
	Released      uint64 // buffers returned to their pool by the client
	Flushed       uint64 // buffers returned to their pool by a port disable
	DoubleReturns uint64 // send or release of a buffer the client did not hold
	Leaked        uint64 // buffers still held by the client when their pool died
	Frames        uint64 // frames completed
	Bytes         uint64 // payload bytes completed
	DroppedFrames uint64 // frames lost because no buffer was queued
}

// Resources counts live hardware objects
type Resources struct {
	Components    int
	Pools         int
	Connections   int
	EnabledPorts  int
	ClientBuffers int
}

// Zero reports whether nothing is left allocated
func (r Resources) Zero() bool {
	return r == Resources{}
}

// Hardware is the simulated capability
type Hardware struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	faults      map[Op]hardware.Result
	calls       []string
	components  map[*component]struct{}
	pools       map[*pool]struct{}
	connections map[*connection]struct{}
	owners      map[*hardware.Buffer]*pool
	stats       Stats
	frameSeq    uint64
	sensorLive  bool
	encoderOut  *port
}

// New creates simulated hardware
func New(cfg Config, logger *zap.Logger) *Hardware {
	def := DefaultConfig()
	if cfg.SensorOutputs < 0 {
		cfg.SensorOutputs = 0
	}
	if cfg.BufferNum <= 0 {
		cfg.BufferNum = def.BufferNum
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Hardware{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "sim")),
		faults:      make(map[Op]hardware.Result),
		components:  make(map[*component]struct{}),
		pools:       make(map[*pool]struct{}),
		connections: make(map[*connection]struct{}),
		owners:      make(map[*hardware.Buffer]*pool),
	}
}

// FailOn makes every following op fail with code until cleared
func (h *Hardware) FailOn(op Op, code hardware.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[op] = code
}

// ClearFaults removes all injected faults
func (h *Hardware) ClearFaults() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = make(map[Op]hardware.Result)
}

// Calls returns the operations performed so far
func (h *Hardware) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

// ResetCalls clears the call log
func (h *Hardware) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Stats returns a snapshot of the buffer counters
func (h *Hardware) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Resources returns the number of live objects
func (h *Hardware) Resources() Resources {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Resources{
		Components:  len(h.components),
		Pools:       len(h.pools),
		Connections: len(h.connections),
	}
	for c := range h.components {
		for _, p := range c.allPorts() {
			if p.enabled {
				r.EnabledPorts++
			}
		}
	}
	for p := range h.pools {
		for _, st := range p.state {
			if st == atClient {
				r.ClientBuffers++
			}
		}
	}
	return r
}

// check records op and returns the injected fault, if any. Caller holds h.mu.
func (h *Hardware) check(op Op, detail string) error {
	if detail != "" {
		h.calls = append(h.calls, fmt.Sprintf("%s %s", op, detail))
	} else {
		h.calls = append(h.calls, string(op))
	}
	if code, ok := h.faults[op]; ok {
		h.logger.Debug("Injected fault", zap.String("op", string(op)), zap.Stringer("code", code))
		return code
	}
	return nil
}

// CreateComponent implements hardware.Capability
func (h *Hardware) CreateComponent(kind hardware.ComponentKind) (hardware.Component, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch kind {
	case hardware.KindSensor:
		if err := h.check(OpCreateSensor, ""); err != nil {
			return nil, err
		}
		if h.sensorLive {
			return nil, hardware.ENOSPC
		}
		c := newComponent(h, kind, 1, 0, h.cfg.SensorOutputs)
		h.sensorLive = true
		h.components[c] = struct{}{}
		return c, nil
	case hardware.KindImageEncoder:
		if err := h.check(OpCreateEncoder, ""); err != nil {
			return nil, err
		}
		c := newComponent(h, kind, 0, 1, 1)
		in := c.inputs[0]
		in.format = hardware.Format{Encoding: hardware.EncodingI420}
		in.committed = in.format
		c.outputs[0].recSize = h.cfg.BufferSize
		c.outputs[0].recNum = h.cfg.BufferNum
		h.encoderOut = c.outputs[0]
		h.components[c] = struct{}{}
		return c, nil
	}
	h.calls = append(h.calls, "create_component "+string(kind))
	return nil, hardware.ENOENT
}

// CreatePool implements hardware.Capability
func (h *Hardware) CreatePool(hp hardware.Port, num, size int) (hardware.Pool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(OpCreatePool, fmt.Sprintf("%dx%d", num, size)); err != nil {
		return nil, err
	}
	p, ok := hp.(*port)
	if !ok || num <= 0 || size <= 0 {
		return nil, hardware.EINVAL
	}
	pl := &pool{
		hw:    h,
		port:  p,
		state: make(map[*hardware.Buffer]bufState, num),
	}
	for i := 0; i < num; i++ {
		b := hardware.NewBuffer(make([]byte, size), h.releaseBuffer)
		pl.buffers = append(pl.buffers, b)
		pl.free = append(pl.free, b)
		pl.state[b] = inPool
		h.owners[b] = pl
	}
	h.pools[pl] = struct{}{}
	return pl, nil
}

// CreateConnection implements hardware.Capability
func (h *Hardware) CreateConnection(out, in hardware.Port, flags hardware.ConnectionFlags) (hardware.Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(OpCreateConnection, ""); err != nil {
		return nil, err
	}
	op, ok1 := out.(*port)
	ip, ok2 := in.(*port)
	if !ok1 || !ok2 || op.role != roleOutput || ip.role != roleInput {
		return nil, hardware.EINVAL
	}
	if op.conn != nil || ip.conn != nil {
		return nil, hardware.EISCONN
	}
	// tunnels propagate the producer format downstream
	ip.format = op.committed
	ip.committed = op.committed

	c := &connection{hw: h, out: op, in: ip, flags: flags}
	op.conn = c
	ip.conn = c
	h.connections[c] = struct{}{}
	return c, nil
}

// releaseBuffer returns a client-held buffer to its pool
func (h *Hardware) releaseBuffer(b *hardware.Buffer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pl, ok := h.owners[b]
	if !ok || pl.destroyed {
		h.stats.DoubleReturns++
		return
	}
	if pl.state[b] != atClient {
		h.stats.DoubleReturns++
		return
	}
	b.Reset()
	pl.state[b] = inPool
	pl.free = append(pl.free, b)
	h.stats.Released++
}

// SensorFormat returns the committed format of the sensor output feeding the
// encoder, if a sensor exists.
func (h *Hardware) SensorFormat() (hardware.Format, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.components {
		if c.isSensor() && len(c.outputs) > 0 {
			return c.outputs[0].committed, true
		}
	}
	return hardware.Format{}, false
}

// EncoderFormat returns the committed encoder output format
func (h *Hardware) EncoderFormat() (hardware.Format, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoderOut == nil {
		return hardware.Format{}, false
	}
	return h.encoderOut.committed, true
}

// EncoderParam returns a parameter last set on the encoder output
func (h *Hardware) EncoderParam(id hardware.ParamID) (hardware.Parameter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoderOut == nil {
		return nil, false
	}
	p, ok := h.encoderOut.params[id]
	return p, ok
}

// Capturing reports the capture flag of the sensor output feeding the encoder
func (h *Hardware) Capturing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoderOut == nil || h.encoderOut.comp.inputs[0].conn == nil {
		return false
	}
	return h.encoderOut.comp.inputs[0].conn.out.capturing()
}
