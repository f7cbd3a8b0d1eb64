// Package capture drives the sensor -> encoder pipeline and hands encoded
// payloads to a consumer on a goroutine of its own.
package capture

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pi-capture-pipeline/hardware"
)

// Consumer receives each completed payload in arrival order. It runs on the
// controller's delivery goroutine, owns the slice it is given and may call
// back into the Controller.
type Consumer func(payload []byte)

// Stats counts buffer traffic through the controller
type Stats struct {
	Starts     uint64 `json:"starts"`
	Received   uint64 `json:"received"`
	Delivered  uint64 `json:"delivered"`
	Suppressed uint64 `json:"suppressed"`
	Recycled   uint64 `json:"recycled"`
	Released   uint64 `json:"released"`
	Drains     uint64 `json:"drains"`
	Bytes      uint64 `json:"bytes"`
	Pending    int    `json:"pending"`
}

// Controller owns one capture pipeline and its lifecycle
type Controller struct {
	hw       hardware.Capability
	consumer Consumer
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	cfg     PipelineConfig
	session string
	log     *zap.Logger

	sensor         hardware.Component
	sensorOut      hardware.Port
	sensorEnabled  bool
	encoder        hardware.Component
	encoderOut     hardware.Port
	encoderEnabled bool
	outputEnabled  bool
	pool           hardware.Pool
	conn           hardware.Connection

	queue *bufferQueue
	wake  *wakeup

	received atomic.Uint64
	stats    Stats
}

// NewController creates a controller that delivers payloads to consumer
func NewController(hw hardware.Capability, consumer Consumer, logger *zap.Logger) (*Controller, error) {
	if consumer == nil {
		return nil, ErrConsumerRequired
	}
	if hw == nil {
		return nil, errors.New("hardware capability is required")
	}
	logger = logger.With(zap.String("component", "capture"))
	return &Controller{
		hw:       hw,
		consumer: consumer,
		logger:   logger,
		log:      logger,
		cfg:      DefaultPipelineConfig(),
	}, nil
}

// Start builds and starts the pipeline. Fields of opts that are missing or
// malformed take their default values. On failure everything created so far
// is torn down and the controller stays Idle.
func (c *Controller) Start(opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return opError("start", ErrAlreadyActive)
	}

	cfg := opts.Apply(DefaultPipelineConfig())
	session := uuid.NewString()
	c.log = c.logger.With(zap.String("session", session))
	c.queue = &bufferQueue{}
	c.wake = newWakeup()

	if ignored := opts.Ignored(); len(ignored) > 0 {
		c.log.Debug("Ignoring invalid start options", zap.Strings("options", ignored))
	}

	if err := c.build(cfg); err != nil {
		c.log.Error("Failed to start capture pipeline", zap.Error(err))
		c.teardown()
		return err
	}

	c.cfg = cfg
	c.session = session
	c.state = Active
	c.stats.Starts++
	go c.deliveryLoop(c.queue, c.wake)

	c.log.Info("Capture pipeline started",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("fps", cfg.FPS),
		zap.String("encoding", cfg.Encoding.String()),
		zap.Int("quality", cfg.Quality),
		zap.Int("buffers", c.pool.Len()),
		zap.String("buffer_size", humanize.Bytes(uint64(c.encoderOut.BufferSize()))))
	return nil
}

// build runs the start sequence, recording each handle as it is created so
// teardown can release exactly what exists. Caller holds c.mu.
func (c *Controller) build(cfg PipelineConfig) error {
	const op = "start"

	sensor, err := c.hw.CreateComponent(hardware.KindSensor)
	if err != nil {
		return stepError(op, StepCreateSensor, err)
	}
	c.sensor = sensor

	outputs := sensor.Outputs()
	if len(outputs) == 0 {
		return stepError(op, StepSensorOutputLookup, ErrNoOutputPorts)
	}
	c.sensorOut = outputs[0]

	if err := sensor.Control().Enable(c.onControl); err != nil {
		return stepError(op, StepEnableControl, err)
	}

	camCfg := hardware.CameraConfig{
		MaxStillsWidth:        cfg.Width,
		MaxStillsHeight:       cfg.Height,
		MaxPreviewVideoWidth:  cfg.Width,
		MaxPreviewVideoHeight: cfg.Height,
		NumPreviewVideoFrames: 1,
		UseSTCTimestamp:       hardware.TimestampResetSTC,
	}
	if err := sensor.Control().SetParameter(camCfg); err != nil {
		return stepError(op, StepCameraConfig, err)
	}

	f := c.sensorOut.Format()
	f.Width = cfg.AlignedWidth()
	f.Height = cfg.AlignedHeight()
	f.Crop = cfg.Crop()
	f.FrameRate = hardware.Rational{Num: cfg.FPS, Den: 1}
	if err := c.sensorOut.CommitFormat(); err != nil {
		return stepError(op, StepSensorFormat, err)
	}

	if err := sensor.Enable(); err != nil {
		return stepError(op, StepEnableSensor, err)
	}
	c.sensorEnabled = true

	encoder, err := c.hw.CreateComponent(hardware.KindImageEncoder)
	if err != nil {
		return stepError(op, StepCreateEncoder, err)
	}
	c.encoder = encoder
	if len(encoder.Inputs()) == 0 || len(encoder.Outputs()) == 0 {
		return stepError(op, StepCreateEncoder, hardware.ENOSYS)
	}
	in, out := encoder.Inputs()[0], encoder.Outputs()[0]
	c.encoderOut = out

	out.Format().CopyFrom(in.Format())
	out.Format().Encoding = cfg.Encoding
	out.SetBufferSize(out.BufferSizeRecommended())
	out.SetBufferNum(out.BufferNumRecommended())
	if err := out.CommitFormat(); err != nil {
		return stepError(op, StepEncoderFormat, err)
	}

	if err := out.SetParameter(hardware.Uint32Param{ID: hardware.ParamJPEGQFactor, Value: uint32(cfg.Quality)}); err != nil {
		return valueError(op, StepQuality, cfg.Quality, err)
	}
	if err := out.SetParameter(hardware.Uint32Param{ID: hardware.ParamJPEGRestartInterval, Value: 0}); err != nil {
		return valueError(op, StepRestartInterval, 0, err)
	}

	if err := encoder.Enable(); err != nil {
		return stepError(op, StepEnableEncoder, err)
	}
	c.encoderEnabled = true

	pool, err := c.hw.CreatePool(out, out.BufferNum(), out.BufferSize())
	if err != nil {
		return stepError(op, StepCreatePool, err)
	}
	c.pool = pool

	conn, err := c.hw.CreateConnection(c.sensorOut, in, hardware.ConnectionTunnelling|hardware.ConnectionAllocationOnInput)
	if err != nil {
		return stepError(op, StepCreateConnection, err)
	}
	c.conn = conn
	if err := conn.Enable(); err != nil {
		return stepError(op, StepEnableConnection, err)
	}

	q, w := c.queue, c.wake
	onOutput := func(_ hardware.Port, b *hardware.Buffer) {
		c.received.Add(1)
		q.push(b)
		w.signal()
	}
	if err := out.Enable(onOutput); err != nil {
		return stepError(op, StepEnableOutput, err)
	}
	c.outputEnabled = true

	for i, n := 0, pool.Len(); i < n; i++ {
		b, ok := pool.Get()
		if !ok {
			return stepError(op, StepSeedBuffers, ErrPoolExhausted)
		}
		if err := out.SendBuffer(b); err != nil {
			b.Release()
			return stepError(op, StepSeedBuffers, err)
		}
	}
	return nil
}

func (c *Controller) onControl(_ hardware.Port, b *hardware.Buffer) {
	c.logger.Debug("Camera control event", zap.Uint32("flags", uint32(b.Flags)))
	b.Release()
}

// IsPaused reports whether payloads are currently withheld from the
// consumer. It is true whenever the pipeline is not Active, Idle included.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Active
}

// SetConfig applies quality and mirror changes to the running encoder.
// Numeric values go to the hardware unchecked and a rejection comes back as
// an *Error carrying the value. Other fields are ignored.
func (c *Controller) SetConfig(opts Options) error {
	const op = "set config"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return opError(op, ErrNotActive)
	}

	if q, ok := opts.Int(OptQuality); ok {
		if err := c.encoderOut.SetParameter(hardware.Uint32Param{ID: hardware.ParamJPEGQFactor, Value: uint32(q)}); err != nil {
			return valueError(op, StepQuality, q, err)
		}
		c.cfg.Quality = q
		c.log.Info("Encoder quality changed", zap.Int("quality", q))
	}
	if m, ok := opts.Mirror(); ok {
		if err := c.encoderOut.SetParameter(hardware.Uint32Param{ID: hardware.ParamMirror, Value: uint32(m)}); err != nil {
			return valueError(op, StepSetMirror, m, err)
		}
		c.cfg.Mirror = m
		c.log.Info("Encoder mirror changed", zap.Int("mirror", m))
	}
	return nil
}

// Pause stops the sensor capturing. Buffers already in flight are drained
// and recycled but not delivered.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return opError("pause", ErrNotActive)
	}
	c.state = Paused
	if err := c.sensorOut.SetParameter(hardware.BoolParam{ID: hardware.ParamCapture, Value: false}); err != nil {
		return valueError("pause", StepDisableCapture, 0, err)
	}
	c.log.Info("Capture paused")
	return nil
}

// Resume restarts delivery and capture
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return opError("resume", ErrNotActive)
	}
	c.state = Active
	if err := c.sensorOut.SetParameter(hardware.BoolParam{ID: hardware.ParamCapture, Value: true}); err != nil {
		return valueError("resume", StepEnableCapture, 1, err)
	}
	c.log.Info("Capture resumed")
	return nil
}

// Stop tears the pipeline down. Teardown is best effort: hardware failures
// are logged and Stop still returns the controller to Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return opError("stop", ErrNotActive)
	}
	c.state = Paused
	c.teardown()
	c.state = Idle

	c.log.Info("Capture pipeline stopped",
		zap.Uint64("received", c.received.Load()),
		zap.Uint64("delivered", c.stats.Delivered),
		zap.Uint64("suppressed", c.stats.Suppressed),
		zap.String("bytes", humanize.Bytes(c.stats.Bytes)))
	return nil
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the configuration of the current or last run
func (c *Controller) Config() PipelineConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SessionID identifies the current run in logs; empty before the first Start
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// BufferSize is the encoder output buffer size while running, else 0
func (c *Controller) BufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || c.encoderOut == nil {
		return 0
	}
	return c.encoderOut.BufferSize()
}

// Stats returns a snapshot of the counters
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Received = c.received.Load()
	if c.queue != nil {
		s.Pending = c.queue.len()
	}
	return s
}
