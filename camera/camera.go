// Package camera exposes the capture pipeline to the rest of the daemon:
// lifecycle calls, whole frames instead of encoder chunks, and fan-out to
// any number of frame consumers.
package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"pi-capture-pipeline/capture"
	"pi-capture-pipeline/config"
	"pi-capture-pipeline/hardware"
)

// Camera owns the capture controller and publishes assembled frames
type Camera struct {
	ctrl   *capture.Controller
	flow   *Flow
	config *config.Config
	logger *zap.Logger

	mu        sync.Mutex
	assembler *FrameAssembler
	meta      capture.PipelineConfig
	seq       uint64

	running atomic.Bool
	latest  atomic.Pointer[Frame]
	frames  atomic.Uint64
	chunks  atomic.Uint64

	listenersMu sync.Mutex
	listeners   []func(capture.State)
}

// Status is a snapshot of the camera for status endpoints
type Status struct {
	State         capture.State          `json:"state"`
	Running       bool                   `json:"running"`
	Paused        bool                   `json:"paused"`
	Session       string                 `json:"session,omitempty"`
	Config        capture.PipelineConfig `json:"config"`
	Frames        uint64                 `json:"frames"`
	Chunks        uint64                 `json:"chunks"`
	DroppedFrames uint64                 `json:"dropped_frames"`
	Subscribers   int                    `json:"subscribers"`
	MissedFrames  uint64                 `json:"missed_frames"`
	LastFrameSize string                 `json:"last_frame_size,omitempty"`
	LastFrameAt   *time.Time             `json:"last_frame_at,omitempty"`
	Capture       capture.Stats          `json:"capture"`
}

// New creates a camera on top of hw
func New(hw hardware.Capability, cfg *config.Config, logger *zap.Logger) (*Camera, error) {
	c := &Camera{
		config: cfg,
		logger: logger.With(zap.String("component", "camera")),
	}
	c.flow = NewFlow(c.logger)
	ctrl, err := capture.NewController(hw, c.onChunk, logger)
	if err != nil {
		return nil, err
	}
	c.ctrl = ctrl
	return c, nil
}

// Start starts capturing with the given options
func (c *Camera) Start(opts capture.Options) error {
	c.mu.Lock()
	err := c.ctrl.Start(opts)
	if err == nil {
		maxSize := c.config.Limits.MaxPayloadSizeMB * 1024 * 1024
		c.assembler = NewFrameAssembler(c.ctrl.BufferSize(), maxSize)
		c.meta = c.ctrl.Config()
		c.running.Store(true)
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.notify()
	return nil
}

// Stop stops capturing
func (c *Camera) Stop() error {
	if err := c.ctrl.Stop(); err != nil {
		return err
	}
	c.resetAssembly()
	c.running.Store(false)
	c.notify()
	return nil
}

// Pause withholds frames and stops the sensor. The chunks that would finish
// a frame in progress are withheld too, so its start is dropped.
func (c *Camera) Pause() error {
	err := c.ctrl.Pause()
	if err == nil {
		c.running.Store(false)
	}
	if c.ctrl.State() != capture.Active {
		c.resetAssembly()
	}
	c.notify()
	return err
}

// Resume restarts frame delivery
func (c *Camera) Resume() error {
	if c.ctrl.State() == capture.Paused {
		c.resetAssembly()
	}
	err := c.ctrl.Resume()
	if err == nil {
		c.running.Store(true)
	}
	c.notify()
	return err
}

// SetConfig changes quality or mirror while capturing
func (c *Camera) SetConfig(opts capture.Options) error {
	return c.ctrl.SetConfig(opts)
}

// Running reports whether the camera was started or resumed and has not
// been paused or stopped since.
func (c *Camera) Running() bool { return c.running.Load() }

// IsPaused reports whether frames are currently withheld
func (c *Camera) IsPaused() bool { return c.ctrl.IsPaused() }

// State returns the pipeline state
func (c *Camera) State() capture.State { return c.ctrl.State() }

// Subscribe returns a channel receiving every frame from now on
func (c *Camera) Subscribe(capacity int) <-chan *Frame {
	return c.flow.Subscribe(capacity)
}

// Unsubscribe stops delivery to ch and closes it
func (c *Camera) Unsubscribe(ch <-chan *Frame) {
	c.flow.Unsubscribe(ch)
}

// NextFrame waits for the next complete frame
func (c *Camera) NextFrame(ctx context.Context) (*Frame, error) {
	if c.ctrl.State() == capture.Idle {
		return nil, capture.ErrNotActive
	}
	ch := c.flow.Subscribe(1)
	defer c.flow.Unsubscribe(ch)

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, capture.ErrNotActive
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Latest returns the most recent frame, or nil
func (c *Camera) Latest() *Frame { return c.latest.Load() }

// OnStateChange registers fn to be called after lifecycle operations
func (c *Camera) OnStateChange(fn func(capture.State)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Camera) notify() {
	state := c.ctrl.State()
	c.listenersMu.Lock()
	listeners := append([]func(capture.State){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// Status returns a snapshot for status reporting
func (c *Camera) Status() Status {
	c.mu.Lock()
	var dropped uint64
	if c.assembler != nil {
		dropped = c.assembler.Dropped()
	}
	c.mu.Unlock()

	st := Status{
		State:         c.ctrl.State(),
		Running:       c.running.Load(),
		Paused:        c.ctrl.IsPaused(),
		Session:       c.ctrl.SessionID(),
		Config:        c.ctrl.Config(),
		Frames:        c.frames.Load(),
		Chunks:        c.chunks.Load(),
		DroppedFrames: dropped,
		Subscribers:   c.flow.Subscribers(),
		MissedFrames:  c.flow.Missed(),
		Capture:       c.ctrl.Stats(),
	}
	if f := c.latest.Load(); f != nil {
		st.LastFrameSize = humanize.Bytes(uint64(len(f.Data)))
		ts := f.Timestamp
		st.LastFrameAt = &ts
	}
	return st
}

// Close stops the pipeline if needed and closes every subscriber
func (c *Camera) Close() error {
	if c.ctrl.State() != capture.Idle {
		if err := c.Stop(); err != nil {
			c.logger.Error("Error stopping camera", zap.Error(err))
		}
	}
	c.flow.Close()
	c.logger.Info("Camera closed")
	return nil
}

func (c *Camera) resetAssembly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assembler != nil {
		c.assembler.Reset()
	}
}

// onChunk is the controller consumer; it runs on the delivery goroutine
func (c *Camera) onChunk(chunk []byte) {
	c.chunks.Add(1)

	c.mu.Lock()
	if c.assembler == nil {
		c.mu.Unlock()
		return
	}
	data, ok := c.assembler.Push(chunk)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.seq++
	frame := &Frame{
		Seq:       c.seq,
		Data:      data,
		Timestamp: time.Now(),
		Width:     c.meta.Width,
		Height:    c.meta.Height,
		Encoding:  c.meta.Encoding,
	}
	c.mu.Unlock()

	c.latest.Store(frame)
	c.flow.Write(frame)

	n := c.frames.Add(1)
	if interval := c.config.Logging.FrameLogInterval; interval > 0 && n%uint64(interval) == 0 {
		c.logger.Info("Frames captured",
			zap.Uint64("frames", n),
			zap.String("frame_size", humanize.Bytes(uint64(len(data)))),
			zap.Int("subscribers", c.flow.Subscribers()))
	}
}
