package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pi-capture-pipeline/camera"
)

// FramesChannelLabel is the data channel label browsers open to receive frames
const FramesChannelLabel = "frames"

const (
	defaultChunkSize   = 16 * 1024
	defaultMaxBuffered = 1 << 20
	peerQueueSize      = 2
)

// FrameSource hands out camera frame subscriptions
type FrameSource interface {
	Subscribe(capacity int) <-chan *camera.Frame
	Unsubscribe(ch <-chan *camera.Frame)
}

// frameSink is the part of a data channel used for frame delivery
type frameSink interface {
	BufferedAmount() uint64
	Send(data []byte) error
	SendText(s string) error
}

// FrameHeader announces the binary chunks of one frame
type FrameHeader struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	Size      int    `json:"size"`
	Chunks    int    `json:"chunks"`
	MIME      string `json:"mime"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// PeerOptions tunes frame delivery for one peer
type PeerOptions struct {
	ChunkSize        int
	MaxBufferedBytes int
}

// PeerStats is a snapshot of one peer
type PeerStats struct {
	ID                 string `json:"id"`
	ConnectionState    string `json:"connection_state"`
	ICEConnectionState string `json:"ice_connection_state"`
	Streaming          bool   `json:"streaming"`
	FramesSent         uint64 `json:"frames_sent"`
	FramesSkipped      uint64 `json:"frames_skipped"`
	BytesSent          uint64 `json:"bytes_sent"`
	SendErrors         uint64 `json:"send_errors"`
}

// PeerConnection manages a single WebRTC peer connection
type PeerConnection struct {
	id     string
	pc     *webrtc.PeerConnection
	source FrameSource
	opts   PeerOptions
	logger *zap.Logger

	mu           sync.Mutex
	streaming    bool
	frames       <-chan *camera.Frame
	streamCancel context.CancelFunc
	onClosed     func()

	framesSent    atomic.Uint64
	framesSkipped atomic.Uint64
	bytesSent     atomic.Uint64
	sendErrors    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeerConnection creates a new WebRTC peer connection
func NewPeerConnection(id string, config webrtc.Configuration, source FrameSource, opts PeerOptions, logger *zap.Logger) (*PeerConnection, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = defaultMaxBuffered
	}

	ctx, cancel := context.WithCancel(context.Background())

	peer := &PeerConnection{
		id:     id,
		source: source,
		opts:   opts,
		logger: logger.With(zap.String("peer_id", id)),
		ctx:    ctx,
		cancel: cancel,
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer.pc = pc

	peer.setupEventHandlers()

	peer.logger.Info("Peer connection created",
		zap.Int("chunk_size", opts.ChunkSize),
		zap.Int("max_buffered_bytes", opts.MaxBufferedBytes))
	return peer, nil
}

// setupEventHandlers configures WebRTC event handlers
func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.StopStreaming()
			p.mu.Lock()
			fn := p.onClosed
			p.onClosed = nil
			p.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateDisconnected:
			p.logger.Warn("Peer connection disconnected, waiting for ICE to recover")
		case webrtc.PeerConnectionStateConnected:
			p.logger.Info("Peer connection established")
		}
	})

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != FramesChannelLabel {
			p.logger.Warn("Ignoring data channel", zap.String("label", dc.Label()))
			return
		}

		dc.OnOpen(func() {
			p.logger.Info("Frame channel opened")
			if err := p.startStreaming(dc); err != nil {
				p.logger.Warn("Failed to start streaming", zap.Error(err))
			}
		})
		dc.OnClose(func() {
			p.logger.Info("Frame channel closed")
			p.StopStreaming()
		})
	})
}

// OnClosed registers fn to run once when the connection fails or closes
func (p *PeerConnection) OnClosed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClosed = fn
}

// SetRemoteDescription sets the remote description from the client
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// CreateAnswer creates a WebRTC answer and applies it locally
func (p *PeerConnection) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	p.logger.Debug("WebRTC answer created")
	return &answer, nil
}

// AddICECandidate adds an ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// startStreaming subscribes to the camera and delivers frames to sink
func (p *PeerConnection) startStreaming(sink frameSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streaming {
		return errors.New("already streaming")
	}
	if p.ctx.Err() != nil {
		return errors.New("peer closed")
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.frames = p.source.Subscribe(peerQueueSize)
	p.streamCancel = cancel
	p.streaming = true

	p.wg.Add(1)
	go p.sendLoop(ctx, sink, p.frames)

	p.logger.Info("Frame streaming started")
	return nil
}

func (p *PeerConnection) sendLoop(ctx context.Context, sink frameSink, frames <-chan *camera.Frame) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := p.sendFrame(sink, frame); err != nil {
				p.sendErrors.Add(1)
				p.logger.Debug("Failed to send frame", zap.Uint64("seq", frame.Seq), zap.Error(err))
			}
		}
	}
}

// sendFrame writes the header message then the frame in chunks. A frame is
// skipped whole when the channel already holds more than MaxBufferedBytes.
func (p *PeerConnection) sendFrame(sink frameSink, frame *camera.Frame) error {
	if sink.BufferedAmount() > uint64(p.opts.MaxBufferedBytes) {
		p.framesSkipped.Add(1)
		return nil
	}

	size := len(frame.Data)
	header := FrameHeader{
		Type:      "frame",
		Seq:       frame.Seq,
		Size:      size,
		Chunks:    (size + p.opts.ChunkSize - 1) / p.opts.ChunkSize,
		MIME:      frame.MIMEType(),
		Width:     frame.Width,
		Height:    frame.Height,
		Timestamp: frame.Timestamp.UnixMilli(),
	}
	b, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := sink.SendText(string(b)); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	for off := 0; off < size; off += p.opts.ChunkSize {
		end := off + p.opts.ChunkSize
		if end > size {
			end = size
		}
		if err := sink.Send(frame.Data[off:end]); err != nil {
			return fmt.Errorf("send chunk at %d: %w", off, err)
		}
	}

	p.framesSent.Add(1)
	p.bytesSent.Add(uint64(size))
	return nil
}

// StopStreaming releases the camera subscription
func (p *PeerConnection) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.streaming {
		return
	}

	p.streamCancel()
	p.source.Unsubscribe(p.frames)
	p.frames = nil
	p.streaming = false

	p.logger.Info("Frame streaming stopped",
		zap.Uint64("frames_sent", p.framesSent.Load()),
		zap.Uint64("frames_skipped", p.framesSkipped.Load()))
}

// IsStreaming returns whether this peer is currently streaming
func (p *PeerConnection) IsStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() PeerStats {
	return PeerStats{
		ID:                 p.id,
		ConnectionState:    p.pc.ConnectionState().String(),
		ICEConnectionState: p.pc.ICEConnectionState().String(),
		Streaming:          p.IsStreaming(),
		FramesSent:         p.framesSent.Load(),
		FramesSkipped:      p.framesSkipped.Load(),
		BytesSent:          p.bytesSent.Load(),
		SendErrors:         p.sendErrors.Load(),
	}
}

// Close closes the peer connection and releases resources
func (p *PeerConnection) Close() error {
	p.StopStreaming()
	p.cancel()

	err := p.pc.Close()
	p.wg.Wait()
	if err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}

	p.logger.Info("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}

// IsConnected returns whether the peer is currently connected
func (p *PeerConnection) IsConnected() bool {
	return p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// WaitForConnection waits for the peer connection to be established
func (p *PeerConnection) WaitForConnection(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout")
		case <-ticker.C:
			if p.IsConnected() {
				return nil
			}
		}
	}
}
