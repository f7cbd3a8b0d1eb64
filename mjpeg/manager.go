// Package mjpeg sends camera frames as RTP/JPEG (RFC 2435) over UDP.
package mjpeg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pi-capture-pipeline/camera"
	"pi-capture-pipeline/config"
	"pi-capture-pipeline/hardware"
)

// FrameSource is the part of the camera the manager consumes
type FrameSource interface {
	Subscribe(capacity int) <-chan *camera.Frame
	Unsubscribe(ch <-chan *camera.Frame)
}

// Manager forwards frames from the camera to an RTP streamer
type Manager struct {
	config *config.Config
	source FrameSource
	logger *zap.Logger

	mu       sync.RWMutex
	streamer *Streamer
	frames   <-chan *camera.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	skipped atomic.Uint64
}

// ManagerStats is reported by the stats endpoint
type ManagerStats struct {
	Enabled     bool          `json:"enabled"`
	Running     bool          `json:"running"`
	Destination string        `json:"destination,omitempty"`
	Skipped     uint64        `json:"skipped_frames"`
	Streamer    StreamerStats `json:"streamer"`
}

// NewManager creates a new MJPEG-RTP manager
func NewManager(cfg *config.Config, source FrameSource, logger *zap.Logger) *Manager {
	return &Manager{
		config: cfg,
		source: source,
		logger: logger.With(zap.String("component", "mjpeg-rtp")),
	}
}

// Start creates the streamer and begins forwarding frames if enabled
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.MJPEGRTP.Enabled {
		m.logger.Info("MJPEG-RTP mode disabled in config")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streamer != nil {
		return fmt.Errorf("MJPEG-RTP manager already started")
	}

	rtpCfg := m.config.MJPEGRTP
	streamer, err := NewStreamer(&StreamerConfig{
		DestHost:  rtpCfg.DestHost,
		DestPort:  rtpCfg.DestPort,
		LocalPort: rtpCfg.LocalPort,
		MTU:       rtpCfg.MTU,
		FPS:       m.config.Camera.FPS,
		SSRC:      rtpCfg.SSRC,
		QueueSize: m.config.Buffers.FrameChannelSize,
	}, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create streamer: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := streamer.Start(m.ctx); err != nil {
		m.cancel()
		return fmt.Errorf("failed to start streamer: %w", err)
	}
	if rtpCfg.StatsInterval > 0 {
		streamer.MonitorStats(time.Duration(rtpCfg.StatsInterval) * time.Second)
	}

	m.streamer = streamer
	m.frames = m.source.Subscribe(m.config.Buffers.FrameChannelSize)

	m.wg.Add(1)
	go m.frameForwardLoop(m.ctx, m.frames, streamer)

	m.logger.Info("MJPEG-RTP manager started",
		zap.String("dest", streamer.GetDestination()))
	return nil
}

// frameForwardLoop forwards frames from the camera to the streamer
func (m *Manager) frameForwardLoop(ctx context.Context, frames <-chan *camera.Frame, streamer *Streamer) {
	defer m.wg.Done()

	m.logger.Debug("Frame forward loop started")

	frameCount := uint64(0)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Frame forward loop stopped by context")
			return

		case frame, ok := <-frames:
			if !ok {
				m.logger.Info("Camera channel closed, stopping forward loop")
				return
			}

			if frame.Encoding != hardware.EncodingJPEG {
				// RTP/JPEG carries JPEG only
				if m.skipped.Add(1) == 1 {
					m.logger.Warn("Skipping non-JPEG frames",
						zap.String("encoding", frame.Encoding.Name()))
				}
				continue
			}

			if err := streamer.SendFrame(frame.Data); err != nil {
				// Don't log every dropped frame to avoid spam
				if frameCount%30 == 0 {
					m.logger.Debug("Frame send error", zap.Error(err))
				}
			}
			frameCount++
		}
	}
}

// Stop stops forwarding and closes the streamer
func (m *Manager) Stop() error {
	m.mu.Lock()
	streamer, frames, cancel := m.streamer, m.frames, m.cancel
	m.streamer, m.frames, m.cancel = nil, nil, nil
	m.mu.Unlock()

	if streamer == nil {
		return nil
	}

	m.logger.Info("Stopping MJPEG-RTP manager")
	cancel()
	m.wg.Wait()
	m.source.Unsubscribe(frames)

	if err := streamer.Stop(); err != nil {
		m.logger.Error("Error stopping streamer", zap.Error(err))
		return err
	}

	m.logger.Info("MJPEG-RTP manager stopped")
	return nil
}

// IsRunning returns whether the manager is running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamer != nil && m.streamer.IsRunning()
}

// GetStats returns manager and streamer statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		Enabled: m.config.MJPEGRTP.Enabled,
		Skipped: m.skipped.Load(),
	}
	if m.streamer != nil {
		stats.Running = m.streamer.IsRunning()
		stats.Destination = m.streamer.GetDestination()
		stats.Streamer = m.streamer.GetStats()
	}
	return stats
}
