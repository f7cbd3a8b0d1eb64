package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

var (
	ErrStreamerNotRunning = errors.New("streamer not running")
	ErrFrameChannelFull   = errors.New("frame channel full, dropping frame")
)

// StreamerConfig holds configuration for MJPEG-RTP streamer
type StreamerConfig struct {
	// Network
	DestHost  string
	DestPort  int
	LocalPort int // Optional local port binding
	MTU       int

	// Video
	FPS int

	// RTP
	SSRC uint32

	// Frames queued towards the socket before new ones are dropped
	QueueSize int
}

// Streamer manages MJPEG-RTP streaming over UDP
type Streamer struct {
	config *StreamerConfig
	logger *zap.Logger

	// Network
	conn     *net.UDPConn
	destMu   sync.RWMutex
	destAddr *net.UDPAddr

	// RTP
	packetizer *RTPPacketizer
	tsGen      *TimestampGenerator

	// Frame processing
	frameChan chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// State
	isRunning  atomic.Bool
	frameCount uint64
	dropCount  uint64
	sendErrors uint64
}

// NewStreamer creates a new MJPEG-RTP streamer
func NewStreamer(config *StreamerConfig, logger *zap.Logger) (*Streamer, error) {
	if config.DestPort <= 0 || config.DestPort > 65535 {
		return nil, fmt.Errorf("invalid destination port %d", config.DestPort)
	}

	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}

	if config.FPS <= 0 {
		config.FPS = 30
	}

	if config.QueueSize <= 0 {
		config.QueueSize = 10
	}

	s := &Streamer{
		config:     config,
		logger:     logger,
		packetizer: NewRTPPacketizer(config.SSRC, config.MTU),
		tsGen:      NewTimestampGenerator(config.FPS),
		frameChan:  make(chan []byte, config.QueueSize),
	}

	return s, nil
}

// Start begins the MJPEG-RTP streaming
func (s *Streamer) Start(ctx context.Context) error {
	if s.isRunning.Load() {
		return fmt.Errorf("streamer already running")
	}

	s.logger.Info("Starting MJPEG-RTP streamer",
		zap.String("dest", net.JoinHostPort(s.config.DestHost, fmt.Sprint(s.config.DestPort))),
		zap.Int("mtu", s.config.MTU),
		zap.Int("fps", s.config.FPS))

	// Resolve destination address
	destAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.DestHost, fmt.Sprint(s.config.DestPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}
	s.setDestination(destAddr)

	// Create UDP connection
	var localAddr *net.UDPAddr
	if s.config.LocalPort > 0 {
		localAddr = &net.UDPAddr{Port: s.config.LocalPort}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	s.conn = conn

	// Set socket buffer sizes for high throughput
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	// Start frame sender goroutine
	s.wg.Add(1)
	go s.frameSenderLoop()

	s.logger.Info("MJPEG-RTP streamer started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", destAddr.String()))

	return nil
}

// Stop stops the streamer
func (s *Streamer) Stop() error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.logger.Info("Stopping MJPEG-RTP streamer")

	s.cancel()

	// Wait for sender and monitor to finish
	s.wg.Wait()

	// Close UDP connection
	if s.conn != nil {
		s.conn.Close()
	}

	stats := s.GetStats()
	s.logger.Info("MJPEG-RTP streamer stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Uint64("send_errors", stats.SendErrors),
		zap.String("bytes_sent", humanize.Bytes(stats.BytesSent)))

	return nil
}

// SendFrame queues a JPEG frame for RTP transmission without blocking
func (s *Streamer) SendFrame(jpegData []byte) error {
	if !s.isRunning.Load() {
		return ErrStreamerNotRunning
	}

	select {
	case s.frameChan <- jpegData:
		return nil
	default:
		// Channel full - drop frame to avoid blocking capture
		atomic.AddUint64(&s.dropCount, 1)
		return ErrFrameChannelFull
	}
}

// frameSenderLoop processes frames and sends them via RTP
func (s *Streamer) frameSenderLoop() {
	defer s.wg.Done()

	s.logger.Debug("Frame sender loop started")

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Frame sender loop stopped by context")
			return

		case jpegData := <-s.frameChan:
			if err := s.sendFrameRTP(jpegData); err != nil {
				atomic.AddUint64(&s.sendErrors, 1)
				s.logger.Error("Failed to send RTP frame", zap.Error(err))
				continue
			}

			n := atomic.AddUint64(&s.frameCount, 1)
			if n%100 == 0 {
				stats := s.GetStats()
				s.logger.Debug("Streaming progress",
					zap.Uint64("frames", stats.FramesSent),
					zap.Uint64("dropped", stats.FramesDropped),
					zap.Uint64("errors", stats.SendErrors),
					zap.Uint64("rtp_packets", stats.RTPPacketsSent))
			}
		}
	}
}

// sendFrameRTP packetizes and sends a JPEG frame via RTP
func (s *Streamer) sendFrameRTP(jpegData []byte) error {
	// Wall-clock timestamps keep playback speed right when capture rate varies
	timestamp := s.tsGen.Next()

	packets, err := s.packetizer.PacketizeJPEG(jpegData, timestamp)
	if err != nil {
		return fmt.Errorf("failed to packetize JPEG: %w", err)
	}

	dest := s.destination()
	for i, packet := range packets {
		if _, err := s.conn.WriteToUDP(packet, dest); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}

	return nil
}

// GetStats returns streaming statistics
func (s *Streamer) GetStats() StreamerStats {
	rtpStats := s.packetizer.GetStats()

	return StreamerStats{
		FramesSent:       atomic.LoadUint64(&s.frameCount),
		FramesDropped:    atomic.LoadUint64(&s.dropCount),
		SendErrors:       atomic.LoadUint64(&s.sendErrors),
		RTPPacketsSent:   rtpStats.PacketsSent,
		BytesSent:        rtpStats.BytesSent,
		CurrentSeqNum:    rtpStats.CurrentSeq,
		CurrentTimestamp: rtpStats.CurrentTS,
	}
}

// StreamerStats holds streamer statistics
type StreamerStats struct {
	FramesSent       uint64 `json:"frames_sent"`
	FramesDropped    uint64 `json:"frames_dropped"`
	SendErrors       uint64 `json:"send_errors"`
	RTPPacketsSent   uint64 `json:"rtp_packets_sent"`
	BytesSent        uint64 `json:"bytes_sent"`
	CurrentSeqNum    uint32 `json:"current_seq"`
	CurrentTimestamp uint32 `json:"current_timestamp"`
}

// IsRunning returns whether the streamer is running
func (s *Streamer) IsRunning() bool {
	return s.isRunning.Load()
}

// UpdateDestination updates the destination address dynamically
func (s *Streamer) UpdateDestination(host string, port int) error {
	destAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve new destination: %w", err)
	}

	s.setDestination(destAddr)
	s.logger.Info("Updated destination address",
		zap.String("new_dest", destAddr.String()))

	return nil
}

// GetDestination returns current destination address
func (s *Streamer) GetDestination() string {
	if dest := s.destination(); dest != nil {
		return dest.String()
	}
	return ""
}

func (s *Streamer) destination() *net.UDPAddr {
	s.destMu.RLock()
	defer s.destMu.RUnlock()
	return s.destAddr
}

func (s *Streamer) setDestination(addr *net.UDPAddr) {
	s.destMu.Lock()
	s.destAddr = addr
	s.destMu.Unlock()
}

// MonitorStats starts a goroutine to log statistics periodically
func (s *Streamer) MonitorStats(interval time.Duration) {
	if !s.isRunning.Load() || interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastStats := s.GetStats()
		lastTime := time.Now()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				currentStats := s.GetStats()
				now := time.Now()
				elapsed := now.Sub(lastTime).Seconds()

				frameRate := float64(currentStats.FramesSent-lastStats.FramesSent) / elapsed
				byteRate := float64(currentStats.BytesSent-lastStats.BytesSent) / elapsed

				s.logger.Info("MJPEG-RTP streaming stats",
					zap.Float64("fps", frameRate),
					zap.String("rate", humanize.Bytes(uint64(byteRate))+"/s"),
					zap.Uint64("total_frames", currentStats.FramesSent),
					zap.Uint64("dropped_frames", currentStats.FramesDropped),
					zap.Uint64("errors", currentStats.SendErrors),
					zap.Uint64("rtp_packets", currentStats.RTPPacketsSent))

				lastStats = currentStats
				lastTime = now
			}
		}
	}()
}
