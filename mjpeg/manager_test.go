package mjpeg

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pi-capture-pipeline/camera"
	"pi-capture-pipeline/config"
	"pi-capture-pipeline/hardware"
)

// fakeSource hands out a single frame channel
type fakeSource struct {
	mu           sync.Mutex
	ch           chan *camera.Frame
	subscribed   int
	unsubscribed int
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan *camera.Frame, 10)}
}

func (f *fakeSource) Subscribe(capacity int) <-chan *camera.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed++
	return f.ch
}

func (f *fakeSource) Unsubscribe(ch <-chan *camera.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed, f.unsubscribed
}

// TestNewManager tests manager initialization
func TestNewManager(t *testing.T) {
	m := NewManager(createTestConfig(0), newFakeSource(), zaptest.NewLogger(t))

	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if m.config == nil {
		t.Error("Manager config is nil")
	}

	if m.logger == nil {
		t.Error("Manager logger is nil")
	}
}

// TestManagerDisabled tests that a disabled manager does nothing
func TestManagerDisabled(t *testing.T) {
	cfg := createTestConfig(0)
	cfg.MJPEGRTP.Enabled = false
	src := newFakeSource()

	m := NewManager(cfg, src, zaptest.NewLogger(t))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if m.IsRunning() {
		t.Error("Manager should not be running when disabled")
	}

	if sub, _ := src.counts(); sub != 0 {
		t.Errorf("Disabled manager subscribed %d times", sub)
	}

	stats := m.GetStats()
	if stats.Enabled || stats.Running {
		t.Errorf("Stats = %+v, want disabled and not running", stats)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

// TestManagerForwardsFrames tests frames reaching the UDP destination
func TestManagerForwardsFrames(t *testing.T) {
	receiver, port := newReceiver(t)
	src := newFakeSource()

	m := NewManager(createTestConfig(port), src, zaptest.NewLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if !m.IsRunning() {
		t.Fatal("Manager not running after Start")
	}

	if err := m.Start(context.Background()); err == nil {
		t.Error("Expected error on double start")
	}

	src.ch <- &camera.Frame{Seq: 1, Data: []byte("PNG data"), Encoding: hardware.EncodingPNG}
	src.ch <- &camera.Frame{Seq: 2, Data: encodeTestJPEG(t, 64, 48, false), Encoding: hardware.EncodingJPEG}

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2000)
	if _, _, err := receiver.ReadFromUDP(buf); err != nil {
		t.Fatalf("No RTP packet received: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for m.GetStats().Streamer.FramesSent == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stats := m.GetStats()
	if stats.Streamer.FramesSent != 1 {
		t.Errorf("FramesSent = %d, want 1", stats.Streamer.FramesSent)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if stats.Destination == "" {
		t.Error("Destination missing from stats")
	}
}

// TestManagerStopUnsubscribes tests that Stop releases the camera subscription
func TestManagerStopUnsubscribes(t *testing.T) {
	_, port := newReceiver(t)
	src := newFakeSource()

	m := NewManager(createTestConfig(port), src, zaptest.NewLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopStart := time.Now()
	for i := 0; i < 3; i++ {
		if err := m.Stop(); err != nil {
			t.Fatalf("Stop %d failed: %v", i+1, err)
		}
	}
	if d := time.Since(stopStart); d > time.Second {
		t.Errorf("Stop took too long: %v", d)
	}

	sub, unsub := src.counts()
	if sub != 1 || unsub != 1 {
		t.Errorf("subscribe/unsubscribe = %d/%d, want 1/1", sub, unsub)
	}

	if m.IsRunning() {
		t.Error("Manager should not be running after stop")
	}
}

// TestManagerClosedSource tests that the forward loop ends when the camera closes
func TestManagerClosedSource(t *testing.T) {
	_, port := newReceiver(t)
	src := newFakeSource()

	m := NewManager(createTestConfig(port), src, zaptest.NewLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	close(src.ch)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after source closed")
	}
}

// TestManagerConcurrentAccess tests thread safety
func TestManagerConcurrentAccess(t *testing.T) {
	_, port := newReceiver(t)
	m := NewManager(createTestConfig(port), newFakeSource(), zaptest.NewLogger(t))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	const numGoroutines = 10
	done := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = m.GetStats()
				_ = m.IsRunning()
			}
			done <- true
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		<-done
	}
}

// Helper function to create test configuration
func createTestConfig(port int) *config.Config {
	cfg := config.Default()
	cfg.MJPEGRTP.Enabled = true
	cfg.MJPEGRTP.DestHost = "127.0.0.1"
	cfg.MJPEGRTP.DestPort = port
	cfg.MJPEGRTP.StatsInterval = 0
	if port == 0 {
		cfg.MJPEGRTP.DestPort = 5000
	}
	return cfg
}
