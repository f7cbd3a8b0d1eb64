package webrtc

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pi-capture-pipeline/camera"
	"pi-capture-pipeline/hardware"
)

// fakeSource hands out one frame channel and counts subscriptions
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

// fakeSink records what a data channel would have carried
type fakeSink struct {
	mu       sync.Mutex
	buffered uint64
	texts    []string
	chunks   [][]byte
	sendErr  error
}

func (s *fakeSink) BufferedAmount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *fakeSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.chunks = append(s.chunks, append([]byte(nil), data...))
	return nil
}

func (s *fakeSink) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) headers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func newTestPeer(t *testing.T, source FrameSource, opts PeerOptions) *PeerConnection {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	peer, err := NewPeerConnection("test-peer", webrtc.Configuration{}, source, opts, logger)
	if err != nil {
		t.Fatalf("Failed to create peer connection: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return peer
}

func testFrame(seq uint64, size int) *camera.Frame {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return &camera.Frame{
		Seq:       seq,
		Data:      data,
		Timestamp: time.UnixMilli(1700000000123),
		Width:     640,
		Height:    480,
		Encoding:  hardware.EncodingJPEG,
	}
}

func TestNewPeerConnection(t *testing.T) {
	tests := []struct {
		name         string
		opts         PeerOptions
		wantChunk    int
		wantBuffered int
	}{
		{
			name:         "defaults",
			opts:         PeerOptions{},
			wantChunk:    defaultChunkSize,
			wantBuffered: defaultMaxBuffered,
		},
		{
			name:         "custom",
			opts:         PeerOptions{ChunkSize: 1024, MaxBufferedBytes: 4096},
			wantChunk:    1024,
			wantBuffered: 4096,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := newTestPeer(t, newFakeSource(), tt.opts)

			if peer.GetID() != "test-peer" {
				t.Errorf("Expected ID test-peer, got %s", peer.GetID())
			}
			if peer.opts.ChunkSize != tt.wantChunk {
				t.Errorf("Expected chunk size %d, got %d", tt.wantChunk, peer.opts.ChunkSize)
			}
			if peer.opts.MaxBufferedBytes != tt.wantBuffered {
				t.Errorf("Expected max buffered %d, got %d", tt.wantBuffered, peer.opts.MaxBufferedBytes)
			}
			if peer.IsStreaming() {
				t.Error("New peer should not be streaming")
			}
		})
	}
}

func TestSendFrameChunks(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{ChunkSize: 16384})
	sink := &fakeSink{}
	frame := testFrame(7, 40000)

	if err := peer.sendFrame(sink, frame); err != nil {
		t.Fatalf("sendFrame failed: %v", err)
	}

	if len(sink.texts) != 1 {
		t.Fatalf("Expected 1 header message, got %d", len(sink.texts))
	}

	var header FrameHeader
	if err := json.Unmarshal([]byte(sink.texts[0]), &header); err != nil {
		t.Fatalf("Header is not JSON: %v", err)
	}

	want := FrameHeader{
		Type:      "frame",
		Seq:       7,
		Size:      40000,
		Chunks:    3,
		MIME:      "image/jpeg",
		Width:     640,
		Height:    480,
		Timestamp: 1700000000123,
	}
	if header != want {
		t.Errorf("Header = %+v, want %+v", header, want)
	}

	wantSizes := []int{16384, 16384, 7232}
	if len(sink.chunks) != len(wantSizes) {
		t.Fatalf("Expected %d chunks, got %d", len(wantSizes), len(sink.chunks))
	}

	var joined []byte
	for i, chunk := range sink.chunks {
		if len(chunk) != wantSizes[i] {
			t.Errorf("Chunk %d size = %d, want %d", i, len(chunk), wantSizes[i])
		}
		joined = append(joined, chunk...)
	}
	if string(joined) != string(frame.Data) {
		t.Error("Reassembled chunks differ from frame data")
	}

	stats := peer.GetStats()
	if stats.FramesSent != 1 || stats.BytesSent != 40000 {
		t.Errorf("Stats = %+v, want 1 frame and 40000 bytes", stats)
	}
}

func TestSendFrameExactChunkMultiple(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{ChunkSize: 100})
	sink := &fakeSink{}

	if err := peer.sendFrame(sink, testFrame(1, 300)); err != nil {
		t.Fatalf("sendFrame failed: %v", err)
	}

	if len(sink.chunks) != 3 {
		t.Errorf("Expected 3 chunks, got %d", len(sink.chunks))
	}
	if !strings.Contains(sink.texts[0], `"chunks":3`) {
		t.Errorf("Header does not announce 3 chunks: %s", sink.texts[0])
	}
}

func TestSendFrameSkipsWhenBuffered(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{ChunkSize: 1024, MaxBufferedBytes: 4096})
	sink := &fakeSink{buffered: 4097}

	if err := peer.sendFrame(sink, testFrame(1, 2000)); err != nil {
		t.Fatalf("sendFrame failed: %v", err)
	}

	if len(sink.texts) != 0 || len(sink.chunks) != 0 {
		t.Errorf("Skipped frame wrote %d headers and %d chunks", len(sink.texts), len(sink.chunks))
	}

	// At the threshold the frame still goes out
	sink.buffered = 4096
	if err := peer.sendFrame(sink, testFrame(2, 2000)); err != nil {
		t.Fatalf("sendFrame failed: %v", err)
	}

	stats := peer.GetStats()
	if stats.FramesSkipped != 1 {
		t.Errorf("Expected 1 skipped frame, got %d", stats.FramesSkipped)
	}
	if stats.FramesSent != 1 {
		t.Errorf("Expected 1 sent frame, got %d", stats.FramesSent)
	}
}

func TestSendFrameError(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{ChunkSize: 1024})
	boom := errors.New("channel closed")
	sink := &fakeSink{sendErr: boom}

	err := peer.sendFrame(sink, testFrame(1, 2000))
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped send error, got %v", err)
	}

	if stats := peer.GetStats(); stats.FramesSent != 0 {
		t.Errorf("Failed frame counted as sent: %+v", stats)
	}
}

func TestPeerConnectionStreaming(t *testing.T) {
	source := newFakeSource()
	peer := newTestPeer(t, source, PeerOptions{ChunkSize: 512})
	sink := &fakeSink{}

	if err := peer.startStreaming(sink); err != nil {
		t.Fatalf("Failed to start streaming: %v", err)
	}

	if !peer.IsStreaming() {
		t.Error("Expected peer to be streaming")
	}

	if err := peer.startStreaming(sink); err == nil {
		t.Error("Expected error when starting streaming twice")
	}

	source.ch <- testFrame(1, 1000)
	source.ch <- testFrame(2, 1000)

	deadline := time.Now().Add(2 * time.Second)
	for sink.headers() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.headers(); got != 2 {
		t.Errorf("Expected 2 frame headers, got %d", got)
	}

	peer.StopStreaming()
	peer.StopStreaming()

	if peer.IsStreaming() {
		t.Error("Expected peer to stop streaming")
	}

	sub, unsub := source.counts()
	if sub != 1 || unsub != 1 {
		t.Errorf("subscribe/unsubscribe = %d/%d, want 1/1", sub, unsub)
	}
}

func TestPeerConnectionClose(t *testing.T) {
	source := newFakeSource()
	peer := newTestPeer(t, source, PeerOptions{})

	if err := peer.startStreaming(&fakeSink{}); err != nil {
		t.Fatalf("Failed to start streaming: %v", err)
	}

	if err := peer.Close(); err != nil {
		t.Errorf("Failed to close peer connection: %v", err)
	}

	if peer.IsStreaming() {
		t.Error("Expected streaming to stop after close")
	}

	if err := peer.startStreaming(&fakeSink{}); err == nil {
		t.Error("Expected error when streaming on a closed peer")
	}

	if _, unsub := source.counts(); unsub != 1 {
		t.Errorf("Expected 1 unsubscribe, got %d", unsub)
	}
}

func TestPeerConnectionStates(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{})

	if peer.IsConnected() {
		t.Error("Expected peer to not be connected initially")
	}

	stats := peer.GetStats()
	if stats.ID != "test-peer" {
		t.Errorf("Expected id test-peer, got %s", stats.ID)
	}
	if stats.ConnectionState != webrtc.PeerConnectionStateNew.String() {
		t.Errorf("Expected connection state new, got %s", stats.ConnectionState)
	}
}

func TestWaitForConnection(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{})

	start := time.Now()
	err := peer.WaitForConnection(200 * time.Millisecond)
	duration := time.Since(start)

	if err == nil {
		t.Error("Expected timeout error")
	}

	if duration < 150*time.Millisecond || duration > time.Second {
		t.Errorf("Expected timeout around 200ms, got %v", duration)
	}
}

func TestPeerAnswersDataChannelOffer(t *testing.T) {
	peer := newTestPeer(t, newFakeSource(), PeerOptions{})

	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create offerer: %v", err)
	}
	defer offerer.Close()

	if _, err := offerer.CreateDataChannel(FramesChannelLabel, nil); err != nil {
		t.Fatalf("Failed to create data channel: %v", err)
	}

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set local description: %v", err)
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}

	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("Expected answer type, got %s", answer.Type)
	}
	if !strings.Contains(answer.SDP, "webrtc-datachannel") {
		t.Error("Answer does not accept the data channel")
	}

	if err := offerer.SetRemoteDescription(*answer); err != nil {
		t.Errorf("Offerer rejected answer: %v", err)
	}
}

// TestPeerDeliversFramesOverDataChannel connects two in-process peers
func TestPeerDeliversFramesOverDataChannel(t *testing.T) {
	source := newFakeSource()
	peer := newTestPeer(t, source, PeerOptions{ChunkSize: 1000})

	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create browser peer: %v", err)
	}
	defer browser.Close()

	dc, err := browser.CreateDataChannel(FramesChannelLabel, nil)
	if err != nil {
		t.Fatalf("Failed to create data channel: %v", err)
	}

	type message struct {
		text bool
		data []byte
	}
	messages := make(chan message, 16)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		messages <- message{text: msg.IsString, data: msg.Data}
	})

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set local description: %v", err)
	}
	<-gathered

	if err := peer.SetRemoteDescription(*browser.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}
	answerGathered := webrtc.GatheringCompletePromise(peer.pc)
	if _, err := peer.CreateAnswer(); err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	<-answerGathered

	if err := browser.SetRemoteDescription(*peer.pc.LocalDescription()); err != nil {
		t.Fatalf("Browser rejected answer: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for !peer.IsStreaming() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !peer.IsStreaming() {
		t.Skip("Peers did not connect; no usable ICE candidates on this host")
	}

	source.ch <- testFrame(42, 2500)

	var header FrameHeader
	var received []byte
	timeout := time.After(5 * time.Second)
	for len(received) < 2500 {
		select {
		case msg := <-messages:
			if msg.text {
				if err := json.Unmarshal(msg.data, &header); err != nil {
					t.Fatalf("Header is not JSON: %v", err)
				}
				continue
			}
			received = append(received, msg.data...)
		case <-timeout:
			t.Fatalf("Timed out with %d of 2500 bytes", len(received))
		}
	}

	if header.Seq != 42 || header.Chunks != 3 {
		t.Errorf("Header = %+v, want seq 42 in 3 chunks", header)
	}
	if string(received) != string(testFrame(42, 2500).Data) {
		t.Error("Received frame differs from sent frame")
	}
}
