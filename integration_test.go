//go:build integration
// +build integration

package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"pi-capture-pipeline/config"
	"pi-capture-pipeline/mjpeg"
)

func newIntegrationConfig(t *testing.T, rtpPort int) *config.Config {
	cfg := config.Default()
	cfg.Camera.Width = 320
	cfg.Camera.Height = 240
	cfg.Camera.FPS = 15
	cfg.Server.WebPort = 0
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.PIIp = "127.0.0.1"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.WebRTC.Port = 0
	cfg.WebRTC.STUNServer = ""
	cfg.MJPEGRTP.Enabled = true
	cfg.MJPEGRTP.DestHost = "127.0.0.1"
	cfg.MJPEGRTP.DestPort = rtpPort
	cfg.MJPEGRTP.StatsInterval = 0
	cfg.MQTT.Enabled = false
	cfg.Timeouts.ShutdownTimeout = 10
	cfg.Timeouts.HTTPShutdownTimeout = 2
	return cfg
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("GET %s returned invalid JSON: %v", url, err)
		}
	}
	return resp.StatusCode
}

func post(t *testing.T, url string) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// TestApplicationLifecycle runs the whole daemon on simulated hardware
func TestApplicationLifecycle(t *testing.T) {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to open RTP receiver: %v", err)
	}
	defer receiver.Close()

	cfg := newIntegrationConfig(t, receiver.LocalAddr().(*net.UDPAddr).Port)
	logger, _ := zap.NewDevelopment()

	app := NewApplication(cfg, logger)
	if err := app.Start(); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}

	base := "http://" + app.webServer.Addr()

	if code := getJSON(t, base+"/health", nil); code != http.StatusOK {
		t.Errorf("Expected health status 200, got %d", code)
	}

	var status struct {
		Camera struct {
			State string `json:"state"`
		} `json:"camera"`
		Services map[string]json.RawMessage `json:"services"`
	}
	getJSON(t, base+"/api/status", &status)
	if status.Camera.State != "active" {
		t.Errorf("Expected active camera after auto start, got %q", status.Camera.State)
	}
	for _, name := range []string{"mjpeg_rtp", "webrtc"} {
		if _, ok := status.Services[name]; !ok {
			t.Errorf("Status is missing service %s", name)
		}
	}

	// Snapshot
	resp, err := http.Get(base + "/snapshot")
	if err != nil {
		t.Fatalf("Snapshot request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected snapshot status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg snapshot, got %s", ct)
	}
	if len(body) < 4 || body[0] != 0xFF || body[1] != 0xD8 {
		t.Error("Snapshot is not a JPEG")
	}

	// RTP output
	receiver.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := receiver.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("No RTP packet received: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Invalid RTP packet: %v", err)
	}
	if pkt.PayloadType != mjpeg.RTPPayloadTypeJPEG {
		t.Errorf("Expected payload type %d, got %d", mjpeg.RTPPayloadTypeJPEG, pkt.PayloadType)
	}

	// Lifecycle through the API
	if code := post(t, base+"/api/camera/pause"); code != http.StatusOK {
		t.Errorf("Expected pause status 200, got %d", code)
	}
	getJSON(t, base+"/api/status", &status)
	if status.Camera.State != "paused" {
		t.Errorf("Expected paused camera, got %q", status.Camera.State)
	}

	if code := post(t, base+"/api/camera/resume"); code != http.StatusOK {
		t.Errorf("Expected resume status 200, got %d", code)
	}
	if code := post(t, base+"/api/camera/stop"); code != http.StatusOK {
		t.Errorf("Expected stop status 200, got %d", code)
	}
	if code := post(t, base+"/api/camera/stop"); code != http.StatusConflict {
		t.Errorf("Expected stop on idle camera to return 409, got %d", code)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Stop(shutdownCtx); err != nil {
		t.Errorf("Error during shutdown: %v", err)
	}

	if res := app.hardware.Resources(); !res.Zero() {
		t.Errorf("Hardware resources leaked: %+v", res)
	}
}

// TestApplicationRejectsUnknownBackend checks that startup fails cleanly
func TestApplicationRejectsUnknownBackend(t *testing.T) {
	cfg := newIntegrationConfig(t, 5000)
	cfg.Hardware.Backend = "mmal"
	logger, _ := zap.NewDevelopment()

	app := NewApplication(cfg, logger)
	if err := app.Start(); err == nil {
		t.Error("Expected start to fail for an unknown backend")
	}

	if err := app.Stop(context.Background()); err != nil {
		t.Errorf("Stop after failed start returned %v", err)
	}
}
