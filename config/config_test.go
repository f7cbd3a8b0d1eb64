package config

import (
	"os"
	"path/filepath"
	"testing"

	"pi-capture-pipeline/capture"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 1280 {
		t.Errorf("Default Camera.Width = %d, want 1280", cfg.Camera.Width)
	}

	if cfg.Camera.Height != 720 {
		t.Errorf("Default Camera.Height = %d, want 720", cfg.Camera.Height)
	}

	if cfg.Camera.FPS != 30 {
		t.Errorf("Default Camera.FPS = %d, want 30", cfg.Camera.FPS)
	}

	if cfg.Camera.Quality != 75 {
		t.Errorf("Default Camera.Quality = %d, want 75", cfg.Camera.Quality)
	}

	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}

	if cfg.Hardware.BufferSize != 81920 {
		t.Errorf("Default Hardware.BufferSize = %d, want 81920", cfg.Hardware.BufferSize)
	}

	if cfg.Server.PIIp == "" {
		t.Error("Server.PIIp should be detected or fall back to localhost")
	}
}

// TestMJPEGRTPConfigDefaults tests MJPEG-RTP default values
func TestMJPEGRTPConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// MJPEG-RTP should be disabled by default
	if cfg.MJPEGRTP.Enabled {
		t.Error("MJPEG-RTP should be disabled by default")
	}

	if cfg.MJPEGRTP.MTU != 1400 {
		t.Errorf("MJPEG-RTP MTU = %d, want 1400", cfg.MJPEGRTP.MTU)
	}

	if cfg.MJPEGRTP.StatsInterval != 10 {
		t.Errorf("MJPEG-RTP StatsInterval = %d, want 10", cfg.MJPEGRTP.StatsInterval)
	}

	if cfg.MJPEGRTP.DestHost != "127.0.0.1" {
		t.Errorf("DestHost = %s, want 127.0.0.1", cfg.MJPEGRTP.DestHost)
	}

	if cfg.MJPEGRTP.SSRC != 0x12345678 {
		t.Errorf("SSRC = %x, want 0x12345678", cfg.MJPEGRTP.SSRC)
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	configContent := `
[camera]
width = 1920
height = 1080
fps = 15
encoding = "PNG"

[server]
web_port = 9090

[mjpeg-rtp]
enabled = true
mtu = 1500
dest_host = "192.168.1.100"
dest_port = 6000
ssrc = 0xAABBCCDD
`
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 1920 {
		t.Errorf("Camera.Width = %d, want 1920", cfg.Camera.Width)
	}

	if cfg.Camera.FPS != 15 {
		t.Errorf("Camera.FPS = %d, want 15", cfg.Camera.FPS)
	}

	if cfg.Camera.Encoding != "PNG" {
		t.Errorf("Camera.Encoding = %q, want PNG", cfg.Camera.Encoding)
	}

	// untouched fields keep their defaults
	if cfg.Camera.Quality != 75 {
		t.Errorf("Camera.Quality = %d, want 75", cfg.Camera.Quality)
	}

	if cfg.Server.WebPort != 9090 {
		t.Errorf("Server.WebPort = %d, want 9090", cfg.Server.WebPort)
	}

	if !cfg.MJPEGRTP.Enabled {
		t.Error("MJPEG-RTP should be enabled")
	}

	if cfg.MJPEGRTP.DestPort != 6000 {
		t.Errorf("DestPort = %d, want 6000", cfg.MJPEGRTP.DestPort)
	}

	if cfg.MJPEGRTP.SSRC != 0xAABBCCDD {
		t.Errorf("SSRC = %x, want 0xAABBCCDD", cfg.MJPEGRTP.SSRC)
	}
}

// TestLoadConfigFromYAML tests loading config from a YAML file
func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
camera:
  width: 640
  height: 480
  auto_start: false
mqtt:
  enabled: true
  broker: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 {
		t.Errorf("Camera = %dx%d, want 640x480", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Camera.AutoStart {
		t.Error("Camera.AutoStart should be false")
	}

	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT = %+v, want enabled with broker tcp://broker:1883", cfg.MQTT)
	}

	if cfg.MQTT.TopicPrefix != "pi-capture" {
		t.Errorf("MQTT.TopicPrefix = %q, want default", cfg.MQTT.TopicPrefix)
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Camera.Width = 640
	cfg.Server.PIIp = "192.168.1.1"
	cfg.MJPEGRTP.Enabled = true
	cfg.MJPEGRTP.DestHost = "192.168.1.100"

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loadedCfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loadedCfg.Camera.Width != cfg.Camera.Width {
		t.Errorf("Saved/loaded Camera.Width mismatch: %d != %d", loadedCfg.Camera.Width, cfg.Camera.Width)
	}

	if loadedCfg.MJPEGRTP.Enabled != cfg.MJPEGRTP.Enabled {
		t.Error("Saved/loaded MJPEG-RTP.Enabled mismatch")
	}

	if loadedCfg.MJPEGRTP.DestHost != cfg.MJPEGRTP.DestHost {
		t.Errorf("Saved/loaded DestHost mismatch: %s != %s", loadedCfg.MJPEGRTP.DestHost, cfg.MJPEGRTP.DestHost)
	}

	if loadedCfg.Server.PIIp != "192.168.1.1" {
		t.Errorf("Saved/loaded PIIp = %s, want 192.168.1.1", loadedCfg.Server.PIIp)
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.toml")
	invalidConfig := `
[camera
width = "not a number"
`
	if err := os.WriteFile(path, []byte(invalidConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid config file")
	}
}

// TestValidate tests rejection of unusable values
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"web port", func(c *Config) { c.Server.WebPort = 0 }},
		{"backend", func(c *Config) { c.Hardware.Backend = "mmal" }},
		{"rtp port", func(c *Config) { c.MJPEGRTP.Enabled = true; c.MJPEGRTP.DestPort = 70000 }},
		{"port collision", func(c *Config) { c.WebRTC.Port = c.Server.WebPort }},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"mqtt qos", func(c *Config) { c.MQTT.QoS = 3 }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	for _, tt := range tests {
		cfg := Default()
		tt.modify(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

// TestCameraOptions tests conversion of the camera section to start options
func TestCameraOptions(t *testing.T) {
	cam := Default().Camera
	cam.Width = 800
	cam.Encoding = "BMP"

	got := cam.Options().Apply(capture.DefaultPipelineConfig())
	if got.Width != 800 {
		t.Errorf("Width = %d, want 800", got.Width)
	}
	if got.Height != 720 {
		t.Errorf("Height = %d, want 720", got.Height)
	}
	if got.Encoding.String() != "BMP " {
		t.Errorf("Encoding = %q, want %q", got.Encoding.String(), "BMP ")
	}
}

// TestBufferConfigDefaults tests buffer configuration defaults
func TestBufferConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Buffers.FrameChannelSize == 0 {
		t.Error("FrameChannelSize is 0")
	}

	if cfg.Timeouts.ShutdownTimeout == 0 {
		t.Error("ShutdownTimeout is 0")
	}

	if cfg.Timeouts.SnapshotTimeout == 0 {
		t.Error("SnapshotTimeout is 0")
	}

	if cfg.Logging.StatsLogInterval == 0 {
		t.Error("StatsLogInterval is 0")
	}

	if cfg.Limits.MaxPayloadSizeMB == 0 {
		t.Error("MaxPayloadSizeMB is 0")
	}
}
