package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pi-capture-pipeline/capture"
)

// Config represents the application configuration
type Config struct {
	Camera   CameraConfig   `toml:"camera" yaml:"camera" json:"camera"`
	Hardware HardwareConfig `toml:"hardware" yaml:"hardware" json:"hardware"`
	Server   ServerConfig   `toml:"server" yaml:"server" json:"server"`
	MJPEGRTP MJPEGRTPConfig `toml:"mjpeg-rtp" yaml:"mjpeg-rtp" json:"mjpeg_rtp"`
	WebRTC   WebRTCConfig   `toml:"webrtc" yaml:"webrtc" json:"webrtc"`
	MQTT     MQTTConfig     `toml:"mqtt" yaml:"mqtt" json:"mqtt"`
	Buffers  BufferConfig   `toml:"buffers" yaml:"buffers" json:"buffers"`
	Timeouts TimeoutConfig  `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging" json:"logging"`
	Limits   LimitConfig    `toml:"limits" yaml:"limits" json:"limits"`
}

// CameraConfig holds the capture pipeline settings used at startup
type CameraConfig struct {
	AutoStart bool   `toml:"auto_start" yaml:"auto_start" json:"auto_start"`
	Width     int    `toml:"width" yaml:"width" json:"width"`
	Height    int    `toml:"height" yaml:"height" json:"height"`
	FPS       int    `toml:"fps" yaml:"fps" json:"fps"`
	Encoding  string `toml:"encoding" yaml:"encoding" json:"encoding"`
	Quality   int    `toml:"quality" yaml:"quality" json:"quality"`
	Rotation  int    `toml:"rotation" yaml:"rotation" json:"rotation"`
	Mirror    int    `toml:"mirror" yaml:"mirror" json:"mirror"`
}

// Options converts the camera section into start options
func (c CameraConfig) Options() capture.Options {
	return capture.Options{
		capture.OptWidth:    c.Width,
		capture.OptHeight:   c.Height,
		capture.OptFPS:      c.FPS,
		capture.OptEncoding: c.Encoding,
		capture.OptQuality:  c.Quality,
		capture.OptRotation: c.Rotation,
		capture.OptMirror:   c.Mirror,
	}
}

// HardwareConfig selects and tunes the capability backend
type HardwareConfig struct {
	Backend       string `toml:"backend" yaml:"backend" json:"backend"`
	SensorOutputs int    `toml:"sensor_outputs" yaml:"sensor_outputs" json:"sensor_outputs"`
	BufferNum     int    `toml:"buffer_num" yaml:"buffer_num" json:"buffer_num"`
	BufferSize    int    `toml:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort        int      `toml:"web_port" yaml:"web_port" json:"web_port"`
	BindIP         string   `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	PIIp           string   `toml:"pi_ip" yaml:"pi_ip" json:"pi_ip"` // Auto-detected if empty
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// MJPEGRTPConfig holds RTP/JPEG output settings
type MJPEGRTPConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	DestHost      string `toml:"dest_host" yaml:"dest_host" json:"dest_host"`
	DestPort      int    `toml:"dest_port" yaml:"dest_port" json:"dest_port"`
	LocalPort     int    `toml:"local_port" yaml:"local_port" json:"local_port"`
	MTU           int    `toml:"mtu" yaml:"mtu" json:"mtu"`
	SSRC          uint32 `toml:"ssrc" yaml:"ssrc" json:"ssrc"`
	StatsInterval int    `toml:"stats_interval_seconds" yaml:"stats_interval_seconds" json:"stats_interval_seconds"`
}

// WebRTCConfig holds WebRTC-specific settings
type WebRTCConfig struct {
	Enabled          bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Port             int    `toml:"port" yaml:"port" json:"port"`
	STUNServer       string `toml:"stun_server" yaml:"stun_server" json:"stun_server"`
	MaxClients       int    `toml:"max_clients" yaml:"max_clients" json:"max_clients"`
	ChunkSize        int    `toml:"chunk_size" yaml:"chunk_size" json:"chunk_size"`
	MaxBufferedBytes int    `toml:"max_buffered_bytes" yaml:"max_buffered_bytes" json:"max_buffered_bytes"`
}

// MQTTConfig holds status emitter settings
type MQTTConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Broker        string `toml:"broker" yaml:"broker" json:"broker"`
	ClientID      string `toml:"client_id" yaml:"client_id" json:"client_id"`
	TopicPrefix   string `toml:"topic_prefix" yaml:"topic_prefix" json:"topic_prefix"`
	QoS           int    `toml:"qos" yaml:"qos" json:"qos"`
	StatsInterval int    `toml:"stats_interval_seconds" yaml:"stats_interval_seconds" json:"stats_interval_seconds"`
}

// BufferConfig holds buffer size settings for channels
type BufferConfig struct {
	FrameChannelSize  int `toml:"frame_channel_size" yaml:"frame_channel_size" json:"frame_channel_size"`
	SignalChannelSize int `toml:"signal_channel_size" yaml:"signal_channel_size" json:"signal_channel_size"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	SnapshotTimeout     int `toml:"snapshot_timeout_ms" yaml:"snapshot_timeout_ms" json:"snapshot_timeout_ms"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" yaml:"level" json:"level"`
	FrameLogInterval int    `toml:"frame_log_interval" yaml:"frame_log_interval" json:"frame_log_interval"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" yaml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxPayloadSizeMB int `toml:"max_payload_size_mb" yaml:"max_payload_size_mb" json:"max_payload_size_mb"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			AutoStart: true,
			Width:     1280,
			Height:    720,
			FPS:       30,
			Encoding:  "JPEG",
			Quality:   75,
		},
		Hardware: HardwareConfig{
			Backend:       "sim",
			SensorOutputs: 3,
			BufferNum:     3,
			BufferSize:    81920,
		},
		Server: ServerConfig{
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		MJPEGRTP: MJPEGRTPConfig{
			DestHost:      "127.0.0.1",
			DestPort:      5000,
			MTU:           1400,
			SSRC:          0x12345678,
			StatsInterval: 10,
		},
		WebRTC: WebRTCConfig{
			Enabled:          true,
			Port:             5557,
			STUNServer:       "stun:stun.l.google.com:19302",
			MaxClients:       4,
			ChunkSize:        16384,
			MaxBufferedBytes: 1 << 20,
		},
		MQTT: MQTTConfig{
			Broker:        "tcp://localhost:1883",
			ClientID:      "pi-capture",
			TopicPrefix:   "pi-capture",
			QoS:           1,
			StatsInterval: 30,
		},
		Buffers: BufferConfig{
			FrameChannelSize:  30,
			SignalChannelSize: 1,
		},
		Timeouts: TimeoutConfig{
			SnapshotTimeout:     3000,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			FrameLogInterval: 300,
			StatsLogInterval: 60,
		},
		Limits: LimitConfig{
			MaxPayloadSizeMB: 2,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file. A missing file
// yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, err
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Auto-detect PI IP if not set
	if config.Server.PIIp == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.PIIp = ip
			logger.Info("Auto-detected PI IP", zap.String("ip", ip))
		} else {
			config.Server.PIIp = "localhost"
			logger.Warn("Could not detect PI IP, using localhost")
		}
	}

	return config, nil
}

func decodeFile(path string, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	return nil
}

// Validate checks values the daemon cannot run with
func (c *Config) Validate() error {
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		return fmt.Errorf("invalid web port %d", c.Server.WebPort)
	}
	if c.Hardware.Backend != "sim" {
		return fmt.Errorf("unsupported hardware backend %q", c.Hardware.Backend)
	}
	if c.MJPEGRTP.Enabled && (c.MJPEGRTP.DestPort <= 0 || c.MJPEGRTP.DestPort > 65535) {
		return fmt.Errorf("invalid mjpeg-rtp dest port %d", c.MJPEGRTP.DestPort)
	}
	if c.WebRTC.Enabled && c.WebRTC.Port == c.Server.WebPort {
		return fmt.Errorf("webrtc port %d collides with web port", c.WebRTC.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled without a broker")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	}
	return nil
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
