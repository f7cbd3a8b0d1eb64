package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pi-capture-pipeline/camera"
	"pi-capture-pipeline/capture"
	"pi-capture-pipeline/config"
	"pi-capture-pipeline/events"
	"pi-capture-pipeline/hardware/sim"
	"pi-capture-pipeline/mjpeg"
	"pi-capture-pipeline/web"
	"pi-capture-pipeline/webrtc"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Pi Capture Pipeline"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	hardware     *sim.Hardware
	camera       *camera.Camera
	mjpegManager *mjpeg.Manager
	webrtcServer *webrtc.Server
	webServer    *web.Server
	emitter      *events.MQTTEmitter

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	var (
		configPath = flag.StringP("config", "c", DefaultConfigPath, "Path to configuration file (TOML or YAML)")
		logLevel   = flag.StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
		version    = flag.BoolP("version", "v", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	logger, level, err := createLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// The flag wins over the file
	if !flag.CommandLine.Changed("log-level") && cfg.Logging.Level != "" {
		level.SetLevel(parseLevel(cfg.Logging.Level))
	}

	if envIP := os.Getenv("PI_IP"); envIP != "" {
		cfg.Server.PIIp = envIP
		logger.Info("PI IP overridden from environment", zap.String("ip", envIP))
	}

	logger.Info("Configuration loaded",
		zap.String("pi_ip", cfg.Server.PIIp),
		zap.Int("web_port", cfg.Server.WebPort),
		zap.Bool("mjpeg_rtp", cfg.MJPEGRTP.Enabled),
		zap.Bool("webrtc", cfg.WebRTC.Enabled),
		zap.Bool("mqtt", cfg.MQTT.Enabled))

	app := NewApplication(cfg, logger)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		app.Stop(context.Background())
		os.Exit(1)
	}

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts all application components
func (a *Application) Start() error {
	a.logger.Info("Starting application components")

	if err := a.initializeCamera(); err != nil {
		return fmt.Errorf("failed to initialize camera: %w", err)
	}

	if err := a.initializeOutputs(); err != nil {
		return fmt.Errorf("failed to initialize outputs: %w", err)
	}

	a.initializeWebServer()

	if err := a.startComponents(); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}

	a.autoStart()

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.PIIp, a.config.Server.WebPort)))

	return nil
}

// initializeCamera builds the hardware backend and the camera on top of it
func (a *Application) initializeCamera() error {
	hw := a.config.Hardware
	if hw.Backend != "sim" {
		return fmt.Errorf("unsupported hardware backend %q", hw.Backend)
	}

	a.hardware = sim.New(sim.Config{
		SensorOutputs: hw.SensorOutputs,
		BufferNum:     hw.BufferNum,
		BufferSize:    hw.BufferSize,
	}, a.logger)

	cam, err := camera.New(a.hardware, a.config, a.logger)
	if err != nil {
		return err
	}
	a.camera = cam

	a.camera.OnStateChange(func(state capture.State) {
		a.logger.Info("Pipeline state changed", zap.Stringer("state", state))
	})

	a.logger.Info("Camera initialized", zap.String("backend", hw.Backend))
	return nil
}

// initializeOutputs creates the RTP, WebRTC and MQTT consumers
func (a *Application) initializeOutputs() error {
	a.mjpegManager = mjpeg.NewManager(a.config, a.camera, a.logger)

	if a.config.WebRTC.Enabled {
		server, err := webrtc.NewServer(a.config, a.camera, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create WebRTC server: %w", err)
		}
		a.webrtcServer = server
		a.camera.OnStateChange(server.BroadcastState)
	}

	if a.config.MQTT.Enabled {
		a.emitter = events.NewMQTTEmitter(a.config.MQTT, a.logger)
		a.camera.OnStateChange(a.emitter.OnStateChange)
	}

	return nil
}

// initializeWebServer creates the main web server
func (a *Application) initializeWebServer() {
	a.webServer = web.NewServer(a.config, a.camera, a.logger)

	a.webServer.AddStatsSource("mjpeg_rtp", func() interface{} { return a.mjpegManager.GetStats() })
	if a.webrtcServer != nil {
		a.webServer.AddStatsSource("webrtc", func() interface{} { return a.webrtcServer.GetStats() })
	}
	if a.emitter != nil {
		a.webServer.AddStatsSource("mqtt", func() interface{} { return a.emitter.Stats() })
	}
}

// startComponents starts all application components
func (a *Application) startComponents() error {
	if err := a.mjpegManager.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start MJPEG RTP output: %w", err)
	}

	if a.webrtcServer != nil {
		if err := a.webrtcServer.Start(); err != nil {
			return fmt.Errorf("failed to start WebRTC server: %w", err)
		}
	}

	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	if a.emitter != nil {
		// The client keeps retrying in the background, so this is not fatal
		if err := a.emitter.Connect(a.ctx); err != nil {
			a.logger.Warn("MQTT broker not reachable yet", zap.Error(err))
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.emitter.Run(a.ctx, a.pipelineStats)
		}()
	}

	return nil
}

// autoStart starts capturing with the configured options
func (a *Application) autoStart() {
	if !a.config.Camera.AutoStart {
		a.logger.Info("Auto start disabled, waiting for /api/camera/start")
		return
	}

	if err := a.camera.Start(a.config.Camera.Options()); err != nil {
		a.logger.Error("Failed to auto start camera", zap.Error(err))
		return
	}
	a.logger.Info("Camera started", zap.Stringer("state", a.camera.State()))
}

// pipelineStats is the payload of the periodic MQTT stats message
func (a *Application) pipelineStats() interface{} {
	stats := map[string]interface{}{
		"camera":    a.camera.Status(),
		"mjpeg_rtp": a.mjpegManager.GetStats(),
	}
	if a.webrtcServer != nil {
		stats["webrtc"] = a.webrtcServer.GetStats()
	}
	return stats
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	a.cancel()

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}

	if a.webrtcServer != nil {
		if err := a.webrtcServer.Stop(); err != nil {
			a.logger.Error("Error stopping WebRTC server", zap.Error(err))
		}
	}

	if a.mjpegManager != nil {
		if err := a.mjpegManager.Stop(); err != nil {
			a.logger.Error("Error stopping MJPEG RTP output", zap.Error(err))
		}
	}

	if a.camera != nil {
		if err := a.camera.Close(); err != nil {
			a.logger.Error("Error closing camera", zap.Error(err))
		}
	}

	if a.emitter != nil {
		a.emitter.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		return ctx.Err()
	}

	if a.hardware != nil {
		if res := a.hardware.Resources(); !res.Zero() {
			a.logger.Warn("Hardware resources still allocated after shutdown", zap.Any("resources", res))
		}
	}

	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// createLogger creates a structured logger writing to stdout and a log file
func createLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	atomicLevel := zap.NewAtomicLevelAt(parseLevel(level))

	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, atomicLevel, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("pi-capture-%s.log", ts))

	// Keep the last 20 log files
	files, _ := filepath.Glob(filepath.Join(logDir, "pi-capture-*.log"))
	if len(files) > 20 {
		sort.Strings(files)
		for _, f := range files[:len(files)-20] {
			_ = os.Remove(f)
		}
	}

	config := zap.Config{
		Level:       atomicLevel,
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	logger, err := config.Build()
	return logger, atomicLevel, err
}
