// Package web serves the HTTP control API and the snapshot, MJPEG and
// WebSocket viewing endpoints.
package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pi-capture-pipeline/config"
)

// Server represents the main web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	// Handlers
	handlers *Handlers
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, cam Camera, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "web"))
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, cam, logger),
	}
}

// AddStatsSource adds a named section to the status and stats endpoints
func (s *Server) AddStatsSource(name string, fn StatsFunc) {
	s.handlers.AddStatsSource(name, fn)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handlers.HandleHome)

	// Camera control
	mux.HandleFunc("/api/camera/start", s.handlers.HandleCameraStart)
	mux.HandleFunc("/api/camera/stop", s.handlers.HandleCameraStop)
	mux.HandleFunc("/api/camera/pause", s.handlers.HandleCameraPause)
	mux.HandleFunc("/api/camera/resume", s.handlers.HandleCameraResume)
	mux.HandleFunc("/api/camera/config", s.handlers.HandleCameraConfig)

	// Information
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("/api/stats", s.handlers.HandleAPIStats)
	mux.HandleFunc("/health", s.handlers.HandleHealth)

	// Viewing
	mux.HandleFunc("/snapshot", s.handlers.HandleSnapshot)
	mux.HandleFunc("/stream.mjpg", s.handlers.HandleMJPEGStream)
	mux.HandleFunc("/ws/frames", s.handlers.HandleFrameSocket)

	return s.addMiddleware(mux)
}

// Start starts the web server
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.BindIP, fmt.Sprint(s.config.Server.WebPort))
	s.logger.Info("Starting web server", zap.String("address", addr))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	// No WriteTimeout: the stream endpoints hold the connection open
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", listener.Addr().String()),
		zap.String("url", fmt.Sprintf("http://%s:%d", s.config.Server.PIIp, s.config.Server.WebPort)))

	return nil
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// addMiddleware adds middleware to the HTTP handler
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS headers
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin(r))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(lw, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) allowedOrigin(r *http.Request) string {
	origins := s.config.Server.AllowedOrigins
	if len(origins) == 0 {
		return "*"
	}
	origin := r.Header.Get("Origin")
	for _, o := range origins {
		if o == origin || o == "*" {
			return origin
		}
	}
	return origins[0]
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers push parts through the wrapper
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Stop stops the web server
func (s *Server) Stop() error {
	s.logger.Info("Stopping web server")

	if s.httpServer == nil {
		return nil
	}

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.handlers.closeStreams()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}

// GetServerInfo returns information about the web server
func (s *Server) GetServerInfo() map[string]interface{} {
	info := map[string]interface{}{
		"bind_ip":  s.config.Server.BindIP,
		"web_port": s.config.Server.WebPort,
		"pi_ip":    s.config.Server.PIIp,
		"running":  s.httpServer != nil,
	}

	if s.httpServer != nil {
		info["address"] = s.Addr()
		info["url"] = fmt.Sprintf("http://%s:%d", s.config.Server.PIIp, s.config.Server.WebPort)
	}

	return info
}
