package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pi-capture-pipeline/camera"
	"pi-capture-pipeline/capture"
	"pi-capture-pipeline/config"
	"pi-capture-pipeline/hardware"
)

// Camera is the camera surface the handlers drive
type Camera interface {
	Start(opts capture.Options) error
	Stop() error
	Pause() error
	Resume() error
	SetConfig(opts capture.Options) error
	Status() camera.Status
	NextFrame(ctx context.Context) (*camera.Frame, error)
	Subscribe(capacity int) <-chan *camera.Frame
	Unsubscribe(ch <-chan *camera.Frame)
}

// StatsFunc reports one section of the status and stats endpoints
type StatsFunc func() interface{}

const wsWriteTimeout = 5 * time.Second

const homePage = `<!DOCTYPE html>
<html>
<head><title>Pi Capture</title></head>
<body>
<h1>Pi Capture</h1>
<img src="http://PI_IP_PLACEHOLDER/stream.mjpg" alt="live stream">
<p>
<a href="/snapshot">snapshot</a> |
<a href="/api/status">status</a> |
<a href="/api/stats">stats</a>
</p>
</body>
</html>
`

// Handlers manages HTTP request handlers
type Handlers struct {
	config *config.Config
	logger *zap.Logger
	camera Camera

	upgrader websocket.Upgrader

	statsMu sync.RWMutex
	stats   map[string]StatsFunc

	// cancelled on shutdown to end long-lived streams
	streamCtx    context.Context
	streamCancel context.CancelFunc
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, cam Camera, logger *zap.Logger) *Handlers {
	h := &Handlers{
		config: cfg,
		logger: logger,
		camera: cam,
		stats:  make(map[string]StatsFunc),
	}
	h.streamCtx, h.streamCancel = context.WithCancel(context.Background())
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// AddStatsSource registers a named stats section
func (h *Handlers) AddStatsSource(name string, fn StatsFunc) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	h.stats[name] = fn
}

func (h *Handlers) collectStats() map[string]interface{} {
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()

	out := make(map[string]interface{}, len(h.stats))
	for name, fn := range h.stats {
		out[name] = fn()
	}
	return out
}

func (h *Handlers) closeStreams() {
	h.streamCancel()
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origins := h.config.Server.AllowedOrigins
	if len(origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// HandleHome serves the main page
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	host := r.Host
	if host == "" {
		host = fmt.Sprintf("%s:%d", h.config.Server.PIIp, h.config.Server.WebPort)
	}
	html := strings.ReplaceAll(homePage, "PI_IP_PLACEHOLDER", host)

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(html))
}

// HandleCameraStart starts capturing. The optional JSON body overrides the
// configured camera options.
func (h *Handlers) HandleCameraStart(w http.ResponseWriter, r *http.Request) {
	if !h.requirePost(w, r) {
		return
	}

	reqOpts, err := decodeOptions(r)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := h.config.Camera.Options()
	for k, v := range reqOpts {
		opts[k] = v
	}

	if err := h.camera.Start(opts); err != nil {
		h.logger.Error("Failed to start camera", zap.Error(err))
		h.writeCameraError(w, err)
		return
	}

	h.logger.Info("Camera started")
	h.writeJSONResponse(w, h.camera.Status())
}

// HandleCameraStop stops capturing
func (h *Handlers) HandleCameraStop(w http.ResponseWriter, r *http.Request) {
	h.handleCameraAction(w, r, "stop", h.camera.Stop)
}

// HandleCameraPause pauses capturing
func (h *Handlers) HandleCameraPause(w http.ResponseWriter, r *http.Request) {
	h.handleCameraAction(w, r, "pause", h.camera.Pause)
}

// HandleCameraResume resumes capturing
func (h *Handlers) HandleCameraResume(w http.ResponseWriter, r *http.Request) {
	h.handleCameraAction(w, r, "resume", h.camera.Resume)
}

func (h *Handlers) handleCameraAction(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if !h.requirePost(w, r) {
		return
	}

	if err := fn(); err != nil {
		h.logger.Error("Camera action failed", zap.String("action", action), zap.Error(err))
		h.writeCameraError(w, err)
		return
	}

	h.logger.Info("Camera action completed", zap.String("action", action))
	h.writeJSONResponse(w, h.camera.Status())
}

// HandleCameraConfig returns the effective pipeline config on GET and
// changes quality or mirror on POST
func (h *Handlers) HandleCameraConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSONResponse(w, h.camera.Status().Config)
	case http.MethodPost:
		opts, err := decodeOptions(r)
		if err != nil {
			h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.camera.SetConfig(opts); err != nil {
			h.logger.Error("Failed to update camera config", zap.Error(err))
			h.writeCameraError(w, err)
			return
		}
		h.writeJSONResponse(w, h.camera.Status().Config)
	default:
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"pi_ip":    h.config.Server.PIIp,
			"web_port": h.config.Server.WebPort,
			"running":  true,
		},
		"camera":   h.camera.Status(),
		"services": h.collectStats(),
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPIStats returns comprehensive statistics
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	st := h.camera.Status()
	stats := map[string]interface{}{
		"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		"capture":   st.Capture,
		"frames": map[string]interface{}{
			"assembled":   st.Frames,
			"chunks":      st.Chunks,
			"dropped":     st.DroppedFrames,
			"missed":      st.MissedFrames,
			"subscribers": st.Subscribers,
		},
	}
	for name, s := range h.collectStats() {
		stats[name] = s
	}

	h.writeJSONResponse(w, stats)
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.camera.Status()
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services": map[string]interface{}{
			"web_server": "running",
			"camera":     st.State.String(),
		},
	}

	h.writeJSONResponse(w, health)
}

// HandleSnapshot returns the next complete frame
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(h.config.Timeouts.SnapshotTimeout) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	frame, err := h.camera.NextFrame(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			h.writeErrorResponse(w, "Timed out waiting for a frame", http.StatusGatewayTimeout)
		default:
			h.writeCameraError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", frame.MIMEType())
	w.Header().Set("Content-Length", fmt.Sprint(len(frame.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}

// HandleMJPEGStream serves frames as multipart/x-mixed-replace until the
// client goes away
func (h *Handlers) HandleMJPEGStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErrorResponse(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	frames := h.camera.Subscribe(h.config.Buffers.FrameChannelSize)
	defer h.camera.Unsubscribe(frames)

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("MJPEG client connected", zap.String("remote_addr", r.RemoteAddr))
	sent := 0
	defer func() {
		h.logger.Info("MJPEG client disconnected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("frames", sent))
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.streamCtx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {frame.MIMEType()},
				"Content-Length": {fmt.Sprint(len(frame.Data))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(frame.Data); err != nil {
				return
			}
			flusher.Flush()
			sent++
		}
	}
}

// HandleFrameSocket pushes every frame as a binary WebSocket message
func (h *Handlers) HandleFrameSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	frames := h.camera.Subscribe(h.config.Buffers.FrameChannelSize)
	defer h.camera.Unsubscribe(frames)

	h.logger.Info("Frame socket connected", zap.String("remote_addr", r.RemoteAddr))

	// The reader only watches for the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			h.logger.Info("Frame socket disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-h.streamCtx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				h.logger.Debug("Frame socket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handlers) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// decodeOptions reads an optional JSON object of capture options
func decodeOptions(r *http.Request) (capture.Options, error) {
	opts := capture.Options{}
	if r.Body == nil {
		return opts, nil
	}

	limit := int64(64 * 1024)
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.UseNumber()
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return opts, nil
}

// writeCameraError maps controller errors to HTTP responses
func (h *Handlers) writeCameraError(w http.ResponseWriter, err error) {
	if errors.Is(err, capture.ErrNotActive) || errors.Is(err, capture.ErrAlreadyActive) {
		h.writeErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}

	resp := map[string]interface{}{
		"error":  err.Error(),
		"status": http.StatusInternalServerError,
	}
	var ce *capture.Error
	if errors.As(err, &ce) {
		if ce.Step != "" {
			resp["step"] = string(ce.Step)
		}
		if ce.Code != hardware.Success {
			resp["code"] = ce.Code.String()
		}
		if ce.HasValue {
			resp["value"] = ce.Value
		}
	}
	h.writeJSON(w, http.StatusInternalServerError, resp)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, data)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
	w.Write([]byte("\n"))
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
