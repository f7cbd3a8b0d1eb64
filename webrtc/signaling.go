package webrtc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaling message types
const (
	MessageHello        = "hello"
	MessageOffer        = "offer"
	MessageAnswer       = "answer"
	MessageICECandidate = "ice-candidate"
	MessagePing         = "ping"
	MessagePong         = "pong"
	MessageError        = "error"
)

const (
	sendTimeout    = 5 * time.Second
	maxMessageSize = 64 * 1024
)

// SignalingServer handles WebSocket signaling for WebRTC
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Connected clients
	clients map[string]*SignalingClient
	mu      sync.RWMutex

	// Message handlers
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error
	onICE   func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onClose func(client *SignalingClient)

	// Configuration
	allowedOrigins []string
	sendBufferSize int
	maxClients     int
}

// SignalingClient represents a connected WebSocket client
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	// Send channel for outgoing messages
	send chan []byte

	closed bool
	mu     sync.RWMutex

	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage represents a WebRTC signaling message
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSignalingServer creates a new signaling server. maxClients <= 0 means unlimited.
func NewSignalingServer(allowedOrigins []string, sendBufferSize, maxClients int, logger *zap.Logger) *SignalingServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 64
	}

	s := &SignalingServer{
		logger:         logger,
		clients:        make(map[string]*SignalingClient),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
		maxClients:     maxClients,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	return s
}

// checkOrigin validates the request origin against allowed origins
func (s *SignalingServer) checkOrigin(r *http.Request) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin
		return true
	}

	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	s.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", s.allowedOrigins))
	return false
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onClose func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onICE = onICE
	s.onClose = onClose
}

// HandleWebSocket handles WebSocket connections
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.maxClients > 0 && s.GetClientCount() >= s.maxClients {
		s.logger.Warn("Rejecting signaling client, limit reached",
			zap.Int("max_clients", s.maxClients),
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	clientID := uuid.New().String()

	now := time.Now()
	client := &SignalingClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, s.sendBufferSize),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()

	client.sendMessage(MessageHello, map[string]string{"id": clientID})
}

// readPump handles incoming messages from the client
func (c *SignalingClient) readPump() {
	defer c.close()

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error("Error handling message", zap.String("type", msg.Type), zap.Error(err))
			c.sendError(err.Error())
		}
	}
}

// writePump handles outgoing messages to the client
func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Warn("WebSocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleMessage processes incoming signaling messages
func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case MessageOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if offer.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("expected offer, got %s", offer.Type)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case MessageICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case MessagePing:
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.sendMessage(MessagePong, nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// SendAnswer sends a WebRTC answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage(MessageAnswer, answer)
}

// SendICECandidate sends an ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage(MessageICECandidate, candidate.ToJSON())
}

// sendMessage queues a message for the client, giving up after sendTimeout
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	msg := SignalingMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s data: %w", msgType, err)
		}
		msg.Data = raw
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// The read lock keeps close from closing send underneath us
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("client connection closed")
	}

	select {
	case c.send <- payload:
		return nil
	case <-time.After(sendTimeout):
		c.logger.Error("Send timeout, closing slow client", zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout - client too slow")
	}
}

// sendError sends an error message to the client
func (c *SignalingClient) sendError(errorMsg string) {
	c.sendMessage(MessageError, map[string]string{"message": errorMsg})
}

// close closes the client connection
func (c *SignalingClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if c.server != nil {
		c.server.mu.Lock()
		delete(c.server.clients, c.id)
		c.server.mu.Unlock()

		if c.server.onClose != nil {
			c.server.onClose(c)
		}
	}

	c.logger.Info("Client disconnected", zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// GetID returns the client ID
func (c *SignalingClient) GetID() string {
	return c.id
}

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// GetClientCount returns the number of connected clients
func (s *SignalingServer) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// GetClients returns a list of connected client IDs
func (s *SignalingServer) GetClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]string, 0, len(s.clients))
	for id := range s.clients {
		clients = append(clients, id)
	}
	return clients
}

// BroadcastMessage sends a message to all connected clients
func (s *SignalingServer) BroadcastMessage(msgType string, data interface{}) {
	for _, client := range s.snapshot() {
		if !client.IsClosed() {
			client.sendMessage(msgType, data)
		}
	}
}

func (s *SignalingServer) snapshot() []*SignalingClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients
}

// Close closes all client connections
func (s *SignalingServer) Close() {
	s.logger.Info("Closing signaling server")

	// close removes each client from the map itself
	for _, client := range s.snapshot() {
		client.close()
	}
}
