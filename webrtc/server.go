// Package webrtc delivers camera frames to browsers over WebRTC data
// channels, negotiated through a WebSocket signaling endpoint.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pi-capture-pipeline/capture"
	"pi-capture-pipeline/config"
)

// MessageState carries camera pipeline state changes to signaling clients
const MessageState = "state"

const signalingSendBuffer = 64

// ErrTooManyPeers is returned when an offer arrives at the peer limit
var ErrTooManyPeers = errors.New("webrtc: too many peers")

// Server manages WebRTC connections for the camera
type Server struct {
	config *config.Config
	logger *zap.Logger
	source FrameSource

	webrtcConfig webrtc.Configuration
	peerOptions  PeerOptions

	signaling *SignalingServer

	peers map[string]*PeerConnection
	mu    sync.RWMutex

	httpServer *http.Server
	listener   net.Listener
}

// ServerStats is a snapshot of the WebRTC server
type ServerStats struct {
	Enabled     bool        `json:"enabled"`
	Address     string      `json:"address,omitempty"`
	ClientCount int         `json:"client_count"`
	PeerCount   int         `json:"peer_count"`
	MaxClients  int         `json:"max_clients"`
	Peers       []PeerStats `json:"peers"`
}

// NewServer creates a new WebRTC server fed by source
func NewServer(cfg *config.Config, source FrameSource, logger *zap.Logger) (*Server, error) {
	if source == nil {
		return nil, errors.New("webrtc: nil frame source")
	}

	var iceServers []webrtc.ICEServer
	if cfg.WebRTC.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{cfg.WebRTC.STUNServer}})
	}

	server := &Server{
		config:       cfg,
		logger:       logger.With(zap.String("component", "webrtc"), zap.Int("port", cfg.WebRTC.Port)),
		source:       source,
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		peerOptions: PeerOptions{
			ChunkSize:        cfg.WebRTC.ChunkSize,
			MaxBufferedBytes: cfg.WebRTC.MaxBufferedBytes,
		},
		peers: make(map[string]*PeerConnection),
	}

	server.signaling = NewSignalingServer(
		cfg.Server.AllowedOrigins,
		signalingSendBuffer,
		cfg.WebRTC.MaxClients,
		server.logger,
	)
	server.signaling.SetHandlers(server.handleOffer, server.handleICECandidate, server.handleClientClose)

	server.logger.Info("WebRTC server created",
		zap.String("stun_server", cfg.WebRTC.STUNServer),
		zap.Int("max_clients", cfg.WebRTC.MaxClients),
		zap.Strings("allowed_origins", cfg.Server.AllowedOrigins))

	return server, nil
}

// handleOffer answers a browser offer with a fresh peer connection
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	clientID := client.GetID()
	s.logger.Info("Received offer from client", zap.String("client_id", clientID))

	// A new offer from the same client replaces its old connection
	s.removePeer(clientID)

	if limit := s.config.WebRTC.MaxClients; limit > 0 && s.GetPeerCount() >= limit {
		return ErrTooManyPeers
	}

	peer, err := NewPeerConnection(clientID, s.webrtcConfig, s.source, s.peerOptions, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peers[clientID] = peer
	s.mu.Unlock()

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to send ICE candidate",
				zap.String("client_id", clientID),
				zap.Error(err))
		}
	})
	peer.OnClosed(func() { s.dropPeer(peer) })

	if err := peer.SetRemoteDescription(offer); err != nil {
		s.dropPeer(peer)
		return err
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		s.dropPeer(peer)
		return err
	}

	if err := client.SendAnswer(*answer); err != nil {
		s.dropPeer(peer)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	s.logger.Info("WebRTC answer sent", zap.String("client_id", clientID))
	return nil
}

// handleICECandidate handles incoming ICE candidates
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	s.mu.RLock()
	peer, exists := s.peers[client.GetID()]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.GetID())
	}

	return peer.AddICECandidate(candidate)
}

func (s *Server) handleClientClose(client *SignalingClient) {
	s.removePeer(client.GetID())
}

// Start starts the WebRTC signaling listener
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.BindIP, fmt.Sprint(s.config.WebRTC.Port))
	s.logger.Info("Starting WebRTC server", zap.String("address", addr))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("WebRTC server started", zap.String("address", listener.Addr().String()))
	return nil
}

// Handler returns the signaling routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.signaling.HandleWebSocket)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRoot provides basic information about the WebRTC server
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "WebRTC frame server\nSignaling: ws://%s/ws\nData channel: %s\nPeers: %d/%d\n",
		r.Host, FramesChannelLabel, s.GetPeerCount(), s.config.WebRTC.MaxClients)
}

// BroadcastState tells every signaling client about a pipeline state change
func (s *Server) BroadcastState(state capture.State) {
	s.signaling.BroadcastMessage(MessageState, map[string]string{"state": state.String()})
}

// removePeer removes and closes the peer owned by clientID
func (s *Server) removePeer(clientID string) {
	s.mu.Lock()
	peer, exists := s.peers[clientID]
	delete(s.peers, clientID)
	s.mu.Unlock()

	if exists {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", clientID))
	}
}

// dropPeer removes peer only if it is still the registered one for its client
func (s *Server) dropPeer(peer *PeerConnection) {
	s.mu.Lock()
	current, exists := s.peers[peer.GetID()]
	if exists && current == peer {
		delete(s.peers, peer.GetID())
	}
	s.mu.Unlock()

	// May run inside a pion callback
	go peer.Close()
}

// Stop stops the WebRTC server
func (s *Server) Stop() error {
	s.logger.Info("Stopping WebRTC server")

	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.config.Timeouts.HTTPShutdownTimeout)*time.Second)
		defer cancel()

		// Signaling sockets are hijacked, so Shutdown does not wait for them
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	s.signaling.Close()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*PeerConnection)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}

	s.logger.Info("WebRTC server stopped")
	return err
}

// GetStats returns server statistics
func (s *Server) GetStats() ServerStats {
	s.mu.RLock()
	peers := make([]*PeerConnection, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.RUnlock()

	stats := ServerStats{
		Enabled:     s.config.WebRTC.Enabled,
		Address:     s.Addr(),
		ClientCount: s.signaling.GetClientCount(),
		PeerCount:   len(peers),
		MaxClients:  s.config.WebRTC.MaxClients,
		Peers:       make([]PeerStats, 0, len(peers)),
	}
	for _, peer := range peers {
		stats.Peers = append(stats.Peers, peer.GetStats())
	}
	return stats
}

// GetPeerCount returns the number of connected peers
func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
