// Package events publishes pipeline state and statistics to an MQTT broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"pi-capture-pipeline/capture"
	"pi-capture-pipeline/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	quiesceMillis  = 250
	offlineState   = "offline"
)

// Client is the part of the paho client the emitter uses
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// StatsFunc produces the payload for the periodic stats message
type StatsFunc func() interface{}

// StateMessage is the retained payload of the state topic
type StateMessage struct {
	State     string    `json:"state"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Broker    string            `json:"broker"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTEmitter publishes pipeline state changes and periodic stats
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client Client
	logger *zap.Logger

	statsInterval time.Duration

	mu        sync.RWMutex
	state     capture.State
	hasState  bool
	published map[string]uint64
	errors    uint64
	connected bool

	// Signalled when the retained state needs publishing
	dirty chan struct{}
}

// NewMQTTEmitter creates a new MQTT emitter with auto-reconnect
func NewMQTTEmitter(cfg config.MQTTConfig, logger *zap.Logger) *MQTTEmitter {
	e := newEmitter(cfg, nil, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Subscribers see "offline" if the daemon dies without disconnecting
	will, _ := json.Marshal(StateMessage{State: offlineState, ClientID: cfg.ClientID})
	opts.SetBinaryWill(e.StateTopic(), will, e.qos(), true)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT connection established",
			zap.String("broker", cfg.Broker),
			zap.String("client_id", cfg.ClientID))
		// Retained state is re-announced after every (re)connect
		e.markDirty()
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("MQTT connection lost, will auto-reconnect",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}

	e.client = mqtt.NewClient(opts)
	return e
}

func newEmitter(cfg config.MQTTConfig, client Client, logger *zap.Logger) *MQTTEmitter {
	interval := time.Duration(cfg.StatsInterval) * time.Second
	return &MQTTEmitter{
		cfg:           cfg,
		client:        client,
		logger:        logger.With(zap.String("component", "mqtt")),
		statsInterval: interval,
		published:     make(map[string]uint64),
		dirty:         make(chan struct{}, 1),
	}
}

// StateTopic is where the retained pipeline state is published
func (e *MQTTEmitter) StateTopic() string {
	return e.cfg.TopicPrefix + "/state"
}

// StatsTopic is where periodic stats are published
func (e *MQTTEmitter) StatsTopic() string {
	return e.cfg.TopicPrefix + "/stats"
}

// Connect establishes connection to the MQTT broker. On timeout the client
// keeps retrying in the background.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.logger.Info("Connecting to MQTT broker", zap.String("broker", e.cfg.Broker))

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// OnStateChange records the new state for publishing. It never blocks, so it
// is safe to register directly as a camera listener.
func (e *MQTTEmitter) OnStateChange(state capture.State) {
	e.mu.Lock()
	e.state = state
	e.hasState = true
	e.mu.Unlock()
	e.markDirty()
}

// Run publishes state changes and periodic stats until ctx is done
func (e *MQTTEmitter) Run(ctx context.Context, stats StatsFunc) {
	var tick <-chan time.Time
	if e.statsInterval > 0 && stats != nil {
		ticker := time.NewTicker(e.statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.dirty:
			if err := e.publishCurrentState(); err != nil {
				e.logger.Warn("Failed to publish state", zap.Error(err))
			}
		case <-tick:
			if err := e.PublishStats(stats()); err != nil {
				e.logger.Debug("Failed to publish stats", zap.Error(err))
			}
		}
	}
}

func (e *MQTTEmitter) publishCurrentState() error {
	e.mu.RLock()
	state, ok := e.state, e.hasState
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.publishState(state.String())
}

func (e *MQTTEmitter) publishState(state string) error {
	payload, err := json.Marshal(StateMessage{
		State:     state,
		ClientID:  e.cfg.ClientID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return e.publish(e.StateTopic(), true, payload)
}

// PublishStats publishes v as JSON on the stats topic
func (e *MQTTEmitter) PublishStats(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	return e.publish(e.StatsTopic(), false, payload)
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.client.Publish(topic, e.qos(), retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("MQTT message published",
		zap.String("topic", topic),
		zap.Bool("retained", retained),
		zap.Int("size", len(payload)))
	return nil
}

// Disconnect marks the pipeline offline and closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		if err := e.publishState(offlineState); err != nil {
			e.logger.Warn("Failed to publish offline state", zap.Error(err))
		}
		e.client.Disconnect(quiesceMillis)
		e.logger.Info("MQTT disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Broker:    e.cfg.Broker,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) markDirty() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) qos() byte {
	return byte(e.cfg.QoS)
}
