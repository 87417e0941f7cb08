// Package emitter publishes comparison results and run status to an MQTT
// broker. Publishing is asynchronous: the comparison loop only enqueues and
// never waits on the network.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/loop"
)

// DefaultQueueSize bounds the messages waiting to be published.
const DefaultQueueSize = 256

type message struct {
	topic   string
	payload []byte
}

// MQTTEmitter publishes results to the MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client // Exported for control plane

	queue chan message
	wg    sync.WaitGroup

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig, queueSize int) *MQTTEmitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan message, queueSize),
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
			"max_retry_interval", "30s",
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Start launches the publisher goroutine. It drains the queue until ctx is
// cancelled.
func (e *MQTTEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-e.queue:
				if err := e.publish(m.topic, m.payload); err != nil {
					slog.Debug("emitter: publish failed", "topic", m.topic, "error", err)
				}
			}
		}
	}()
}

// Wait blocks until the publisher goroutine has exited.
func (e *MQTTEmitter) Wait() {
	e.wg.Wait()
}

// PublishResult enqueues a comparison result. It never blocks; when the
// queue is full the message is dropped.
func (e *MQTTEmitter) PublishResult(session string, r *compare.Result) {
	payload, err := NewResultMessage(session, r).JSON()
	if err != nil {
		e.countError()
		return
	}
	e.enqueue(e.cfg.Topics.Results, payload)
}

// PublishStopped enqueues the end of a run on the status topic.
func (e *MQTTEmitter) PublishStopped(s loop.Stopped) {
	payload, err := NewStoppedMessage(s).JSON()
	if err != nil {
		e.countError()
		return
	}
	e.enqueue(e.cfg.Topics.Status, payload)
}

func (e *MQTTEmitter) enqueue(topic string, payload []byte) {
	select {
	case e.queue <- message{topic: topic, payload: payload}:
	default:
		e.mu.Lock()
		e.dropped++
		dropped := e.dropped
		e.mu.Unlock()
		if dropped%100 == 1 {
			slog.Warn("emitter: queue full, dropping messages", "topic", topic, "dropped", dropped)
		}
	}
}

// publish sends one message synchronously
func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
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

	slog.Debug("emitter: message published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
		Queued:    len(e.queue),
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
	Queued    int               `json:"queued"`
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
