// Package control implements the MQTT control plane: commands that pause,
// resume, seek and retune a running comparison loop.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers its command with "not implemented".
type CommandCallbacks struct {
	OnGetStatus     func() map[string]interface{}
	OnPause         func() error
	OnResume        func() error
	OnStop          func() error
	OnSeek          func(fraction float64) error
	OnSetThreshold  func(threshold int) error
	OnSetROI        func(roi compare.ROI) error
	OnSetShowMotion func(enabled bool) error
}

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	commands chan Command
	done     chan struct{}

	mu        sync.RWMutex
	isPaused  bool
	callbacks CommandCallbacks
	stopOnce  sync.Once
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// cancelled or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	slog.Info("control: handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and ends command processing.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	// The command channel stays open: paho may still deliver a message
	// after unsubscribing.
	h.stopOnce.Do(func() { close(h.done) })

	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	select {
	case <-h.done:
		slog.Debug("control: message after stop ignored")
		return
	default:
	}

	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case <-h.done:
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.execute(cmd))
		}
	}
}

// execute runs cmd against the callbacks and builds its response.
func (h *Handler) execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	cb := h.callbacks

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	missing := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			return missing()
		}
		resp.Status = "success"
		resp.Data = cb.OnGetStatus()

	case "pause":
		if cb.OnPause == nil {
			return missing()
		}
		if err := cb.OnPause(); err != nil {
			return fail(err)
		}
		h.setPaused(true)
		resp.Status = "paused"
		resp.Data = map[string]interface{}{"running": false}

	case "resume":
		if cb.OnResume == nil {
			return missing()
		}
		if err := cb.OnResume(); err != nil {
			return fail(err)
		}
		h.setPaused(false)
		resp.Status = "success"
		resp.Data = map[string]interface{}{"running": true}

	case "stop":
		if cb.OnStop == nil {
			return missing()
		}
		if err := cb.OnStop(); err != nil {
			return fail(err)
		}
		h.setPaused(false)
		resp.Status = "stopped"

	case "seek":
		if cb.OnSeek == nil {
			return missing()
		}
		fraction, ok := cmd.Params["fraction"].(float64)
		if !ok {
			return fail(fmt.Errorf("missing or invalid 'fraction' parameter (expected float 0..1)"))
		}
		if err := cb.OnSeek(fraction); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"fraction": fraction}

	case "set_threshold":
		if cb.OnSetThreshold == nil {
			return missing()
		}
		v, ok := cmd.Params["threshold"].(float64)
		if !ok || v != math.Trunc(v) {
			return fail(fmt.Errorf("missing or invalid 'threshold' parameter (expected integer)"))
		}
		if err := cb.OnSetThreshold(int(v)); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"threshold": int(v)}

	case "set_roi":
		if cb.OnSetROI == nil {
			return missing()
		}
		roi, err := parseROI(cmd.Params)
		if err != nil {
			return fail(err)
		}
		if err := cb.OnSetROI(roi); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"roi": roi.String()}

	case "set_show_motion":
		if cb.OnSetShowMotion == nil {
			return missing()
		}
		enabled, ok := cmd.Params["enabled"].(bool)
		if !ok {
			return fail(fmt.Errorf("missing or invalid 'enabled' parameter (expected bool)"))
		}
		if err := cb.OnSetShowMotion(enabled); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"show_motion": enabled}

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}
	return resp
}

func parseROI(params map[string]interface{}) (compare.ROI, error) {
	var edges [4]float64
	for i, key := range []string{"left", "top", "right", "bottom"} {
		v, ok := params[key].(float64)
		if !ok {
			return compare.ROI{}, fmt.Errorf("missing or invalid '%s' parameter (expected float 0..1)", key)
		}
		edges[i] = v
	}
	roi := compare.ROI{Left: edges[0], Top: edges[1], Right: edges[2], Bottom: edges[3]}
	if err := roi.Validate(); err != nil {
		return compare.ROI{}, err
	}
	return roi, nil
}

// sendResponse publishes a response on the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Status, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) setPaused(v bool) {
	h.mu.Lock()
	h.isPaused = v
	h.mu.Unlock()
}

// IsPaused reports whether the last pause command has not been resumed
func (h *Handler) IsPaused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isPaused
}
