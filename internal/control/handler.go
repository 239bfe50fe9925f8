// Package control answers operator commands received on the control topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
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
	Timestamp  string                 `json:"timestamp"`
}

// Publisher sends responses back on the bus
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Callbacks connect commands to the service
type Callbacks struct {
	OnGetStatus    func() map[string]interface{}
	OnSetThreshold func(float64) error
	OnPause        func() error
	OnResume       func() error
}

// Handler queues incoming commands and executes them one at a time
type Handler struct {
	responseTopic string
	publisher     Publisher
	commands      chan Command
	callbacks     Callbacks
	logger        *slog.Logger
}

// NewHandler creates a control handler publishing responses on responseTopic
func NewHandler(responseTopic string, pub Publisher, callbacks Callbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		responseTopic: responseTopic,
		publisher:     pub,
		commands:      make(chan Command, 10),
		callbacks:     callbacks,
		logger:        logger.With("component", "control"),
	}
}

// HandleMessage parses a control payload and queues it. It never blocks.
func (h *Handler) HandleMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// Run executes queued commands until ctx is done
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-h.commands:
			h.sendResponse(h.Execute(cmd))
		}
	}
}

// Execute runs a single command and returns its response
func (h *Handler) Execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "set_threshold":
		if h.callbacks.OnSetThreshold == nil {
			return notImplemented(resp)
		}
		value, ok := cmd.Params["threshold"].(float64)
		if !ok {
			resp.Status = "error"
			resp.Error = "params.threshold must be a number"
			return resp
		}
		if err := h.callbacks.OnSetThreshold(value); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"threshold": value}

	case "pause_detection":
		if h.callbacks.OnPause == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnPause(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp
		}
		resp.Status = "paused"
		resp.Data = map[string]interface{}{"detection_active": false}

	case "resume_detection":
		if h.callbacks.OnResume == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnResume(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp
		}
		resp.Status = "running"
		resp.Data = map[string]interface{}{"detection_active": true}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.publisher.Publish(h.responseTopic, 1, payload); err != nil {
		h.logger.Warn("failed to publish control response", "command", resp.CommandAck, "error", err)
	}
}
