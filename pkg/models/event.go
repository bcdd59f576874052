package models

import "time"

// EventType defines the type of lifecycle event.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventHandshakeRejected EventType = "handshake_rejected"
	EventCrashed           EventType = "crashed"
	EventRestartExhausted  EventType = "restart_exhausted" // Operator alert: plugin permanently stopped
)

// Event is published by the plugin manager on every lifecycle change.
type Event struct {
	Type       EventType      `json:"type"`
	PluginID   string         `json:"plugin_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	From       LifecycleState `json:"from,omitempty"`
	To         LifecycleState `json:"to,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
