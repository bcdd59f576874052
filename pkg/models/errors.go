package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("plugin not found")
	ErrPluginDisabled        = errors.New("plugin disabled")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrRPCTimeout            = errors.New("rpc timeout")
	ErrRPCTransport          = errors.New("rpc transport failure")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrDuplicateID           = errors.New("duplicate plugin identifier")
)

// ConfigError reports a bad registry entry.
type ConfigError struct {
	PluginID string
	Index    int
	Err      error
}

func (e *ConfigError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("registry entry %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("registry entry %d (%s): %v", e.Index, e.PluginID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LaunchError reports a plugin process that could not be started or
// exited before publishing its RPC address.
type LaunchError struct {
	PluginID string
	Reason   string
	Err      error
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("launch %s: %s", e.PluginID, e.Reason)
	}
	return fmt.Sprintf("launch %s: %s: %v", e.PluginID, e.Reason, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HandshakeError reports a protocol identity mismatch. It is never retried.
type HandshakeError struct {
	PluginID string
	Field    string
	Expected string
	Observed string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s: %s mismatch: expected %q, got %q", e.PluginID, e.Field, e.Expected, e.Observed)
}
