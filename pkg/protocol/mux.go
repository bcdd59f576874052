package protocol

import (
	"log"
	"time"

	"github.com/hashicorp/yamux"
)

// MuxConfig returns the yamux session settings shared by host and plugin.
// yamux rejects a config carrying both Logger and LogOutput.
func MuxConfig(logger *log.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 15 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.LogOutput = nil
	cfg.Logger = logger
	return cfg
}
