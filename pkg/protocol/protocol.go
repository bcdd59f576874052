// Package protocol defines the contract between the host and plugin binaries.
// A plugin prints one handshake line on stdout, then serves net/rpc over a
// yamux session on the advertised address. The host opens the request stream
// and the plugin opens the callback stream for injected host services.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"pluginhost/pkg/models"
)

// CoreProtocolVersion is the version of the handshake line format itself.
const CoreProtocolVersion = 1

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"

	// RPCProtocol is the only wire protocol the host speaks.
	RPCProtocol = "netrpc"

	PluginService = "Plugin"
	HostService   = "Host"
)

// Environment variables the host sets for a plugin process.
const (
	EnvSocketDir = "PLUGIN_SOCKET_DIR"
	EnvNetwork   = "PLUGIN_NETWORK"
)

// Handshake is the default identity shared by the host and the bundled plugins.
var Handshake = models.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "HC_PLUGIN",
	MagicCookieValue: "hc-plugin-host-v1",
}

// ConnectionInfo is the parsed handshake line:
// CORE-VERSION|APP-VERSION|NETWORK|ADDRESS|PROTOCOL
type ConnectionInfo struct {
	CoreVersion int
	AppVersion  int
	Network     string
	Address     string
	Protocol    string
}

func (c ConnectionInfo) String() string {
	return fmt.Sprintf("%d|%d|%s|%s|%s", c.CoreVersion, c.AppVersion, c.Network, c.Address, c.Protocol)
}

// ParseConnectionInfo parses a handshake line written by a plugin.
func ParseConnectionInfo(line string) (ConnectionInfo, error) {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, "|")
	if len(parts) != 5 {
		return ConnectionInfo{}, fmt.Errorf("malformed handshake line %q: expected 5 fields, got %d", line, len(parts))
	}

	core, err := strconv.Atoi(parts[0])
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("malformed core version %q: %w", parts[0], err)
	}
	app, err := strconv.Atoi(parts[1])
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("malformed app version %q: %w", parts[1], err)
	}

	info := ConnectionInfo{
		CoreVersion: core,
		AppVersion:  app,
		Network:     parts[2],
		Address:     parts[3],
		Protocol:    parts[4],
	}
	if info.Network != NetworkUnix && info.Network != NetworkTCP {
		return ConnectionInfo{}, fmt.Errorf("unsupported network %q", info.Network)
	}
	if info.Address == "" {
		return ConnectionInfo{}, fmt.Errorf("empty address in handshake line")
	}
	return info, nil
}
