// Package handshake validates the identity a plugin presents against the
// host's expected handshake configuration.
package handshake

import (
	"fmt"
	"os"
	"strconv"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

// Match compares an observed handshake triple with the expected one.
// Every field is checked; the first mismatch is reported.
func Match(pluginID string, observed, expected models.HandshakeConfig) error {
	if observed.ProtocolVersion != expected.ProtocolVersion {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "protocol_version",
			Expected: strconv.Itoa(expected.ProtocolVersion),
			Observed: strconv.Itoa(observed.ProtocolVersion),
		}
	}
	if observed.MagicCookieKey != expected.MagicCookieKey {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "magic_cookie_key",
			Expected: expected.MagicCookieKey,
			Observed: observed.MagicCookieKey,
		}
	}
	if observed.MagicCookieValue != expected.MagicCookieValue {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "magic_cookie_value",
			Expected: expected.MagicCookieValue,
			Observed: observed.MagicCookieValue,
		}
	}
	return nil
}

// Validate checks the parsed handshake line. declared is the protocol version
// from the registry descriptor; zero means "use the host's version".
func Validate(pluginID string, info protocol.ConnectionInfo, expected models.HandshakeConfig, declared int) error {
	if info.CoreVersion != protocol.CoreProtocolVersion {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "core_protocol_version",
			Expected: strconv.Itoa(protocol.CoreProtocolVersion),
			Observed: strconv.Itoa(info.CoreVersion),
		}
	}
	if info.AppVersion != expected.ProtocolVersion {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "protocol_version",
			Expected: strconv.Itoa(expected.ProtocolVersion),
			Observed: strconv.Itoa(info.AppVersion),
		}
	}
	if declared != 0 && declared != info.AppVersion {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "declared_protocol_version",
			Expected: strconv.Itoa(declared),
			Observed: strconv.Itoa(info.AppVersion),
		}
	}
	if info.Protocol != protocol.RPCProtocol {
		return &models.HandshakeError{
			PluginID: pluginID,
			Field:    "rpc_protocol",
			Expected: protocol.RPCProtocol,
			Observed: info.Protocol,
		}
	}
	return nil
}

// CookieEnv returns the KEY=VALUE entry the host places in a plugin's environment.
func CookieEnv(cfg models.HandshakeConfig) string {
	return fmt.Sprintf("%s=%s", cfg.MagicCookieKey, cfg.MagicCookieValue)
}

// CheckEnv is used on the plugin side: it fails when the process was not
// launched by a host that knows the magic cookie.
func CheckEnv(cfg models.HandshakeConfig) error {
	got := os.Getenv(cfg.MagicCookieKey)
	if got != cfg.MagicCookieValue {
		return &models.HandshakeError{
			Field:    "magic_cookie_value",
			Expected: cfg.MagicCookieValue,
			Observed: got,
		}
	}
	return nil
}
