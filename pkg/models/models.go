package models

import (
	"slices"
	"time"
)

// CapabilityKind is the closed set of capabilities a plugin can declare.
type CapabilityKind string

const (
	KindStorage  CapabilityKind = "storage-provider"
	KindFunction CapabilityKind = "function-provider"
)

// Injected service operations a plugin may call back into.
const (
	ServiceKVRead   = "kv.read"
	ServiceKVWrite  = "kv.write"
	ServiceKVDelete = "kv.delete"
	ServiceKVList   = "kv.list"
)

// EnvVar is one environment variable passed to a plugin at launch.
// Secret values hold a gocrypt ciphertext and are decrypted right before launch.
type EnvVar struct {
	Key    string `mapstructure:"key" json:"key" validate:"required"`
	Value  string `mapstructure:"value" json:"value" gocrypt:"aes"`
	Secret bool   `mapstructure:"secret" json:"secret"`
}

// PluginDescriptor is a registry entry. It is immutable once loaded.
type PluginDescriptor struct {
	ID              string         `mapstructure:"id" json:"id" validate:"required,plugin_id"`
	Path            string         `mapstructure:"path" json:"path" validate:"required"`
	Enabled         bool           `mapstructure:"enabled" json:"enabled"`
	Env             []EnvVar       `mapstructure:"env" json:"env,omitempty" validate:"dive"`
	Kind            CapabilityKind `mapstructure:"kind" json:"kind" validate:"required,oneof=storage-provider function-provider"`
	ProtocolVersion int            `mapstructure:"protocol_version" json:"protocol_version" validate:"min=1"`
	Services        []string       `mapstructure:"services" json:"services,omitempty" validate:"dive,oneof=kv.read kv.write kv.delete kv.list"`
}

// AllowedServices returns the injected-service operations granted to the plugin.
// An empty Services list falls back to the default set for the capability kind.
func (d PluginDescriptor) AllowedServices() []string {
	if len(d.Services) > 0 {
		return slices.Clone(d.Services)
	}
	if d.Kind == KindStorage {
		return []string{ServiceKVRead, ServiceKVWrite, ServiceKVDelete, ServiceKVList}
	}
	return []string{ServiceKVRead, ServiceKVList}
}

// Allows reports whether the plugin may invoke the given service operation.
func (d PluginDescriptor) Allows(op string) bool {
	return slices.Contains(d.AllowedServices(), op)
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (d PluginDescriptor) Clone() PluginDescriptor {
	d.Env = slices.Clone(d.Env)
	d.Services = slices.Clone(d.Services)
	return d
}

// HandshakeConfig is shared between the host and every plugin.
type HandshakeConfig struct {
	ProtocolVersion  int    `json:"protocol_version"`
	MagicCookieKey   string `json:"magic_cookie_key"`
	MagicCookieValue string `json:"magic_cookie_value"`
}

// PluginStatus is a read-only snapshot of a plugin instance.
type PluginStatus struct {
	ID                  string         `json:"id"`
	InstanceID          string         `json:"instance_id,omitempty"`
	Kind                CapabilityKind `json:"kind"`
	Enabled             bool           `json:"enabled"`
	State               LifecycleState `json:"state"`
	PID                 int            `json:"pid,omitempty"`
	PluginVersion       string         `json:"plugin_version,omitempty"`
	RestartCount        int            `json:"restart_count"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastHealthCheck     time.Time      `json:"last_health_check,omitempty"`
	LastHealthOK        bool           `json:"last_health_ok"`
	LastError           string         `json:"last_error,omitempty"`
	StartedAt           time.Time      `json:"started_at,omitempty"`
}

// HealthResult is the outcome of one health check.
type HealthResult struct {
	ID        string         `json:"id"`
	State     LifecycleState `json:"state"`
	Healthy   bool           `json:"healthy"`
	LatencyMs float64        `json:"latency_ms"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// PluginMetrics aggregates call statistics for one plugin.
type PluginMetrics struct {
	ID            string         `json:"id"`
	State         LifecycleState `json:"state"`
	Calls         uint64         `json:"calls"`
	Failures      uint64         `json:"failures"`
	Timeouts      uint64         `json:"timeouts"`
	Restarts      int            `json:"restarts"`
	AvgLatencyMs  float64        `json:"avg_latency_ms"`
	LastCallAt    time.Time      `json:"last_call_at,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds"`
}

// PluginRecord represents the plugin_records table backing the injected KV service.
type PluginRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Namespace string    `gorm:"not null;uniqueIndex:idx_plugin_records_ns_key" json:"namespace"`
	RecordKey string    `gorm:"not null;uniqueIndex:idx_plugin_records_ns_key" json:"key"`
	Value     []byte    `gorm:"not null" json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the default table name logic
func (PluginRecord) TableName() string { return "plugin_records" }
