package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variable.
type Config struct {
	// Server Configurations
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	TLSCertFile   string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile    string `mapstructure:"TLS_KEY_FILE"`
	MaxUploadMB   int    `mapstructure:"MAX_UPLOAD_MB"`

	// Plugin Registry
	RegistryPath  string `mapstructure:"REGISTRY_PATH"`
	SocketDir     string `mapstructure:"PLUGIN_SOCKET_DIR"`
	PluginNetwork string `mapstructure:"PLUGIN_NETWORK"`

	// Handshake
	HandshakeProtocolVersion  int    `mapstructure:"HANDSHAKE_PROTOCOL_VERSION"`
	HandshakeMagicCookieKey   string `mapstructure:"HANDSHAKE_MAGIC_COOKIE_KEY"`
	HandshakeMagicCookieValue string `mapstructure:"HANDSHAKE_MAGIC_COOKIE_VALUE"`

	// Timeouts
	PluginStartTimeoutMs int `mapstructure:"PLUGIN_START_TIMEOUT_MS"`
	PluginStopTimeoutMs  int `mapstructure:"PLUGIN_STOP_TIMEOUT_MS"`
	RPCPingTimeoutMs     int `mapstructure:"RPC_PING_TIMEOUT_MS"`
	RPCInitTimeoutMs     int `mapstructure:"RPC_INIT_TIMEOUT_MS"`
	RPCCallTimeoutMs     int `mapstructure:"RPC_CALL_TIMEOUT_MS"`
	RPCUploadTimeoutMs   int `mapstructure:"RPC_UPLOAD_TIMEOUT_MS"`
	CallbackTimeoutMs    int `mapstructure:"CALLBACK_TIMEOUT_MS"`

	// Restart Policy & Health
	MaxRestarts                int `mapstructure:"MAX_RESTARTS"`
	RestartBackoffMs           int `mapstructure:"RESTART_BACKOFF_MS"`
	RestartBackoffMaxMs        int `mapstructure:"RESTART_BACKOFF_MAX_MS"`
	RestartStableSeconds       int `mapstructure:"RESTART_STABLE_SECONDS"`
	HealthCheckIntervalSeconds int `mapstructure:"HEALTH_CHECK_INTERVAL_SECONDS"`
	HealthCheckConcurrency     int `mapstructure:"HEALTH_CHECK_CONCURRENCY"`
	FlapWindowSeconds          int `mapstructure:"FLAP_WINDOW_SECONDS"`
	FlapThreshold              int `mapstructure:"FLAP_THRESHOLD"`

	// Internal Queue Settings
	RequestWorkerConcurrency int `mapstructure:"REQUEST_WORKER_CONCURRENCY"`
	RequestQueueSize         int `mapstructure:"REQUEST_QUEUE_SIZE"`
	EventQueueSize           int `mapstructure:"EVENT_QUEUE_SIZE"`

	// Injected Service Storage
	StoreBackend  string `mapstructure:"STORE_BACKEND"` // memory, sqlite, postgres, redis
	EncryptStore  bool   `mapstructure:"STORE_ENCRYPT"`
	DBHost        string `mapstructure:"DB_HOST"`
	DBUser        string `mapstructure:"DB_USER"`
	DBPassword    string `mapstructure:"DB_PASSWORD"`
	DBName        string `mapstructure:"DB_NAME"`
	DBPort        string `mapstructure:"DB_PORT"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Security/Encryption Configurations
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	AdminUser     string `mapstructure:"ADMIN_USER"`
	AdminHash     string `mapstructure:"ADMIN_HASH"`

	// Authentication
	SessionDurationHours int `mapstructure:"SESSION_DURATION_HOURS"`

	// Logging
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("MAX_UPLOAD_MB", 32)
	v.SetDefault("REGISTRY_PATH", "plugins.yaml")
	v.SetDefault("PLUGIN_SOCKET_DIR", "")
	v.SetDefault("PLUGIN_NETWORK", "")
	v.SetDefault("HANDSHAKE_PROTOCOL_VERSION", 1)
	v.SetDefault("HANDSHAKE_MAGIC_COOKIE_KEY", "HC_PLUGIN")
	v.SetDefault("HANDSHAKE_MAGIC_COOKIE_VALUE", "hc-plugin-host-v1")
	v.SetDefault("PLUGIN_START_TIMEOUT_MS", 10000)
	v.SetDefault("PLUGIN_STOP_TIMEOUT_MS", 5000)
	v.SetDefault("RPC_PING_TIMEOUT_MS", 2000)
	v.SetDefault("RPC_INIT_TIMEOUT_MS", 5000)
	v.SetDefault("RPC_CALL_TIMEOUT_MS", 10000)
	v.SetDefault("RPC_UPLOAD_TIMEOUT_MS", 60000)
	v.SetDefault("CALLBACK_TIMEOUT_MS", 5000)
	v.SetDefault("MAX_RESTARTS", 3)
	v.SetDefault("RESTART_BACKOFF_MS", 1000)
	v.SetDefault("RESTART_BACKOFF_MAX_MS", 30000)
	v.SetDefault("RESTART_STABLE_SECONDS", 60)
	v.SetDefault("HEALTH_CHECK_INTERVAL_SECONDS", 30)
	v.SetDefault("HEALTH_CHECK_CONCURRENCY", 4)
	v.SetDefault("FLAP_WINDOW_SECONDS", 300)
	v.SetDefault("FLAP_THRESHOLD", 3)
	v.SetDefault("REQUEST_WORKER_CONCURRENCY", 8)
	v.SetDefault("REQUEST_QUEUE_SIZE", 100)
	v.SetDefault("EVENT_QUEUE_SIZE", 100)
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("STORE_ENCRYPT", false)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_USER", "pluginhost")
	v.SetDefault("DB_PASSWORD", "pluginhost")
	v.SetDefault("DB_NAME", "pluginhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("SQLITE_PATH", "pluginhost.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_SECRET", "default-insecure-secret-change-me")
	v.SetDefault("ENCRYPTION_KEY", "1234567890123456789012345678901212345678901234567890123456789012")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_HASH", "$2a$10$BST/uOdLLXUyqO4fN.b9cuwVwoXEJWWFzpc4iirHiu3GcgbuJqtdu")
	v.SetDefault("SESSION_DURATION_HOURS", 24)
	v.SetDefault("LOG_LEVEL", "info")

	// 2. Read app.yaml if exists
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// 3. Read .env if exists (overriding app.yaml)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	// 4. Allow Viper to read Environment Variables (highest priority)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Millis converts one of the *_MS settings to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
