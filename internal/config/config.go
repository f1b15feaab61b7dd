package config

import (
	"log/slog"
	"time"
)

// EchoConfig is the root configuration for an echo kernel instance.
type EchoConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Echo     EndpointConfig `yaml:"echo"`
	Session  SessionConfig  `yaml:"session"`
	API      APIConfig      `yaml:"api"`
	Journal  JournalConfig  `yaml:"journal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this kernel.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// EndpointConfig holds the remote endpoints. Immutable once loaded.
type EndpointConfig struct {
	WSURL  string `yaml:"ws_url"`  // Streaming endpoint (ECHO_WS_URL)
	APIURL string `yaml:"api_url"` // Request base URL (ECHO_API_URL)
	Port   int    `yaml:"port"`    // Base request port (PORT)
}

// SessionConfig holds the reconnecting session settings.
type SessionConfig struct {
	MaxReconnects      int           `yaml:"max_reconnects"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// APIConfig holds request invoker settings.
type APIConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// JournalConfig holds the frame journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds health and Prometheus endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel parses Level (debug, info, warn, error).
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}
