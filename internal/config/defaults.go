package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "echo-kernel"
	DefaultWSURL              = "ws://localhost:5000/ws"
	DefaultAPIURL             = "http://localhost:5000"
	DefaultPort               = 3000
	DefaultMaxReconnects      = 5
	DefaultReconnectBaseDelay = 2 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultSessionBufferSize  = 1000
	DefaultAPITimeout         = 30 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultJournalBufferSize  = 10000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *EchoConfig) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Endpoint defaults
	if c.Echo.WSURL == "" {
		c.Echo.WSURL = DefaultWSURL
	}
	if c.Echo.APIURL == "" {
		c.Echo.APIURL = DefaultAPIURL
	}
	if c.Echo.Port == 0 {
		c.Echo.Port = DefaultPort
	}

	// Session defaults
	if c.Session.MaxReconnects == 0 {
		c.Session.MaxReconnects = DefaultMaxReconnects
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Session.PingTimeout == 0 {
		c.Session.PingTimeout = DefaultPingTimeout
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.BufferSize == 0 {
		c.Session.BufferSize = DefaultSessionBufferSize
	}

	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	// Journal defaults apply even when disabled so toggling it is a one-line change
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
