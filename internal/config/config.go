package config

import "time"

// DashboardConfig is the root configuration for a dashboard instance.
type DashboardConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Transport TransportConfig `yaml:"transport"`
	Widgets   WidgetsConfig   `yaml:"widgets"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InstanceConfig identifies this dashboard.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedsConfig holds the two market-data feeds. A feed with no URL is not
// connected.
type FeedsConfig struct {
	Tick       FeedConfig `yaml:"tick"`
	Indicators FeedConfig `yaml:"indicators"`
}

// FeedConfig holds one feed endpoint.
type FeedConfig struct {
	URL string `yaml:"url"` // ws://, wss://, http:// or https://
}

// ReconnectConfig holds the fixed-delay reconnect policy.
type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = retry forever
}

// TransportConfig holds WebSocket connection settings.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// WidgetsConfig holds widget sizing.
type WidgetsConfig struct {
	MaxRecords   int      `yaml:"max_records"`   // Tick table rows
	TickInterval int      `yaml:"tick_interval"` // Ticks per candle
	MaxPoints    int      `yaml:"max_points"`    // Volume bars, candles and indicator history kept
	Indicators   []string `yaml:"indicators"`    // Indicator names to keep (empty = all)
}

// RecorderConfig holds the tick recorder settings.
type RecorderConfig struct {
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

// RelayConfig holds the Redis relay settings.
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// MetricsConfig holds the HTTP server settings for metrics, health and
// widget snapshots.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
