package common

import "github.com/spf13/viper"

// ===============================================================================
// Fanout Publisher Related Config

// GRIPConfig defines parameters for reaching the GRIP proxy control endpoint
type GRIPConfig struct {
	// ControlURI is the base URI of the proxy's publish control endpoint
	ControlURI string `mapstructure:"control_uri" json:"control_uri" validate:"required,uri"`
	// PublishTimeout is the max duration of one publish call in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
}

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// PublisherConfig defines which fanout transport carries produced items
type PublisherConfig struct {
	// Backend selects the fanout transport: GRIP proxy, NATS, or in-process hub
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=grip nats hub"`
	// GRIP are the GRIP proxy parameters, required when backend is "grip"
	GRIP *GRIPConfig `mapstructure:"grip,omitempty" json:"grip,omitempty" validate:"omitempty,dive"`
	// NATS are the NATS related config parameters, required when backend is "nats"
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Fetch Adapter Related Config

// AdapterRegistryConfig defines how fetch adapter metadata is discovered
type AdapterRegistryConfig struct {
	// Endpoints are the base URIs of the deployed fetch adapters
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"min=1,dive,uri"`
	// RefreshIntervalSec bounds how often the metadata set is reloaded wholesale
	RefreshIntervalSec int `mapstructure:"refresh_interval_sec" json:"refresh_interval_sec" validate:"gte=1"`
	// RequestTimeout is the max duration of one adapter call in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// DefaultPollInterval is used when an adapter declares no poll interval, in seconds
	DefaultPollInterval int `mapstructure:"default_poll_interval_sec" json:"default_poll_interval_sec" validate:"gte=1"`
}

// CredentialStoreConfig defines where per-feed credentials are loaded from
type CredentialStoreConfig struct {
	// KeysFile is a JSON file mapping feed name to its credential set
	KeysFile string `mapstructure:"keys_file" json:"keys_file" validate:"omitempty,file"`
}

// ===============================================================================
// Item Cache Related Config

// ItemCacheConfig defines the durable item cache backend
type ItemCacheConfig struct {
	// Backend selects the cache implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory badger"`
	// BadgerDir is the data directory for the badger backend
	BadgerDir string `mapstructure:"badger_dir" json:"badger_dir"`
	// RetentionMinutes is how long the memory backend retains item records
	RetentionMinutes int `mapstructure:"retention_minutes" json:"retention_minutes" validate:"gte=1"`
}

// ===============================================================================
// Session Related Config

// LivenessConfig defines connection expiry parameters
type LivenessConfig struct {
	// TTL is the max allowed inactivity duration for a connection in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
	// SweepInterval is the cadence of the expiry sweep in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// SessionEndpointConfig defines session API endpoint config
type SessionEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the session APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SessionServerConfig defines configuration for the session API server
type SessionServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the session API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the session API server
	Endpoints SessionEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Liveness defines connection expiry parameters
	Liveness LivenessConfig `mapstructure:"liveness" json:"liveness" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the restream server
type SystemConfig struct {
	// Publisher is the fanout transport config
	Publisher PublisherConfig `mapstructure:"publisher" json:"publisher" validate:"required,dive"`
	// Adapters is the fetch adapter registry config
	Adapters AdapterRegistryConfig `mapstructure:"adapters" json:"adapters" validate:"required,dive"`
	// Credentials is the per-feed credential store config
	Credentials CredentialStoreConfig `mapstructure:"credentials" json:"credentials" validate:"omitempty,dive"`
	// Cache is the item cache config
	Cache ItemCacheConfig `mapstructure:"cache" json:"cache" validate:"required,dive"`
	// Session is the session API server config
	Session SessionServerConfig `mapstructure:"session" json:"session" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default publisher settings
	viper.SetDefault("publisher.backend", "grip")
	viper.SetDefault("publisher.grip.control_uri", "http://127.0.0.1:5561")
	viper.SetDefault("publisher.grip.publish_timeout_sec", 10)
	viper.SetDefault("publisher.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("publisher.nats.connect_timeout_sec", 30)
	viper.SetDefault("publisher.nats.reconnect.max_attempts", -1)
	viper.SetDefault("publisher.nats.reconnect.wait_interval_sec", 15)

	// Default adapter registry settings
	viper.SetDefault("adapters.refresh_interval_sec", 600)
	viper.SetDefault("adapters.request_timeout_sec", 30)
	viper.SetDefault("adapters.default_poll_interval_sec", 100)

	// Default item cache settings
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.retention_minutes", 60)

	// Default session server settings
	viper.SetDefault("session.endpoint_config.path_prefix", "/")
	viper.SetDefault("session.liveness.ttl_sec", 300)
	viper.SetDefault("session.liveness.sweep_interval_sec", 60)
	viper.SetDefault("session.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("session.api_server.server_config.listen_port", 5000)
	viper.SetDefault("session.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("session.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("session.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"session.api_server.logging_config.request_id_header", "Restream-Request-ID",
	)
	viper.SetDefault(
		"session.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
