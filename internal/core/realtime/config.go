package realtime

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConnectionConfig holds configuration for the connection service.
type ConnectionConfig struct {
	// Connection settings
	URL            string        `json:"url" yaml:"url"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxMessageSize int64         `json:"max_message_size" yaml:"max_message_size"`

	// Reconnection
	ReconnectDelay       time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`

	// Health monitoring
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// Audit caching
	OutboundCacheTTL time.Duration `json:"outbound_cache_ttl" yaml:"outbound_cache_ttl"`
	InboundCacheTTL  time.Duration `json:"inbound_cache_ttl" yaml:"inbound_cache_ttl"`
}

// RouterConfig holds configuration for the message router.
type RouterConfig struct {
	MaxProcessingTime     time.Duration `json:"max_processing_time" yaml:"max_processing_time"`
	EnableValidation      bool          `json:"enable_validation" yaml:"enable_validation"`
	EnableTransformation  bool          `json:"enable_transformation" yaml:"enable_transformation"`
	EnableMetrics         bool          `json:"enable_metrics" yaml:"enable_metrics"`
	EnableDeadLetterQueue bool          `json:"enable_dead_letter_queue" yaml:"enable_dead_letter_queue"`
	MaxDeadLetterMessages int           `json:"max_dead_letter_messages" yaml:"max_dead_letter_messages"`
	AuditCacheTTL         time.Duration `json:"audit_cache_ttl" yaml:"audit_cache_ttl"`
}

// Config bundles the configuration of the messaging core.
type Config struct {
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Router     RouterConfig     `json:"router" yaml:"router"`
}

// DefaultConnectionConfig returns default connection configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		URL:                  "ws://localhost:8080/ws",
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxMessageSize:       1024 * 1024, // 1MB
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		OutboundCacheTTL:     time.Minute,
		InboundCacheTTL:      5 * time.Minute,
	}
}

// DefaultRouterConfig returns default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxProcessingTime:     5 * time.Second,
		EnableValidation:      true,
		EnableTransformation:  true,
		EnableMetrics:         true,
		EnableDeadLetterQueue: true,
		MaxDeadLetterMessages: 1000,
		AuditCacheTTL:         5 * time.Minute,
	}
}

// DefaultConfig returns the default configuration for the messaging core.
func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
		Router:     DefaultRouterConfig(),
	}
}

// LoadConfig reads a Config from a YAML file, applying defaults for any
// field the file leaves unset.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config file")
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse config file")
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the core cannot run with.
func (c Config) Validate() error {
	if c.Connection.URL == "" {
		return ErrMissingURL
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("max_reconnect_attempts cannot be negative")
	}
	if c.Router.MaxProcessingTime <= 0 {
		return errors.New("max_processing_time must be positive")
	}
	return nil
}

// yamlDuration decodes "5s"-style duration strings or integer nanoseconds,
// neither of which yaml.v3 handles for time.Duration on its own.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return errors.Wrapf(perr, "invalid duration %q", s)
		}
		*d = yamlDuration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = yamlDuration(n)
	return nil
}

// UnmarshalYAML decodes the connection section, keeping defaults for any
// key the document leaves unset.
func (c *ConnectionConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL                  *string       `yaml:"url"`
		ConnectTimeout       *yamlDuration `yaml:"connect_timeout"`
		WriteTimeout         *yamlDuration `yaml:"write_timeout"`
		MaxMessageSize       *int64        `yaml:"max_message_size"`
		ReconnectDelay       *yamlDuration `yaml:"reconnect_delay"`
		MaxReconnectAttempts *int          `yaml:"max_reconnect_attempts"`
		HeartbeatInterval    *yamlDuration `yaml:"heartbeat_interval"`
		OutboundCacheTTL     *yamlDuration `yaml:"outbound_cache_ttl"`
		InboundCacheTTL      *yamlDuration `yaml:"inbound_cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.URL != nil {
		c.URL = *raw.URL
	}
	if raw.ConnectTimeout != nil {
		c.ConnectTimeout = time.Duration(*raw.ConnectTimeout)
	}
	if raw.WriteTimeout != nil {
		c.WriteTimeout = time.Duration(*raw.WriteTimeout)
	}
	if raw.MaxMessageSize != nil {
		c.MaxMessageSize = *raw.MaxMessageSize
	}
	if raw.ReconnectDelay != nil {
		c.ReconnectDelay = time.Duration(*raw.ReconnectDelay)
	}
	if raw.MaxReconnectAttempts != nil {
		c.MaxReconnectAttempts = *raw.MaxReconnectAttempts
	}
	if raw.HeartbeatInterval != nil {
		c.HeartbeatInterval = time.Duration(*raw.HeartbeatInterval)
	}
	if raw.OutboundCacheTTL != nil {
		c.OutboundCacheTTL = time.Duration(*raw.OutboundCacheTTL)
	}
	if raw.InboundCacheTTL != nil {
		c.InboundCacheTTL = time.Duration(*raw.InboundCacheTTL)
	}
	return nil
}

// UnmarshalYAML decodes the router section, keeping defaults for any key
// the document leaves unset.
func (r *RouterConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxProcessingTime     *yamlDuration `yaml:"max_processing_time"`
		EnableValidation      *bool         `yaml:"enable_validation"`
		EnableTransformation  *bool         `yaml:"enable_transformation"`
		EnableMetrics         *bool         `yaml:"enable_metrics"`
		EnableDeadLetterQueue *bool         `yaml:"enable_dead_letter_queue"`
		MaxDeadLetterMessages *int          `yaml:"max_dead_letter_messages"`
		AuditCacheTTL         *yamlDuration `yaml:"audit_cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxProcessingTime != nil {
		r.MaxProcessingTime = time.Duration(*raw.MaxProcessingTime)
	}
	if raw.EnableValidation != nil {
		r.EnableValidation = *raw.EnableValidation
	}
	if raw.EnableTransformation != nil {
		r.EnableTransformation = *raw.EnableTransformation
	}
	if raw.EnableMetrics != nil {
		r.EnableMetrics = *raw.EnableMetrics
	}
	if raw.EnableDeadLetterQueue != nil {
		r.EnableDeadLetterQueue = *raw.EnableDeadLetterQueue
	}
	if raw.MaxDeadLetterMessages != nil {
		r.MaxDeadLetterMessages = *raw.MaxDeadLetterMessages
	}
	if raw.AuditCacheTTL != nil {
		r.AuditCacheTTL = time.Duration(*raw.AuditCacheTTL)
	}
	return nil
}

// ConnectOption overrides connection configuration for a single Connect call.
type ConnectOption func(*ConnectionConfig)

// WithURL overrides the connection URL.
func WithURL(url string) ConnectOption {
	return func(c *ConnectionConfig) { c.URL = url }
}

// WithConnectTimeout overrides the connect timeout.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(c *ConnectionConfig) { c.ConnectTimeout = d }
}

// WithHeartbeatInterval overrides the heartbeat interval.
func WithHeartbeatInterval(d time.Duration) ConnectOption {
	return func(c *ConnectionConfig) { c.HeartbeatInterval = d }
}

// WithReconnect overrides the reconnect schedule.
func WithReconnect(baseDelay time.Duration, maxAttempts int) ConnectOption {
	return func(c *ConnectionConfig) {
		c.ReconnectDelay = baseDelay
		c.MaxReconnectAttempts = maxAttempts
	}
}
