// Package config defines runtime defaults and loads overrides from a YAML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PathEnv names the variable holding the YAML config path.
const PathEnv = "ORBIT_CONFIG"

// Fan-out backends.
const (
	BackendNone  = "none"
	BackendNATS  = "nats"
	BackendRedis = "redis"
)

// Storage backends. Redis is the shared store required when several
// instances fan out to each other.
const (
	StoragePebble = "pebble"
	StorageRedis  = "redis"
)

// SizeBytes is a byte count read from strings like "64KiB" or plain integers.
type SizeBytes int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// String renders s in IEC units.
func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration is a time.Duration read from strings like "30s" or plain seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitConfig defines per-connection inbound rate limiting.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst"`
	RefillInterval Duration `yaml:"refill_interval"`
}

// ServerConfig holds HTTP and WebSocket settings.
type ServerConfig struct {
	Port            string          `yaml:"port"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageSize  SizeBytes       `yaml:"max_message_size"`
	SendBufferSize  int             `yaml:"send_buffer_size"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	ReadTimeout     Duration        `yaml:"read_timeout"`
	WriteTimeout    Duration        `yaml:"write_timeout"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	TestPage        bool            `yaml:"test_page"`
}

// AuthConfig selects how bearer credentials are verified.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	JWKSURL    string `yaml:"jwks_url"`
	Issuer     string `yaml:"issuer"`
	CookieName string `yaml:"cookie_name"`
	AdminRole  string `yaml:"admin_role"`
}

// StorageConfig selects the store: an embedded pebble database at Path, or a
// Redis server at URL shared by every instance.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix"`
}

// FanoutConfig selects the cross-process backend.
type FanoutConfig struct {
	Backend           string   `yaml:"backend"`
	URL               string   `yaml:"url"`
	Subject           string   `yaml:"subject"` // NATS subject or Redis channel; empty uses the backend default
	NodeID            string   `yaml:"node_id"`
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	QueueSize         int      `yaml:"queue_size"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry export. The W3C propagator is always
// installed; spans are exported over OTLP/gRPC only when Enabled, to the
// endpoint named by OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full runtime configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Fanout  FanoutConfig  `yaml:"fanout"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           ":8080",
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: 64 * 1024,
			SendBufferSize: 256,
			RateLimit: RateLimitConfig{
				Burst:          20,
				RefillInterval: Duration(time.Second),
			},
			ReadTimeout:     Duration(60 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			TestPage:        true,
		},
		Auth: AuthConfig{
			CookieName: "auth_token",
			AdminRole:  "admin",
		},
		Storage: StorageConfig{Backend: StoragePebble, Path: "./data/orbit", Prefix: "orbit"},
		Fanout: FanoutConfig{
			Backend:           BackendNone,
			ReconnectInterval: Duration(5 * time.Second),
			QueueSize:         1024,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "orbit"},
	}
}

// Sanitize restores defaults for empty or out-of-range values.
func (c *Config) Sanitize() {
	def := Default()
	if strings.TrimSpace(c.Server.Port) == "" {
		c.Server.Port = def.Server.Port
	}
	if !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.SendBufferSize <= 0 {
		c.Server.SendBufferSize = def.Server.SendBufferSize
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = def.Auth.CookieName
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = def.Auth.AdminRole
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = def.Storage.Prefix
	}
	switch strings.ToLower(c.Storage.Backend) {
	case StorageRedis:
		c.Storage.Backend = StorageRedis
	default:
		c.Storage.Backend = StoragePebble
	}
	switch strings.ToLower(c.Fanout.Backend) {
	case BackendNATS, BackendRedis:
		c.Fanout.Backend = strings.ToLower(c.Fanout.Backend)
	default:
		c.Fanout.Backend = BackendNone
	}
	if c.Fanout.ReconnectInterval <= 0 {
		c.Fanout.ReconnectInterval = def.Fanout.ReconnectInterval
	}
	if c.Fanout.QueueSize <= 0 {
		c.Fanout.QueueSize = def.Fanout.QueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return errors.New("auth: jwt_secret or jwks_url is required")
	}
	if c.Fanout.Backend != BackendNone && c.Fanout.URL == "" {
		return fmt.Errorf("fanout: url is required for the %s backend", c.Fanout.Backend)
	}
	if c.Storage.Backend == StorageRedis && c.Storage.URL == "" {
		return errors.New("storage: url is required for the redis store")
	}
	// A pebble database is locked by one process, so instances that fan out
	// to each other must share the redis store.
	if c.Fanout.Backend != BackendNone && c.Storage.Backend != StorageRedis {
		return fmt.Errorf("storage: the %s fanout backend requires storage.backend %q", c.Fanout.Backend, StorageRedis)
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty), a .env file in the working directory (if present) and the
// environment. The result is sanitized but not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Sanitize()
	return &cfg, nil
}
