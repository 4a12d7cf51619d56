package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

const (
	// MiB is one mebibyte
	MiB = 1024 * 1024
	// MinMemoryLimit is the smallest memory limit Validate accepts
	MinMemoryLimit = 1 * MiB
)

// Config holds all application configuration.
type Config struct {
	Runtime    RuntimeConfig   `yaml:"runtime"`
	Server     ServerConfig    `yaml:"server"`
	Logging    LogConfig       `yaml:"logging"`
	RateLimit  RateLimitConfig `yaml:"rateLimit"`
	State      StateConfig     `yaml:"state"`
	Extensions ExtensionConfig `yaml:"extensions"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// RuntimeConfig holds the handler runtime tunables. It is validated once and
// never mutated afterwards.
type RuntimeConfig struct {
	MaxInstances        int    `envconfig:"MAX_INSTANCES" default:"10" yaml:"maxInstances"`
	MinInstances        int    `envconfig:"MIN_INSTANCES" default:"1" yaml:"minInstances"`
	MemoryLimitMB       int    `envconfig:"MEMORY_LIMIT_MB" default:"32" yaml:"memoryLimitMb"`
	MemoryLimitBytes    uint64 `envconfig:"MEMORY_LIMIT_BYTES" yaml:"memoryLimitBytes"`
	TimeoutMS           int64  `envconfig:"TIMEOUT_MS" default:"5000" yaml:"timeoutMs"`
	MaxHostCalls        int    `envconfig:"MAX_HOST_CALLS" default:"10000" yaml:"maxHostCalls"`
	MaxStateMutations   int    `envconfig:"MAX_STATE_MUTATIONS" default:"1000" yaml:"maxStateMutations"`
	MaxEvents           int    `envconfig:"MAX_EVENTS" default:"100" yaml:"maxEvents"`
	MaxCallStack        int    `envconfig:"MAX_CALL_STACK" default:"1024" yaml:"maxCallStack"`
	CacheDir            string `envconfig:"CACHE_DIR" default:".nexus-cache" yaml:"cacheDir"`
	MaxCacheSizeBytes   int64  `envconfig:"MAX_CACHE_SIZE_BYTES" default:"67108864" yaml:"maxCacheSizeBytes"`
	SuspensionTimeoutMS int64  `envconfig:"SUSPENSION_TIMEOUT_MS" default:"30000" yaml:"suspensionTimeoutMs"`
	Version             string `envconfig:"RUNTIME_VERSION" default:"v1" yaml:"version"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host            string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
	ShutdownTimeout int64  `envconfig:"SHUTDOWN_TIMEOUT_MS" default:"10000" yaml:"shutdownTimeoutMs"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requestsPerSecond"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// StateConfig selects where panel state mutations are applied.
type StateConfig struct {
	Backend       string `envconfig:"STATE_BACKEND" default:"memory" yaml:"backend"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379" yaml:"redisAddr"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" yaml:"redisPassword"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" yaml:"redisDb"`
	KeyPrefix     string `envconfig:"STATE_KEY_PREFIX" default:"nexus:panel:" yaml:"keyPrefix"`
}

// ExtensionConfig configures the built-in extensions.
type ExtensionConfig struct {
	HTTPEnabled      bool     `envconfig:"EXT_HTTP_ENABLED" default:"true" yaml:"httpEnabled"`
	HTTPTimeoutMS    int64    `envconfig:"EXT_HTTP_TIMEOUT_MS" default:"10000" yaml:"httpTimeoutMs"`
	HTTPRetries      int      `envconfig:"EXT_HTTP_RETRIES" default:"2" yaml:"httpRetries"`
	HTTPRateLimit    float64  `envconfig:"EXT_HTTP_RPS" default:"20" yaml:"httpRateLimit"`
	HTTPBurst        int      `envconfig:"EXT_HTTP_BURST" default:"40" yaml:"httpBurst"`
	HTTPAllowedHosts []string `envconfig:"EXT_HTTP_ALLOWED_HOSTS" yaml:"httpAllowedHosts"`
	HTTPAllowPrivate bool     `envconfig:"EXT_HTTP_ALLOW_PRIVATE" default:"false" yaml:"httpAllowPrivate"`
	MaxResumeRounds  int      `envconfig:"EXT_MAX_RESUME_ROUNDS" default:"32" yaml:"maxResumeRounds"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlpEndpoint"`
	Insecure     bool   `envconfig:"OTEL_INSECURE" default:"true" yaml:"insecure"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"nexus-runtime" yaml:"serviceName"`
}

// MemoryLimit returns the per-instance memory limit in bytes.
// MemoryLimitBytes, when set, takes precedence over MemoryLimitMB.
func (c RuntimeConfig) MemoryLimit() uint64 {
	if c.MemoryLimitBytes > 0 {
		return c.MemoryLimitBytes
	}
	if c.MemoryLimitMB <= 0 {
		return 0
	}
	return uint64(c.MemoryLimitMB) * MiB
}

// Timeout returns the default per-turn execution timeout.
func (c RuntimeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SuspensionTimeout returns how long a suspension may wait for resume.
func (c RuntimeConfig) SuspensionTimeout() time.Duration {
	return time.Duration(c.SuspensionTimeoutMS) * time.Millisecond
}

// Validate rejects configurations the runtime cannot honour.
func (c RuntimeConfig) Validate() error {
	var errs []error
	if c.MaxInstances <= 0 {
		errs = append(errs, errors.New("max_instances must be greater than 0"))
	}
	if c.MinInstances < 0 || c.MinInstances > c.MaxInstances {
		errs = append(errs, fmt.Errorf("min_instances must be between 0 and max_instances (%d)", c.MaxInstances))
	}
	if c.MemoryLimit() < MinMemoryLimit {
		errs = append(errs, fmt.Errorf("memory limit must be at least %d bytes, got %d", MinMemoryLimit, c.MemoryLimit()))
	}
	if c.TimeoutMS <= 0 {
		errs = append(errs, errors.New("timeout_ms must be positive"))
	}
	if c.MaxHostCalls <= 0 {
		errs = append(errs, errors.New("max_host_calls must be positive"))
	}
	if c.MaxCacheSizeBytes <= 0 {
		errs = append(errs, errors.New("max_cache_size_bytes must be positive"))
	}
	if c.SuspensionTimeoutMS <= 0 {
		errs = append(errs, errors.New("suspension_timeout_ms must be positive"))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("runtime version tag must not be empty"))
	}
	return errors.Join(errs...)
}

// Load loads configuration from environment variables. When CONFIG_FILE
// names a YAML file its values are applied on top of the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Runtime.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}
	return &cfg, nil
}

// LoadFile decodes a YAML file into cfg, leaving absent keys untouched.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// DefaultRuntime returns the default runtime tunables.
func DefaultRuntime() RuntimeConfig {
	return RuntimeConfig{
		MaxInstances:        10,
		MinInstances:        1,
		MemoryLimitMB:       32,
		TimeoutMS:           5000,
		MaxHostCalls:        10000,
		MaxStateMutations:   1000,
		MaxEvents:           100,
		MaxCallStack:        1024,
		CacheDir:            ".nexus-cache",
		MaxCacheSizeBytes:   64 * MiB,
		SuspensionTimeoutMS: 30000,
		Version:             "v1",
	}
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Runtime: DefaultRuntime(),
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10000,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		State: StateConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "nexus:panel:",
		},
		Extensions: ExtensionConfig{
			HTTPEnabled:     true,
			HTTPTimeoutMS:   10000,
			HTTPRetries:     2,
			HTTPRateLimit:   20,
			HTTPBurst:       40,
			MaxResumeRounds: 32,
		},
		Telemetry: TelemetryConfig{
			Insecure:    true,
			ServiceName: "nexus-runtime",
		},
	}
}
