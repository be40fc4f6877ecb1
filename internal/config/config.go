// Package config loads and validates application configuration from YAML files,
// an optional .env file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/surveysync/model"
)

// Config is the root application configuration.
type Config struct {
	Remote        RemoteConfig        `yaml:"remote"`
	Endpoints     EndpointsConfig     `yaml:"endpoints"`
	Cache         CacheConfig         `yaml:"cache"`
	Autosave      AutosaveConfig      `yaml:"autosave"`
	Queue         QueueConfig         `yaml:"queue"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Connectivity  ConnectivityConfig  `yaml:"connectivity"`
	Agent         AgentConfig         `yaml:"agent"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RemoteConfig describes the survey service.
type RemoteConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	OpenAPISpec    string               `yaml:"openapi_spec"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes the retry policy of the request executor.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	RateLimitFallback time.Duration `yaml:"rate_limit_fallback"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// EndpointsConfig maps an endpoint kind to its ordered candidate path
// templates. Kinds left empty keep their defaults.
type EndpointsConfig map[string][]string

// CacheConfig describes the TTL cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AutosaveConfig describes the engine timers.
type AutosaveConfig struct {
	Delay       time.Duration `yaml:"delay"`
	SavedRevert time.Duration `yaml:"saved_revert"`
	ErrorRevert time.Duration `yaml:"error_revert"`
}

// QueueConfig describes offline queue replay.
type QueueConfig struct {
	ReplayRate     float64       `yaml:"replay_rate"`
	ReplayBurst    int           `yaml:"replay_burst"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
}

// StorageConfig describes local durable storage for drafts and the queue.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig describes where the bearer token comes from.
type AuthConfig struct {
	TokenEnv string `yaml:"token_env"`
	LoginURL string `yaml:"login_url"`
}

// ConnectivityConfig describes the connectivity prober.
type ConnectivityConfig struct {
	ProbePath     string        `yaml:"probe_path"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// AgentConfig describes the local sync agent HTTP server.
type AgentConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find local survey definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	Fallback    bool     `yaml:"fallback"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultEndpoints returns the default candidate path templates per kind.
func DefaultEndpoints() EndpointsConfig {
	return EndpointsConfig{
		model.EndpointDefinition: {
			"/survey/{type}/questions",
			"/survey/questions/{type}",
			"/api/survey/{type}/questions",
			"/surveys/{type}/definition",
		},
		model.EndpointResponses: {
			"/survey/responses/{client}/{type}",
			"/survey/{type}/responses/{client}",
			"/api/survey/responses?client_id={client}&survey_type={type}",
			"/surveys/{type}/clients/{client}/responses",
		},
		model.EndpointSave: {
			"/survey/responses",
			"/survey/{type}/responses/{client}",
			"/survey/{type}/responses",
			"/api/survey/{type}/responses",
			"/survey/{type}",
		},
		model.EndpointComplete: {"/survey/complete"},
		model.EndpointBatch:    {"/survey/responses/batch"},
		model.EndpointStatus:   {"/survey/status/{client}/{type}"},
		model.EndpointUpload:   {"/survey/upload"},
		model.EndpointExport:   {"/survey/export/{client}/{type}?format={format}"},
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxRetries:        3,
				BaseDelay:         1000 * time.Millisecond,
				RateLimitFallback: 5000 * time.Millisecond,
				MaxRetryAfter:     60 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          30 * time.Second,
			},
		},
		Endpoints: DefaultEndpoints(),
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Autosave: AutosaveConfig{
			Delay:       1000 * time.Millisecond,
			SavedRevert: 2 * time.Second,
			ErrorRevert: 3 * time.Second,
		},
		Queue: QueueConfig{
			ReplayRate:     5,
			ReplayBurst:    1,
			ReplayInterval: 60 * time.Second,
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			Path:            "surveysync.db",
			KeyPrefix:       "surveysync",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenEnv: "SURVEYSYNC_TOKEN",
		},
		Connectivity: ConnectivityConfig{
			ProbePath:     "/health",
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Agent: AgentConfig{
			Port:            8089,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Fallback: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a .env file (if present) next to the working directory, then a
// YAML config file, applies environment variable overrides, and validates
// the result. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.Endpoints = mergeEndpoints(cfg.Endpoints)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// mergeEndpoints fills kinds missing or emptied in the loaded map with
// defaults.
func mergeEndpoints(loaded EndpointsConfig) EndpointsConfig {
	merged := DefaultEndpoints()
	for kind, paths := range loaded {
		if len(paths) > 0 {
			merged[kind] = paths
		}
	}
	return merged
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Remote.BaseURL == "" {
		errs = append(errs, "remote.base_url is required")
	} else if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		errs = append(errs, "remote.base_url must be an http(s) URL")
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, "remote.timeout must be positive")
	}
	if c.Remote.Retry.MaxRetries < 0 {
		errs = append(errs, "remote.retry.max_retries must not be negative")
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl must be positive")
	}
	if c.Autosave.Delay <= 0 {
		errs = append(errs, "autosave.delay must be positive")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case "redis":
		if c.Storage.AddrEnv == "" {
			errs = append(errs, "storage.addr_env is required for the redis driver")
		}
	case "postgres":
		if c.Storage.DSNEnv == "" {
			errs = append(errs, "storage.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (memory, sqlite, redis, postgres)", c.Storage.Driver))
	}

	for kind := range c.Endpoints {
		if len(c.Endpoints[kind]) == 0 {
			errs = append(errs, fmt.Sprintf("endpoints.%s must list at least one path", kind))
		}
	}

	if c.Agent.Port < 1 || c.Agent.Port > 65535 {
		errs = append(errs, "agent.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SURVEYSYNC_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SURVEYSYNC_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SURVEYSYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = d
		}
	}
	if v := os.Getenv("SURVEYSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remote.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("SURVEYSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SURVEYSYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SURVEYSYNC_STORAGE_DSN_ENV"); v != "" {
		cfg.Storage.DSNEnv = v
	}
	if v := os.Getenv("SURVEYSYNC_STORAGE_ADDR_ENV"); v != "" {
		cfg.Storage.AddrEnv = v
	}
	if v := os.Getenv("SURVEYSYNC_AUTH_TOKEN_ENV"); v != "" {
		cfg.Auth.TokenEnv = v
	}
	if v := os.Getenv("SURVEYSYNC_AGENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.Port = n
		}
	}
	if v := os.Getenv("SURVEYSYNC_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
