// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Store         StoreConfig         `yaml:"store"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Tracking      TrackingConfig      `yaml:"tracking"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig describes operator API bearer-token validation. The signing
// secret is read from the environment variable named by SecretEnv.
type AuthConfig struct {
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	SecretEnv string        `yaml:"secret_env"`
	Leeway    time.Duration `yaml:"leeway"`
}

// StoreConfig describes engine persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// ScannerConfig describes the due-work scanner.
type ScannerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	DispatchLease time.Duration `yaml:"dispatch_lease"`
}

// ChannelsConfig holds one provider configuration per channel.
type ChannelsConfig struct {
	Email ChannelConfig `yaml:"email"`
	SMS   ChannelConfig `yaml:"sms"`
	Voice ChannelConfig `yaml:"voice"`
}

// ChannelConfig describes a transport provider. Driver "log" only logs the
// send; "http" posts to BaseURL.
type ChannelConfig struct {
	Driver         string               `yaml:"driver"`
	BaseURL        string               `yaml:"base_url"`
	APIKeyEnv      string               `yaml:"api_key_env"`
	From           string               `yaml:"from"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per provider.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig bounds the retries made before a send is recorded as FAILED.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// TrackingConfig describes engagement tracking.
type TrackingConfig struct {
	BaseURL         string        `yaml:"base_url"`
	LinkSecretEnv   string        `yaml:"link_secret_env"`
	WebhookTokenEnv string        `yaml:"webhook_token_env"`
	DedupeTTL       time.Duration `yaml:"dedupe_ttl"`
}

// IdempotencyConfig describes the engagement de-duplication store.
type IdempotencyConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// EventsConfig describes the NATS JetStream integration.
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	TriggerSubject string        `yaml:"trigger_subject"`
	EventPrefix    string        `yaml:"event_prefix"`
	ConsumerName   string        `yaml:"consumer_name"`
	AckWait        time.Duration `yaml:"ack_wait"`
	MaxDeliver     int           `yaml:"max_deliver"`
}

// DefinitionsConfig describes where to find workflow definition YAML files
// that are seeded into the store at start-up.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
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

func defaultChannel() ChannelConfig {
	return ChannelConfig{
		Driver:  "log",
		Timeout: 10 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    200 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        2 * time.Second,
		},
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Auth: AuthConfig{
			SecretEnv: "NEXREL_JWT_SECRET",
			Leeway:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "NEXREL_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Scanner: ScannerConfig{
			Enabled:       true,
			Interval:      time.Minute,
			BatchSize:     200,
			DispatchLease: 10 * time.Minute,
		},
		Channels: ChannelsConfig{
			Email: defaultChannel(),
			SMS:   defaultChannel(),
			Voice: defaultChannel(),
		},
		Tracking: TrackingConfig{
			LinkSecretEnv:   "NEXREL_LINK_SECRET",
			WebhookTokenEnv: "NEXREL_WEBHOOK_TOKEN",
			DedupeTTL:       72 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Driver:  "memory",
			AddrEnv: "NEXREL_REDIS_ADDR",
		},
		Events: EventsConfig{
			URL:            "nats://127.0.0.1:4222",
			Stream:         "NEXREL",
			TriggerSubject: "nexrel.triggers.>",
			EventPrefix:    "nexrel.events",
			ConsumerName:   "nexrel-triggers",
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
		},
		Definitions: DefinitionsConfig{},
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Auth.Issuer == "" {
		errs = append(errs, "auth.issuer is required")
	}
	if c.Auth.Audience == "" {
		errs = append(errs, "auth.audience is required")
	}
	if c.Auth.SecretEnv == "" {
		errs = append(errs, "auth.secret_env is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	if c.Scanner.Enabled && c.Scanner.Interval <= 0 {
		errs = append(errs, "scanner.interval must be positive")
	}
	if c.Scanner.BatchSize < 1 {
		errs = append(errs, "scanner.batch_size must be at least 1")
	}
	if c.Scanner.DispatchLease <= 0 {
		errs = append(errs, "scanner.dispatch_lease must be positive")
	}

	for name, ch := range map[string]ChannelConfig{
		"email": c.Channels.Email,
		"sms":   c.Channels.SMS,
		"voice": c.Channels.Voice,
	} {
		switch ch.Driver {
		case "log", "disabled":
		case "http":
			if ch.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("channels.%s.base_url is required for the http driver", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("channels.%s.driver %q must be log, http or disabled", name, ch.Driver))
		}
	}

	if c.Tracking.BaseURL != "" && c.Tracking.LinkSecretEnv == "" {
		errs = append(errs, "tracking.link_secret_env is required when tracking.base_url is set")
	}

	switch c.Idempotency.Driver {
	case "memory":
	case "redis":
		if c.Idempotency.AddrEnv == "" {
			errs = append(errs, "idempotency.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
	}

	if c.Events.Enabled {
		if c.Events.URL == "" {
			errs = append(errs, "events.url is required when events are enabled")
		}
		if c.Events.Stream == "" {
			errs = append(errs, "events.stream is required when events are enabled")
		}
	}

	if len(errs) > 0 {
		// Map iteration above is unordered; keep messages stable.
		slices.Sort(errs)
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads NEXREL_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEXREL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("NEXREL_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("NEXREL_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("NEXREL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("NEXREL_SCANNER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scanner.Interval = d
		}
	}
	if v := os.Getenv("NEXREL_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("NEXREL_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
	}
	if v := os.Getenv("NEXREL_TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("NEXREL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
