// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mqttlab/ratelimit"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPort is returned when operator input is not a usable TCP port.
var ErrInvalidPort = errors.New("invalid port")

// Config holds all configuration for the harness.
type Config struct {
	Broker    BrokerConfig     `yaml:"broker"`
	Clients   ClientsConfig    `yaml:"clients"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Events    EventsConfig     `yaml:"events"`
	Log       LogConfig        `yaml:"log"`
	Server    ServerConfig     `yaml:"server"`
	Webhook   WebhookConfig    `yaml:"webhook"`
}

// BrokerConfig holds the embedded broker settings.
type BrokerConfig struct {
	// Listen host; empty listens on all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Credentials every client must present.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Client identifiers shorter than this are refused.
	MinClientIDLength int `yaml:"min_client_id_length"`

	// Zero waits indefinitely for the listener.
	StartTimeout time.Duration `yaml:"start_timeout"`
	Autostart    bool          `yaml:"autostart"`
}

// ClientsConfig holds settings shared by the publisher and subscriber.
type ClientsConfig struct {
	Host              string        `yaml:"host"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	CleanSession      bool          `yaml:"clean_session"`
	ProtocolVersion   uint          `yaml:"protocol_version"` // 3 (3.1) or 4 (3.1.1)
	StartTimeout      time.Duration `yaml:"start_timeout"`    // Zero waits indefinitely
	DisconnectQuiesce time.Duration `yaml:"disconnect_quiesce"`
	Autostart         bool          `yaml:"autostart"`

	Publisher  ClientConfig `yaml:"publisher"`
	Subscriber ClientConfig `yaml:"subscriber"`
}

// ClientConfig holds per-role client settings.
type ClientConfig struct {
	ClientID string `yaml:"client_id"`
}

// StorageConfig holds retained message storage configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // file, badger, memory

	// File settings
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"` // none, zstd

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// EventsConfig holds event dispatch settings.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig holds the operator-facing HTTP surfaces and telemetry.
type ServerConfig struct {
	APIAddr         string        `yaml:"api_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	APIEnabled      bool          `yaml:"api_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	IncludePayload  bool              `yaml:"include_payload"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration matching the demo application.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Port:              1883,
			Username:          "username",
			Password:          "password",
			MinClientIDLength: 10,
		},
		Clients: ClientsConfig{
			Host:              "localhost",
			Username:          "username",
			Password:          "password",
			KeepAlive:         5 * time.Second,
			CleanSession:      true,
			ProtocolVersion:   4,
			DisconnectQuiesce: 250 * time.Millisecond,
			Publisher:         ClientConfig{ClientID: "ClientPublisher"},
			Subscriber:        ClientConfig{ClientID: "ClientSubscriber"},
		},
		Storage: StorageConfig{
			Type:        "file",
			Path:        "Retained.json",
			Compression: "none",
			BadgerDir:   "data/retained",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Events: EventsConfig{
			QueueSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			APIAddr:         ":8080",
			HealthAddr:      ":8081",
			WSAddr:          ":8083",
			WSPath:          "/events",
			MetricsAddr:     "localhost:4317",
			ShutdownTimeout: 10 * time.Second,
			APIEnabled:      true,
			HealthEnabled:   true,
			WSEnabled:       true,
			MetricsEnabled:  false,

			OtelServiceName:     "mqttlab",
			OtelServiceVersion:  "0.1.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       1000,
			DropPolicy:      "oldest",
			Workers:         2,
			IncludePayload:  false,
			ShutdownTimeout: 10 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validatePort(c.Broker.Port); err != nil {
		return fmt.Errorf("broker.port: %w", err)
	}
	if c.Broker.MinClientIDLength < 0 {
		return fmt.Errorf("broker.min_client_id_length cannot be negative")
	}
	if c.Broker.StartTimeout < 0 {
		return fmt.Errorf("broker.start_timeout cannot be negative")
	}

	if c.Clients.Host == "" {
		return fmt.Errorf("clients.host cannot be empty")
	}
	if c.Clients.Publisher.ClientID == "" || c.Clients.Subscriber.ClientID == "" {
		return fmt.Errorf("clients.publisher.client_id and clients.subscriber.client_id are required")
	}
	if c.Clients.ProtocolVersion != 3 && c.Clients.ProtocolVersion != 4 {
		return fmt.Errorf("clients.protocol_version must be 3 or 4")
	}
	if c.Clients.KeepAlive < time.Second {
		return fmt.Errorf("clients.keep_alive must be at least 1 second")
	}
	if c.Clients.StartTimeout < 0 {
		return fmt.Errorf("clients.start_timeout cannot be negative")
	}

	validStorage := map[string]bool{"file": true, "badger": true, "memory": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: file, badger, memory")
	}
	if c.Storage.Type == "file" {
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path required when type is file")
		}
		if c.Storage.Compression != "none" && c.Storage.Compression != "zstd" {
			return fmt.Errorf("storage.compression must be one of: none, zstd")
		}
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Events.QueueSize < 1 {
		return fmt.Errorf("events.queue_size must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when the API is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.WSEnabled && (c.Server.WSAddr == "" || !strings.HasPrefix(c.Server.WSPath, "/")) {
		return fmt.Errorf("server.ws_addr and an absolute server.ws_path are required when the event stream is enabled")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 10 {
			return fmt.Errorf("webhook.queue_size must be at least 10")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		for i, ep := range c.Webhook.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if ep.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// ParsePort parses operator-entered port text. Surrounding whitespace is
// ignored; anything else that is not an integer in 1..65535 is rejected.
func ParsePort(text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	port, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPort, text)
	}
	if err := validatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d is outside 1-65535", ErrInvalidPort, port)
	}
	return nil
}
