// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the alert relay and its clients.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Client    ClientConfig    `yaml:"client"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // empty = any origin
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry
	OtelServiceName     string        `yaml:"otel_service_name"`
	OtelServiceVersion  string        `yaml:"otel_service_version"`
	OtelTracesEnabled   bool          `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool          `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64       `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
	OtelInsecure        bool          `yaml:"otel_insecure"`          // plaintext OTLP
	OtelExportInterval  time.Duration `yaml:"otel_export_interval"`
}

// BrokerConfig holds relay behavior settings.
type BrokerConfig struct {
	NodeID string `yaml:"node_id"`

	// Lease of a subscription; clients renew before it runs out.
	SubscriptionTTL time.Duration `yaml:"subscription_ttl"`
	// How long a publication is replayed to new subscribers after issuance.
	Retention time.Duration `yaml:"retention"`
	// Interval of transport pings sent to every connection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	MaxMessageSize      int `yaml:"max_message_size"`
	MaxRetainedMessages int `yaml:"max_retained_messages"` // 0 = unlimited

	// Only route "s2:<cell>[:<tag>]" topics.
	StrictTopics bool `yaml:"strict_topics"`
}

// ClientConfig holds settings of the client library.
type ClientConfig struct {
	Transport         string        `yaml:"transport"` // "websocket" or "loopback"
	URL               string        `yaml:"url"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	RetrySeconds      int           `yaml:"retry_seconds"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	RenewInterval     time.Duration `yaml:"renew_interval"`
	EchoTTL           time.Duration `yaml:"echo_ttl"`
	AlertTTL          time.Duration `yaml:"alert_ttl"`
	Tags              []string      `yaml:"tags"` // topic families in priority order
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects the retained message backend. Both backends keep
// data in memory only.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	Connection ConnectionRateLimitConfig `yaml:"connection"`
	Publish    TokenBucketConfig         `yaml:"publish"`
	Subscribe  TokenBucketConfig         `yaml:"subscribe"`
}

// ConnectionRateLimitConfig limits connection attempts per IP.
type ConnectionRateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TokenBucketConfig limits one kind of request per connection.
type TokenBucketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // per second
	Burst   int     `yaml:"burst"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include alert payload in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
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
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Cell topics; alerts in sub-cells match (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSAddr:          ":8080",
			WSPath:          "/",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "yz-relay",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
			OtelExportInterval:  10 * time.Second,
		},
		Broker: BrokerConfig{
			NodeID:              "relay-1",
			SubscriptionTTL:     60 * time.Minute,
			Retention:           10 * time.Minute,
			HeartbeatInterval:   10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxMessageSize:      64 * 1024,
			MaxRetainedMessages: 100000,
		},
		Client: ClientConfig{
			Transport:         "websocket",
			URL:               "ws://localhost:8080/",
			DialTimeout:       10 * time.Second,
			RetrySeconds:      90,
			InactivityTimeout: 5 * time.Minute,
			RenewInterval:     55 * time.Minute,
			EchoTTL:           10 * time.Minute,
			AlertTTL:          10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionRateLimitConfig{
				Enabled:         true,
				Rate:            100.0 / 60.0,
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Publish: TokenBucketConfig{
				Enabled: true,
				Rate:    20,
				Burst:   60,
			},
			Subscribe: TokenBucketConfig{
				Enabled: true,
				Rate:    50,
				Burst:   100,
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  false,
			ShutdownTimeout: 30 * time.Second,
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

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with '/'")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelExportInterval <= 0 {
			return fmt.Errorf("server.otel_export_interval must be positive when metrics enabled")
		}
	}

	if c.Broker.SubscriptionTTL <= 0 {
		return fmt.Errorf("broker.subscription_ttl must be positive")
	}
	if c.Broker.Retention <= 0 {
		return fmt.Errorf("broker.retention must be positive")
	}
	if c.Broker.HeartbeatInterval < time.Second {
		return fmt.Errorf("broker.heartbeat_interval must be at least 1 second")
	}
	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if c.Broker.MaxRetainedMessages < 0 {
		return fmt.Errorf("broker.max_retained_messages cannot be negative")
	}

	validTransports := map[string]bool{"websocket": true, "loopback": true}
	if !validTransports[c.Client.Transport] {
		return fmt.Errorf("client.transport must be one of: websocket, loopback")
	}
	if c.Client.Transport == "websocket" && c.Client.URL == "" {
		return fmt.Errorf("client.url required when transport is websocket")
	}
	if c.Client.RetrySeconds < 1 {
		return fmt.Errorf("client.retry_seconds must be at least 1")
	}
	if c.Client.InactivityTimeout <= 0 {
		return fmt.Errorf("client.inactivity_timeout must be positive")
	}
	if c.Client.RenewInterval <= 0 || c.Client.RenewInterval >= c.Broker.SubscriptionTTL {
		return fmt.Errorf("client.renew_interval must be positive and shorter than broker.subscription_ttl")
	}
	if c.Client.EchoTTL <= 0 {
		return fmt.Errorf("client.echo_ttl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("ratelimit.connection rate and burst must be positive")
		}
		if c.RateLimit.Publish.Enabled && (c.RateLimit.Publish.Rate <= 0 || c.RateLimit.Publish.Burst < 1) {
			return fmt.Errorf("ratelimit.publish rate and burst must be positive")
		}
		if c.RateLimit.Subscribe.Enabled && (c.RateLimit.Subscribe.Rate <= 0 || c.RateLimit.Subscribe.Burst < 1) {
			return fmt.Errorf("ratelimit.subscribe rate and burst must be positive")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
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
