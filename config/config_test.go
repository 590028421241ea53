// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.WSAddr != ":8080" {
		t.Errorf("expected default ws addr :8080, got %s", cfg.Server.WSAddr)
	}
	if cfg.Broker.SubscriptionTTL != 60*time.Minute {
		t.Errorf("expected subscription ttl 60m, got %v", cfg.Broker.SubscriptionTTL)
	}
	if cfg.Broker.Retention != 10*time.Minute {
		t.Errorf("expected retention 10m, got %v", cfg.Broker.Retention)
	}
	if cfg.Broker.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected heartbeat 10s, got %v", cfg.Broker.HeartbeatInterval)
	}
	if cfg.Client.RetrySeconds != 90 {
		t.Errorf("expected retry countdown 90, got %d", cfg.Client.RetrySeconds)
	}
	if cfg.Client.InactivityTimeout != 5*time.Minute {
		t.Errorf("expected inactivity timeout 5m, got %v", cfg.Client.InactivityTimeout)
	}
	if cfg.Client.RenewInterval != 55*time.Minute {
		t.Errorf("expected renew interval 55m, got %v", cfg.Client.RenewInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "default config is valid",
			modify: func(c *Config) {},
		},
		{
			name:    "empty websocket address",
			modify:  func(c *Config) { c.Server.WSAddr = "" },
			wantErr: true,
		},
		{
			name:    "relative websocket path",
			modify:  func(c *Config) { c.Server.WSPath = "ws" },
			wantErr: true,
		},
		{
			name:    "renewal not shorter than lease",
			modify:  func(c *Config) { c.Client.RenewInterval = c.Broker.SubscriptionTTL },
			wantErr: true,
		},
		{
			name:    "zero retention",
			modify:  func(c *Config) { c.Broker.Retention = 0 },
			wantErr: true,
		},
		{
			name:    "sub-second heartbeat",
			modify:  func(c *Config) { c.Broker.HeartbeatInterval = 100 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown transport",
			modify:  func(c *Config) { c.Client.Transport = "carrier-pigeon" },
			wantErr: true,
		},
		{
			name: "loopback transport needs no url",
			modify: func(c *Config) {
				c.Client.Transport = "loopback"
				c.Client.URL = ""
			},
		},
		{
			name:    "unknown storage",
			modify:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name: "invalid trace sample rate",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "zero otel export interval",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelExportInterval = 0
			},
			wantErr: true,
		},
		{
			name: "rate limit with zero burst",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Publish.Burst = 0
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http"}}
			},
			wantErr: true,
		},
		{
			name: "valid webhook endpoint",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http", URL: "http://example.com"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.WSAddr != ":8080" {
		t.Errorf("expected default config, got ws addr %s", cfg.Server.WSAddr)
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("broker:\n  retention: 5m\nclient:\n  tags: [fire, flood]\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Retention != 5*time.Minute {
		t.Errorf("expected retention 5m, got %v", cfg.Broker.Retention)
	}
	if cfg.Broker.SubscriptionTTL != 60*time.Minute {
		t.Errorf("unset fields must keep defaults, got %v", cfg.Broker.SubscriptionTTL)
	}
	if len(cfg.Client.Tags) != 2 || cfg.Client.Tags[0] != "fire" {
		t.Errorf("expected tags [fire flood], got %v", cfg.Client.Tags)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}

	if err := os.WriteFile(path, []byte("log: [unclosed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.WSAddr = ":9090"
	cfg.Broker.SubscriptionTTL = 30 * time.Minute
	cfg.Client.RenewInterval = 25 * time.Minute
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.WSAddr != ":9090" {
		t.Errorf("expected ws addr :9090, got %s", loaded.Server.WSAddr)
	}
	if loaded.Broker.SubscriptionTTL != 30*time.Minute {
		t.Errorf("expected subscription ttl 30m, got %v", loaded.Broker.SubscriptionTTL)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
