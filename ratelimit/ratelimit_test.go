// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// 5 requests per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := "192.168.1.1:1234"

	if !limiter.Allow(addr) {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second request (within burst) should be allowed")
	}
	if limiter.Allow(addr) {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("Request after token refill should be allowed")
	}
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("192.168.1.1:1234") {
		t.Error("First request from IP1 should be allowed")
	}
	if !limiter.Allow("192.168.1.2:1234") {
		t.Error("First request from IP2 should be allowed")
	}
	if limiter.Allow("192.168.1.1:5678") {
		t.Error("Second request from IP1 should be rate limited regardless of port")
	}
}

func TestIPRateLimiter_EmptyAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("") {
			t.Error("Requests without an address should always be allowed")
		}
	}
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow("10.0.0.1:1")
	limiter.removeStale(time.Now().Add(3 * time.Minute))

	limiter.mu.Lock()
	n := len(limiter.limiters)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("expected stale entries to be removed, got %d", n)
	}
}

func TestConnRateLimiter(t *testing.T) {
	limiter := NewConnRateLimiter(1, 2, 1, 1)

	if !limiter.AllowPublish("c1") || !limiter.AllowPublish("c1") {
		t.Error("Publishes within burst should be allowed")
	}
	if limiter.AllowPublish("c1") {
		t.Error("Publish beyond burst should be limited")
	}
	if !limiter.AllowPublish("c2") {
		t.Error("Other connections have their own bucket")
	}

	if !limiter.AllowSubscribe("c1") {
		t.Error("First subscribe should be allowed")
	}
	if limiter.AllowSubscribe("c1") {
		t.Error("Second subscribe should be limited")
	}

	limiter.Remove("c1")
	if !limiter.AllowPublish("c1") || !limiter.AllowSubscribe("c1") {
		t.Error("Removed connection should start with a fresh bucket")
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	defer m.Stop()

	for i := 0; i < 100; i++ {
		if !m.AllowConnection("192.168.1.1:1") || !m.AllowPublish("c1") || !m.AllowSubscribe("c1") {
			t.Fatal("Disabled manager should allow everything")
		}
	}
}

func TestManager_Nil(t *testing.T) {
	var m *Manager
	if !m.AllowConnection("a:1") || !m.AllowPublish("c") || !m.AllowSubscribe("c") {
		t.Error("Nil manager should allow everything")
	}
	m.OnDisconnect("c")
	m.Stop()
}

func TestManager_SelectiveEnable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Connection.Enabled = false
	cfg.Publish = RateConfig{Enabled: true, Rate: 1, Burst: 1}
	cfg.Subscribe.Enabled = false

	m := NewManager(cfg)
	defer m.Stop()

	for i := 0; i < 10; i++ {
		if !m.AllowConnection("192.168.1.1:1") {
			t.Fatal("Connection limiting is disabled")
		}
		if !m.AllowSubscribe("c1") {
			t.Fatal("Subscribe limiting is disabled")
		}
	}
	if !m.AllowPublish("c1") {
		t.Error("First publish should be allowed")
	}
	if m.AllowPublish("c1") {
		t.Error("Second publish should be limited")
	}
	m.OnDisconnect("c1")
	if !m.AllowPublish("c1") {
		t.Error("Publish after disconnect cleanup should be allowed")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.1:1234", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"loopback", "loopback"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractIP(tt.addr); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("Rate limiting should be disabled by default")
	}
	if cfg.Connection.Rate <= 0 || cfg.Publish.Burst <= 0 || cfg.Subscribe.Burst <= 0 {
		t.Error("Defaults should be positive")
	}
}
