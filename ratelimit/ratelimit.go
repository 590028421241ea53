// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per IP address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// rate is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from remoteAddr ("host:port" or a bare
// host) may proceed.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	ip := extractIP(remoteAddr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ConnRateLimiter limits publishes and subscribe requests per connection.
type ConnRateLimiter struct {
	mu           sync.Mutex
	pubLimiters  map[string]*rate.Limiter
	subLimiters  map[string]*rate.Limiter
	publishRate  rate.Limit
	publishBurst int
	subRate      rate.Limit
	subBurst     int
}

// NewConnRateLimiter creates a new per-connection rate limiter.
func NewConnRateLimiter(publishRate float64, publishBurst int, subRate float64, subBurst int) *ConnRateLimiter {
	return &ConnRateLimiter{
		pubLimiters:  make(map[string]*rate.Limiter),
		subLimiters:  make(map[string]*rate.Limiter),
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		subRate:      rate.Limit(subRate),
		subBurst:     subBurst,
	}
}

func (l *ConnRateLimiter) limiter(m map[string]*rate.Limiter, id string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := m[id]
	if !ok {
		limiter = rate.NewLimiter(r, burst)
		m[id] = limiter
	}
	return limiter
}

// AllowPublish reports whether the connection may publish now.
func (l *ConnRateLimiter) AllowPublish(connID string) bool {
	return l.limiter(l.pubLimiters, connID, l.publishRate, l.publishBurst).Allow()
}

// AllowSubscribe reports whether the connection may send a subscribe request now.
func (l *ConnRateLimiter) AllowSubscribe(connID string) bool {
	return l.limiter(l.subLimiters, connID, l.subRate, l.subBurst).Allow()
}

// Remove drops the limiters of a closed connection.
func (l *ConnRateLimiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pubLimiters, connID)
	delete(l.subLimiters, connID)
}

func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool

	Connection ConnectionConfig
	Publish    RateConfig
	Subscribe  RateConfig
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool
	Rate            float64       // connections per second per IP
	Burst           int           // burst allowance
	CleanupInterval time.Duration // cleanup interval for stale entries
}

// RateConfig holds a per-connection token bucket.
type RateConfig struct {
	Enabled bool
	Rate    float64 // events per second per connection
	Burst   int
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: RateConfig{
			Enabled: true,
			Rate:    20, // a publish touches up to 17 cell topics
			Burst:   60,
		},
		Subscribe: RateConfig{
			Enabled: true,
			Rate:    50,
			Burst:   100,
		},
	}
}

// Manager coordinates all rate limiters. A nil *Manager allows everything.
type Manager struct {
	config Config
	ip     *IPRateLimiter
	conn   *ConnRateLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Subscribe.Enabled {
		m.conn = NewConnRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// AllowConnection checks if a new connection from remoteAddr is allowed.
func (m *Manager) AllowConnection(remoteAddr string) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(remoteAddr)
}

// AllowPublish checks if a publish on the connection is allowed.
func (m *Manager) AllowPublish(connID string) bool {
	if m == nil || m.conn == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.conn.AllowPublish(connID)
}

// AllowSubscribe checks if a subscribe request on the connection is allowed.
func (m *Manager) AllowSubscribe(connID string) bool {
	if m == nil || m.conn == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.conn.AllowSubscribe(connID)
}

// OnDisconnect cleans up the limiters of a closed connection.
func (m *Manager) OnDisconnect(connID string) {
	if m == nil || m.conn == nil {
		return
	}
	m.conn.Remove(connID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
