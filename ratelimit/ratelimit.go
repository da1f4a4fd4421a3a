// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter limits connection attempts per remote host.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*hostEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHostLimiter creates a per-host limiter allowing r attempts per second
// with the given burst. Entries idle for twice the cleanup interval are evicted.
func NewHostLimiter(r float64, burst int, cleanupInterval time.Duration) *HostLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	l := &HostLimiter{
		limiters: make(map[string]*hostEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from remote ("host:port" or bare host)
// may proceed.
func (l *HostLimiter) Allow(remote string) bool {
	host := hostOf(remote)
	if host == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[host]
	if !ok {
		entry = &hostEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked hosts.
func (l *HostLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *HostLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *HostLimiter) evict(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for host, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, host)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *HostLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientLimiter limits publish and subscribe rates per client identifier.
type ClientLimiter struct {
	mu           sync.Mutex
	publish      map[string]*rate.Limiter
	subscribe    map[string]*rate.Limiter
	publishRate  rate.Limit
	publishBurst int
	subRate      rate.Limit
	subBurst     int
}

// NewClientLimiter creates a per-client limiter.
func NewClientLimiter(publishRate float64, publishBurst int, subRate float64, subBurst int) *ClientLimiter {
	return &ClientLimiter{
		publish:      make(map[string]*rate.Limiter),
		subscribe:    make(map[string]*rate.Limiter),
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		subRate:      rate.Limit(subRate),
		subBurst:     subBurst,
	}
}

// AllowPublish reports whether clientID may publish now.
func (l *ClientLimiter) AllowPublish(clientID string) bool {
	return l.take(l.publish, clientID, l.publishRate, l.publishBurst)
}

// AllowSubscribe reports whether clientID may subscribe now.
func (l *ClientLimiter) AllowSubscribe(clientID string) bool {
	return l.take(l.subscribe, clientID, l.subRate, l.subBurst)
}

func (l *ClientLimiter) take(m map[string]*rate.Limiter, clientID string, r rate.Limit, burst int) bool {
	l.mu.Lock()
	limiter, ok := m[clientID]
	if !ok {
		limiter = rate.NewLimiter(r, burst)
		m[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets the limiters of a disconnected client.
func (l *ClientLimiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.publish, clientID)
	delete(l.subscribe, clientID)
}

func hostOf(remote string) string {
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
}

// ConnectionConfig holds per-host connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per host
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// PublishConfig holds per-client publish rate limiting settings.
type PublishConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds per-client subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscriptions per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns limits generous enough for interactive use.
// Rate limiting is off unless enabled explicitly.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1, // 60 connections per minute per host
			Burst:           10,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: PublishConfig{
			Enabled: true,
			Rate:    100,
			Burst:   50,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    10,
			Burst:   10,
		},
	}
}

// Manager coordinates the connection and per-client limiters.
// A nil Manager allows everything.
type Manager struct {
	config Config
	hosts  *HostLimiter
	client *ClientLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.hosts = NewHostLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Subscribe.Enabled {
		m.client = NewClientLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// Enabled reports whether any limiting is active.
func (m *Manager) Enabled() bool {
	return m != nil && m.config.Enabled
}

// AllowConnection checks if a new connection from remote is allowed.
func (m *Manager) AllowConnection(remote string) bool {
	if !m.Enabled() || m.hosts == nil {
		return true
	}
	return m.hosts.Allow(remote)
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if !m.Enabled() || m.client == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.client.AllowPublish(clientID)
}

// AllowSubscribe checks if a subscription from the given client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if !m.Enabled() || m.client == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.client.AllowSubscribe(clientID)
}

// OnClientDisconnect cleans up limiters for a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if !m.Enabled() || m.client == nil {
		return
	}
	m.client.Remove(clientID)
}

// Stop releases background resources.
func (m *Manager) Stop() {
	if m != nil && m.hosts != nil {
		m.hosts.Stop()
	}
}
