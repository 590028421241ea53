// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YZ-social/Yz.social/broker/events"
	"github.com/YZ-social/Yz.social/broker/webhook"
	"github.com/YZ-social/Yz.social/config"
	"github.com/YZ-social/Yz.social/storage"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultSubscriptionTTL is the lease of a subscription.
	DefaultSubscriptionTTL = 60 * time.Minute
	// DefaultHeartbeatInterval is the ping interval of every connection.
	DefaultHeartbeatInterval = 10 * time.Second

	statsInterval = 10 * time.Second
	// Deliveries to fewer receivers than this are made inline.
	parallelFanOut = 8
)

// Options configures a Broker.
type Options struct {
	NodeID            string
	SubscriptionTTL   time.Duration
	HeartbeatInterval time.Duration
	MaxMessageSize    int
	StrictTopics      bool
	FanOutWorkers     int
	Clock             clock.Clock
}

// OptionsFromConfig maps the broker configuration section to Options.
func OptionsFromConfig(cfg config.BrokerConfig) Options {
	return Options{
		NodeID:            cfg.NodeID,
		SubscriptionTTL:   cfg.SubscriptionTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxMessageSize:    cfg.MaxMessageSize,
		StrictTopics:      cfg.StrictTopics,
	}
}

func (o Options) withDefaults() Options {
	if o.SubscriptionTTL <= 0 {
		o.SubscriptionTTL = DefaultSubscriptionTTL
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Broker relays publications between connections subscribed to cell
// topics and replays retained publications to new subscribers.
type Broker struct {
	opts     Options
	clock    clock.Clock
	registry *registry
	retained storage.RetainedStore
	pool     *fanOutPool
	gen      atomic.Uint64

	mu       sync.Mutex // protects sessions and closed
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup // connection handlers and in-flight publishes
	bg       sync.WaitGroup
	stopCh   chan struct{}

	rateLimiter RateLimiter     // nil if rate limiting disabled
	logger      *slog.Logger
	stats       *Stats
	webhooks    webhook.Notifier // nil if webhooks disabled
	metrics     Metrics          // nil if metrics disabled
	tracer      trace.Tracer
}

// NewBroker creates a new broker instance.
// Parameters:
//   - retained: store for sticky publications
//   - opts: leases, heartbeat and limits
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - webhooks: Webhook notifier (nil if webhooks disabled)
//   - metrics: metrics sink (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func NewBroker(retained storage.RetainedStore, opts Options, logger *slog.Logger, stats *Stats, webhooks webhook.Notifier, metrics Metrics, tracer trace.Tracer) *Broker {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("yz-relay")
	}

	b := &Broker{
		opts:     opts,
		clock:    opts.Clock,
		registry: newRegistry(),
		retained: retained,
		pool:     newFanOutPool(opts.FanOutWorkers),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
		logger:   logger,
		stats:    stats,
		webhooks: webhooks,
		metrics:  metrics,
		tracer:   tracer,
	}

	b.bg.Add(1)
	go b.statsLoop()

	return b
}

// SetRateLimiter sets the per-connection publish/subscribe limiter.
func (b *Broker) SetRateLimiter(rl RateLimiter) {
	b.rateLimiter = rl
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Snapshot refreshes the retained count and returns the current statistics.
func (b *Broker) Snapshot(ctx context.Context) Snapshot {
	b.refreshRetained(ctx)
	return b.stats.Snapshot()
}

// SubscriberCount returns the number of registrations on topic.
func (b *Broker) SubscriberCount(topic string) int {
	return b.registry.count(topic)
}

// TopicCount returns the number of topics with at least one registration.
func (b *Broker) TopicCount() int {
	return b.registry.topicCount()
}

// ConnectionCount returns the number of live connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Ready reports whether the broker accepts connections.
func (b *Broker) Ready() bool {
	return !b.closing()
}

// Disconnect closes the connection with the given ID. Its registrations are
// removed once its handler returns.
func (b *Broker) Disconnect(connID string) error {
	s, err := b.session(connID)
	if err != nil {
		return err
	}
	return s.conn.Close()
}

// Close disconnects every connection, waits for their cleanup and stops
// background work. The retained store is left open.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
	b.wg.Wait()

	close(b.stopCh)
	b.bg.Wait()
	b.pool.Close()

	b.logger.Info("broker_closed", slog.Int("connections", len(sessions)))
	return nil
}

// acquire registers in-flight work; it fails once Close started.
func (b *Broker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Broker) closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) session(connID string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[connID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// statsLoop periodically refreshes gauges that are cheaper to poll.
func (b *Broker) statsLoop() {
	defer b.bg.Done()

	ticker := b.clock.Ticker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.refreshRetained(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) refreshRetained(ctx context.Context) {
	n, err := b.retained.Count(ctx)
	if err != nil {
		b.logError("retained_count", err)
		return
	}
	b.stats.SetRetainedMessages(int64(n))
	if b.metrics != nil {
		b.metrics.RecordRetained(int64(n))
	}
}

func (b *Broker) notify(ev events.Event) {
	if b.webhooks == nil {
		return
	}
	if err := b.webhooks.Notify(context.Background(), ev); err != nil {
		b.logger.Debug("webhook_notify_failed",
			slog.String("event", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
