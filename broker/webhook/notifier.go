// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/YZ-social/Yz.social/broker/events"
	"github.com/YZ-social/Yz.social/config"
	"github.com/YZ-social/Yz.social/topics"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// ErrNilSender is returned by NewNotifier without a sender.
var ErrNilSender = errors.New("sender cannot be nil")

// GenericNotifier implements webhook notifications with worker pool and circuit breaker.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	brokerID   string
	endpoints  []endpointConfig
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	clock      clock.Clock
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool // event type filters
	topicFilters []string        // cell topics; events below them match
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type eventJob struct {
	envelope *events.Envelope
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a new generic webhook notifier.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, clk clock.Clock, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if sender == nil {
		return nil, ErrNilSender
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retryConfig,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook_circuit_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:        cfg,
		brokerID:   brokerID,
		endpoints:  endpoints,
		eventQueue: make(chan eventJob, max(cfg.QueueSize, 1)),
		breakers:   breakers,
		sender:     sender,
		clock:      clk,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	workers := max(cfg.Workers, 1)
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(n.eventQueue)),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// IncludePayload reports whether alert events carry their payload.
func (n *GenericNotifier) IncludePayload() bool {
	return n.cfg.IncludePayload
}

// Notify queues an event for all matching endpoints.
func (n *GenericNotifier) Notify(_ context.Context, ev events.Event) error {
	if n.ctx.Err() != nil {
		return context.Canceled
	}

	var envelope *events.Envelope
	for _, endpoint := range n.endpoints {
		if !shouldNotify(endpoint, ev) {
			continue
		}
		if envelope == nil {
			envelope = events.Wrap(ev, n.brokerID, n.clock.Now())
		}
		n.enqueue(eventJob{envelope: envelope, endpoint: endpoint})
	}

	return nil
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.eventQueue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.eventQueue:
		default:
		}
		select {
		case n.eventQueue <- job:
			return
		default:
		}
	}
	n.logger.Warn("webhook_queue_full_event_dropped",
		slog.String("event_type", job.envelope.EventType),
		slog.String("endpoint", job.endpoint.name))
}

func shouldNotify(endpoint endpointConfig, event events.Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[event.Type()] {
		return false
	}

	if event.Topic() != "" && len(endpoint.topicFilters) > 0 {
		for _, filter := range endpoint.topicFilters {
			if topicMatches(filter, event.Topic()) {
				return true
			}
		}
		return false
	}

	return true
}

// topicMatches reports whether topic is the filter topic or addresses a cell
// inside the filter's cell within the same tag family. Non-cell topics only
// match exactly.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fc, ftag, err := topics.Parse(filter)
	if err != nil {
		return false
	}
	tc, ttag, err := topics.Parse(topic)
	if err != nil {
		return false
	}
	return ftag == ttag && fc.Contains(tc)
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends a webhook through the endpoint breaker and schedules a retry on failure.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		n.logger.Warn("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.envelope.EventType),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)

	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.envelope.EventType),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	n.clock.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.eventQueue <- job:
		default:
			n.logger.Warn("webhook_requeue_failed",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.envelope.EventType))
		}
	})
}

func (n *GenericNotifier) send(job eventJob) error {
	payload, err := json.Marshal(job.envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.envelope.EventType))

	return nil
}

// retryDelay returns the exponential backoff delay for an attempt.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close gracefully shuts down the notifier.
func (n *GenericNotifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
		n.logger.Info("webhook_notifier_stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook_notifier_shutdown_timeout",
			slog.Int("queue_depth", len(n.eventQueue)))
	}

	return nil
}
