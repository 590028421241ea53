// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/transport"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ReasonIdle is the Disconnect reason of the inactivity timeout. A connection
// closed for it is not retried until the next interaction.
const ReasonIdle = "idle"

// ConnectionManager owns the transport connection. It reconnects after an
// unexpected close, closes idle connections and replays every registered
// topic with a fresh identity each time a connection opens.
type ConnectionManager struct {
	transport transport.Transport
	opts      *Options
	clock     clock.Clock
	logger    *slog.Logger
	onMessage func(*core.Message)
	state     *stateManager

	// gen identifies the current connection; events of older connections
	// are ignored. Written with mu held.
	gen atomic.Uint64

	mu         sync.Mutex
	conn       transport.Conn
	identity   string
	active     bool
	topics     map[string]struct{}
	queue      []*core.Message
	retryGen   uint64
	retryTimer *clock.Timer
	idleGen    uint64
	idleTimer  *clock.Timer
}

// NewConnectionManager creates a closed connection manager. onMessage
// receives every publication of the current connection.
func NewConnectionManager(tr transport.Transport, opts *Options, onMessage func(*core.Message)) (*ConnectionManager, error) {
	if tr == nil {
		return nil, ErrNoTransport
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &ConnectionManager{
		transport: tr,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		onMessage: onMessage,
		state:     newStateManager(),
		active:    true,
		topics:    make(map[string]struct{}),
	}, nil
}

// State returns the connection state.
func (cm *ConnectionManager) State() State {
	return cm.state.get()
}

// Identity returns the subscriber identity of the current connection.
func (cm *ConnectionManager) Identity() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.identity
}

// Topics returns the registered topics in order.
func (cm *ConnectionManager) Topics() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.sortedTopics()
}

// Queued returns the number of publications waiting for a connection.
func (cm *ConnectionManager) Queued() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.queue)
}

// Connect opens a connection unless one is open or being opened. On success
// every registered topic is subscribed again, then queued publications are
// sent in order.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state.isTerminated() {
		cm.mu.Unlock()
		return ErrClientClosed
	}
	if !cm.active {
		cm.mu.Unlock()
		return ErrInactive
	}
	if !cm.state.transitionFrom(StateConnecting, StateClosed, StateRetrying) {
		cm.mu.Unlock()
		return nil
	}
	cm.cancelRetry()
	gen := cm.gen.Add(1)
	cm.mu.Unlock()

	cm.setStatus(Status{Kind: StatusConnecting})

	ctx, cancel := context.WithTimeout(ctx, cm.opts.ConnectTimeout)
	defer cancel()
	conn, err := cm.transport.Open(ctx, transport.Handlers{
		OnMessage: func(msg *core.Message) { cm.handleMessage(gen, msg) },
		OnClose:   func(err error) { cm.handleClose(gen, err) },
	})
	if err != nil {
		cm.logger.Warn("client_connect_failed", slog.String("error", err.Error()))
		cm.mu.Lock()
		failed := cm.gen.Load() == gen && cm.state.transition(StateConnecting, StateClosed)
		cm.mu.Unlock()
		if failed {
			cm.retry()
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	cm.mu.Lock()
	if cm.gen.Load() != gen || !cm.state.transition(StateConnecting, StateOpen) {
		cm.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: superseded", ErrConnectFailed)
	}
	cm.conn = conn
	cm.identity = uuid.NewString()
	identity := cm.identity

	topics := cm.sortedTopics()
	for _, topic := range topics {
		if err := conn.Send(core.NewSubscribe(topic, identity)); err != nil {
			cm.logger.Warn("client_resubscribe_failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			break
		}
	}
	queued := cm.queue
	cm.queue = nil
	for i, msg := range queued {
		if err := conn.Send(msg); err != nil {
			cm.queue = append(cm.queue, queued[i:]...)
			break
		}
	}
	cm.armIdle()
	cm.mu.Unlock()

	cm.logger.Info("client_connected",
		slog.String("identity", identity),
		slog.Int("topics", len(topics)),
		slog.Int("queued", len(queued)))
	cm.setStatus(Status{Kind: StatusClear})
	if cm.opts.OnConnect != nil {
		cm.opts.OnConnect(identity)
	}
	return nil
}

// Disconnect closes the connection. Unless reason is ReasonIdle the
// reconnect countdown starts.
func (cm *ConnectionManager) Disconnect(reason string) {
	cm.mu.Lock()
	if cm.state.isTerminated() {
		cm.mu.Unlock()
		return
	}
	conn := cm.closeLocked(StateClosed)
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	cm.logger.Info("client_disconnected", slog.String("reason", reason))

	if reason == ReasonIdle {
		cm.setStatus(Status{Kind: StatusIdle})
		return
	}
	cm.retry()
}

// Close terminates the manager. Queued publications are dropped.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state.isTerminated() {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.closeLocked(StateTerminated)
	cm.queue = nil
	cm.mu.Unlock()

	cm.logger.Info("client_closed")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ResetInactivityTimer records an interaction. An open connection gets a new
// idle period; a closed one is reopened immediately.
func (cm *ConnectionManager) ResetInactivityTimer() {
	cm.mu.Lock()
	if !cm.active || cm.state.isTerminated() {
		cm.mu.Unlock()
		return
	}
	if cm.state.isOpen() {
		cm.armIdle()
		cm.mu.Unlock()
		return
	}
	if !cm.state.canConnect() {
		cm.mu.Unlock()
		return
	}
	cm.cancelRetry()
	cm.mu.Unlock()

	go cm.connect()
}

// SetActive reports whether the application is online and visible. Going
// inactive abandons the countdown and the idle timer; going active
// reconnects if needed.
func (cm *ConnectionManager) SetActive(active bool) {
	cm.mu.Lock()
	cm.active = active
	if active {
		cm.mu.Unlock()
		cm.ResetInactivityTimer()
		return
	}
	cm.cancelRetry()
	cm.stopIdle()
	cm.state.transition(StateRetrying, StateClosed)
	cm.mu.Unlock()

	cm.setStatus(Status{Kind: StatusOffline})
}

// Send sends a publication, or queues it until a connection opens.
func (cm *ConnectionManager) Send(msg *core.Message) error {
	cm.mu.Lock()
	if cm.state.isTerminated() {
		cm.mu.Unlock()
		return ErrClientClosed
	}
	if cm.state.isOpen() && cm.conn != nil {
		err := cm.conn.Send(msg)
		if err == nil || !errors.Is(err, transport.ErrClosed) {
			cm.mu.Unlock()
			return err
		}
	}
	if len(cm.queue) >= cm.opts.MaxQueued {
		cm.mu.Unlock()
		return ErrQueueFull
	}
	cm.queue = append(cm.queue, msg)
	start := cm.active && cm.state.get() == StateClosed
	cm.mu.Unlock()

	if start {
		go cm.connect()
	}
	return nil
}

// Subscribe registers topic and subscribes to it when a connection is open.
// Registered topics are subscribed again on every new connection.
func (cm *ConnectionManager) Subscribe(topic string) error {
	cm.mu.Lock()
	if cm.state.isTerminated() {
		cm.mu.Unlock()
		return ErrClientClosed
	}
	cm.topics[topic] = struct{}{}
	if cm.state.isOpen() {
		err := cm.sendLocked(core.NewSubscribe(topic, cm.identity))
		cm.mu.Unlock()
		return err
	}
	start := cm.active && cm.state.get() == StateClosed
	cm.mu.Unlock()

	if start {
		go cm.connect()
	}
	return nil
}

// Unsubscribe removes topic from the registered topics.
func (cm *ConnectionManager) Unsubscribe(topic string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.topics[topic]; !ok {
		return nil
	}
	delete(cm.topics, topic)
	if !cm.state.isOpen() {
		return nil
	}
	return cm.sendLocked(core.NewUnsubscribe(topic, cm.identity))
}

// Renew refreshes the lease of a registered topic. It does nothing while the
// connection is not open; the next open subscribes again anyway.
func (cm *ConnectionManager) Renew(topic string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.topics[topic]; !ok || !cm.state.isOpen() {
		return nil
	}
	return cm.sendLocked(core.NewSubscribe(topic, cm.identity))
}

// sendLocked sends a subscription frame. A closed transport is not an error:
// the close handler takes over and the topic is replayed on reconnect.
func (cm *ConnectionManager) sendLocked(msg *core.Message) error {
	if cm.conn == nil {
		return nil
	}
	if err := cm.conn.Send(msg); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}

func (cm *ConnectionManager) handleMessage(gen uint64, msg *core.Message) {
	if cm.gen.Load() != gen || cm.onMessage == nil {
		return
	}
	cm.onMessage(msg)
}

func (cm *ConnectionManager) handleClose(gen uint64, err error) {
	cm.mu.Lock()
	if cm.gen.Load() != gen {
		cm.mu.Unlock()
		return
	}
	cm.closeLocked(StateClosed)
	cm.mu.Unlock()

	attrs := []any{}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	cm.logger.Warn("client_connection_lost", attrs...)
	cm.retry()
}

// closeLocked detaches the current connection and stops every timer.
func (cm *ConnectionManager) closeLocked(state State) transport.Conn {
	conn := cm.conn
	cm.gen.Add(1)
	cm.conn = nil
	cm.stopIdle()
	cm.cancelRetry()
	cm.state.set(state)
	return conn
}

// retry starts the reconnect countdown.
func (cm *ConnectionManager) retry() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		cm.setStatus(Status{Kind: StatusOffline})
		return
	}
	if !cm.state.transition(StateClosed, StateRetrying) {
		cm.mu.Unlock()
		return
	}
	cm.cancelRetry()
	remaining := cm.opts.RetrySeconds
	cm.scheduleTick(cm.retryGen, remaining)
	cm.mu.Unlock()

	cm.logger.Info("client_reconnect_scheduled", slog.Int("seconds", remaining))
	cm.setStatus(Status{Kind: StatusRetrying, Remaining: remaining})
}

// scheduleTick arms the next countdown second. Called with mu held.
func (cm *ConnectionManager) scheduleTick(gen uint64, remaining int) {
	cm.retryTimer = cm.clock.AfterFunc(time.Second, func() {
		cm.countdown(gen, remaining-1)
	})
}

func (cm *ConnectionManager) countdown(gen uint64, remaining int) {
	cm.mu.Lock()
	if gen != cm.retryGen || cm.state.get() != StateRetrying {
		cm.mu.Unlock()
		return
	}
	if remaining > 0 {
		cm.scheduleTick(gen, remaining)
		cm.mu.Unlock()
		cm.setStatus(Status{Kind: StatusRetrying, Remaining: remaining})
		return
	}
	cm.mu.Unlock()

	cm.connect()
}

// cancelRetry abandons a running countdown. Called with mu held.
func (cm *ConnectionManager) cancelRetry() {
	cm.retryGen++
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
}

// armIdle restarts the inactivity timer. Called with mu held.
func (cm *ConnectionManager) armIdle() {
	cm.stopIdle()
	if cm.opts.InactivityTimeout <= 0 {
		return
	}
	gen := cm.idleGen
	cm.idleTimer = cm.clock.AfterFunc(cm.opts.InactivityTimeout, func() {
		cm.idleExpired(gen)
	})
}

// stopIdle cancels the inactivity timer. Called with mu held.
func (cm *ConnectionManager) stopIdle() {
	cm.idleGen++
	if cm.idleTimer != nil {
		cm.idleTimer.Stop()
		cm.idleTimer = nil
	}
}

func (cm *ConnectionManager) idleExpired(gen uint64) {
	cm.mu.Lock()
	if gen != cm.idleGen || !cm.state.isOpen() {
		cm.mu.Unlock()
		return
	}
	conn := cm.closeLocked(StateClosed)
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	cm.logger.Info("client_disconnected", slog.String("reason", ReasonIdle))
	cm.setStatus(Status{Kind: StatusIdle})
}

func (cm *ConnectionManager) connect() {
	err := cm.Connect(context.Background())
	if err != nil && !errors.Is(err, ErrInactive) && !errors.Is(err, ErrClientClosed) {
		cm.logger.Debug("client_connect_attempt_failed", slog.String("error", err.Error()))
	}
}

func (cm *ConnectionManager) sortedTopics() []string {
	topics := make([]string, 0, len(cm.topics))
	for t := range cm.topics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

func (cm *ConnectionManager) setStatus(s Status) {
	if cm.opts.OnStatus != nil {
		cm.opts.OnStatus(s)
	}
}
