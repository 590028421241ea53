// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/geo"
	"github.com/benbjohnson/clock"
)

// Handler receives the events of one topic.
type Handler func(msg *core.Message)

// Subscriber registers topics with the relay. ConnectionManager implements it.
type Subscriber interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Renew(topic string) error
}

type subscription struct {
	handler Handler
	renewal *clock.Timer
}

// SubscriptionManager keeps the set of active topics in step with the
// relay: it diffs topic sets, renews leases before they expire and routes
// inbound events to topic handlers.
type SubscriptionManager struct {
	conn    Subscriber
	opts    *Options
	clock   clock.Clock
	logger  *slog.Logger
	handler Handler
	echo    *echoSet

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSubscriptionManager creates an empty manager. handler serves topics
// added through Update and UpdateViewport.
func NewSubscriptionManager(conn Subscriber, opts *Options, handler Handler) (*SubscriptionManager, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &SubscriptionManager{
		conn:    conn,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		handler: handler,
		echo:    newEchoSet(opts.Clock, opts.EchoTTL),
		subs:    make(map[string]*subscription),
	}, nil
}

// Update makes topics the active set: new topics are subscribed, topics no
// longer present are unsubscribed and unchanged topics are left alone.
func (sm *SubscriptionManager) Update(topics []string) error {
	want := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		want[t] = struct{}{}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var added, removed int
	for _, t := range topics {
		if _, ok := sm.subs[t]; ok {
			continue
		}
		record(sm.addLocked(t, sm.handler))
		added++
	}
	for t := range sm.subs {
		if _, ok := want[t]; ok {
			continue
		}
		record(sm.removeLocked(t))
		removed++
	}

	if added > 0 || removed > 0 {
		sm.logger.Debug("subscriptions_updated",
			slog.Int("added", added),
			slog.Int("removed", removed),
			slog.Int("active", len(sm.subs)))
	}
	return firstErr
}

// UpdateViewport subscribes to the cells covering the circle around center
// that passes through edge, in every topic family.
func (sm *SubscriptionManager) UpdateViewport(center, edge geo.Point) error {
	if !center.Valid() || !edge.Valid() {
		return ErrInvalidPoint
	}
	cells := sm.opts.Coverer.CellsCovering(center, edge)
	return sm.Update(sm.opts.Families.Subscribe(cells))
}

// Subscribe adds a single topic served by handler. An active topic keeps its
// lease and only has its handler replaced.
func (sm *SubscriptionManager) Subscribe(topic string, handler Handler) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sub, ok := sm.subs[topic]; ok {
		sub.handler = handler
		return nil
	}
	return sm.addLocked(topic, handler)
}

// Unsubscribe removes a single topic.
func (sm *SubscriptionManager) Unsubscribe(topic string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.subs[topic]; !ok {
		return nil
	}
	return sm.removeLocked(topic)
}

// Cancel removes every topic.
func (sm *SubscriptionManager) Cancel() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var firstErr error
	for t := range sm.subs {
		if err := sm.removeLocked(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Topics returns the active topics in order.
func (sm *SubscriptionManager) Topics() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	topics := make([]string, 0, len(sm.subs))
	for t := range sm.subs {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// Has reports whether topic is active.
func (sm *SubscriptionManager) Has(topic string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.subs[topic]
	return ok
}

// Dispatch routes an inbound event to its topic handler. Events for inactive
// topics and copies of locally evaluated publications are dropped. It
// reports whether the handler ran.
func (sm *SubscriptionManager) Dispatch(msg *core.Message) bool {
	if msg == nil || msg.Type != core.TypePublish {
		return false
	}

	sm.mu.Lock()
	sub, ok := sm.subs[msg.Topic]
	var handler Handler
	if ok {
		handler = sub.handler
	}
	sm.mu.Unlock()

	if !ok || handler == nil {
		sm.logger.Debug("event_dropped",
			slog.String("topic", msg.Topic),
			slog.String("subject", msg.Subject))
		return false
	}
	if sm.echo.consume(msg.Topic, msg.Subject) {
		return false
	}
	handler(msg)
	return true
}

// expectEcho registers msg as evaluated locally and returns the handler to
// evaluate it with, or nil when its topic is not active. The echo is recorded
// before msg is sent, so a fast copy from the relay is never dispatched twice.
func (sm *SubscriptionManager) expectEcho(msg *core.Message) Handler {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sub, ok := sm.subs[msg.Topic]
	if !ok || sub.handler == nil {
		return nil
	}
	sm.echo.add(msg.Topic, msg.Subject)
	return sub.handler
}

func (sm *SubscriptionManager) addLocked(topic string, handler Handler) error {
	sub := &subscription{handler: handler}
	sm.subs[topic] = sub
	sm.armRenewal(topic, sub)
	return sm.conn.Subscribe(topic)
}

func (sm *SubscriptionManager) removeLocked(topic string) error {
	sub := sm.subs[topic]
	delete(sm.subs, topic)
	if sub.renewal != nil {
		sub.renewal.Stop()
	}
	return sm.conn.Unsubscribe(topic)
}

// armRenewal schedules the next lease renewal. Called with mu held.
func (sm *SubscriptionManager) armRenewal(topic string, sub *subscription) {
	sub.renewal = sm.clock.AfterFunc(sm.opts.RenewInterval, func() {
		sm.renew(topic, sub)
	})
}

func (sm *SubscriptionManager) renew(topic string, sub *subscription) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.subs[topic] != sub {
		return
	}
	sm.armRenewal(topic, sub)
	if err := sm.conn.Renew(topic); err != nil {
		sm.logger.Warn("subscription_renewal_failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}
}
