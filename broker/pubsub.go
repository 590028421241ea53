// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/YZ-social/Yz.social/broker/events"
	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Subscribe registers identity on topic for the connection connID, as if the
// connection had sent a subscribe message.
func (b *Broker) Subscribe(ctx context.Context, connID, topic, identity string) error {
	s, err := b.session(connID)
	if err != nil {
		return err
	}
	return b.subscribe(ctx, s, topic, identity)
}

// Unsubscribe removes the registration of identity on topic owned by connID.
func (b *Broker) Unsubscribe(connID, topic, identity string) error {
	s, err := b.session(connID)
	if err != nil {
		return err
	}
	return b.unsubscribe(s, topic, identity)
}

// Publish relays msg as if a connection had sent it.
func (b *Broker) Publish(ctx context.Context, msg *core.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Type != core.TypePublish {
		return fmt.Errorf("%w: type %q", core.ErrUnknownType, msg.Type)
	}
	if !b.acquire() {
		return ErrBrokerClosed
	}
	defer b.wg.Done()

	frame, err := core.Encode(msg)
	if err != nil {
		return err
	}
	return b.publish(ctx, msg, frame)
}

// subscribe inserts or renews a registration, restarts its lease and replays
// the retained publications of the topic.
func (b *Broker) subscribe(ctx context.Context, s *session, topic, identity string) error {
	gen := b.gen.Add(1)
	sh := b.registry.shard(topic)

	sh.mu.Lock()
	bk, ok := sh.topics[topic]
	if !ok {
		bk = &bucket{subs: make(map[string]*registration)}
		sh.topics[topic] = bk
	}
	if !s.track(topic, identity) {
		if len(bk.subs) == 0 {
			delete(sh.topics, topic)
		}
		sh.mu.Unlock()
		return core.ErrConnectionClosed
	}

	prev := bk.subs[identity]
	fresh := prev == nil || prev.sess != s
	if prev != nil {
		prev.timer.Stop()
		if prev.sess != s {
			prev.sess.untrack(topic, identity)
		}
	}
	reg := &registration{sess: s, identity: identity, gen: gen}
	reg.timer = b.clock.AfterFunc(b.opts.SubscriptionTTL, func() {
		b.expire(topic, identity, gen)
	})
	bk.subs[identity] = reg
	sh.mu.Unlock()

	if prev == nil {
		b.stats.IncrementSubscriptions()
		if b.metrics != nil {
			b.metrics.RecordSubscriptionAdded()
		}
	}

	replayed, err := b.replay(ctx, s, topic)
	if !fresh {
		b.logOp("subscription_renewed",
			slog.String("connection_id", s.id),
			slog.String("topic", topic),
			slog.Int("replayed", replayed))
		return err
	}

	b.logOp("subscribe",
		slog.String("connection_id", s.id),
		slog.String("topic", topic),
		slog.Int("replayed", replayed))
	b.notify(events.SubscriptionCreated{
		ConnectionID: s.id,
		Identity:     identity,
		CellTopic:    topic,
		Replayed:     replayed,
	})
	return err
}

// replay sends every retained publication of topic to one connection.
func (b *Broker) replay(ctx context.Context, s *session, topic string) (int, error) {
	msgs, err := b.retained.Match(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to match retained messages: %w", err)
	}

	sent := 0
	for _, r := range msgs {
		msg := core.NewPublish(r.Topic, r.Subject, r.Payload, r.Issued())
		frame, err := core.Encode(msg)
		if err != nil {
			b.logError("encode", err, slog.String("topic", topic))
			continue
		}
		if !b.send(s, frame) {
			break
		}
		sent++
	}
	b.stats.AddReplayed(sent)
	return sent, nil
}

func (b *Broker) unsubscribe(s *session, topic, identity string) error {
	sh := b.registry.shard(topic)

	sh.mu.Lock()
	bk, ok := sh.topics[topic]
	if !ok {
		sh.mu.Unlock()
		return ErrNotSubscribed
	}
	reg, ok := bk.subs[identity]
	if !ok || reg.sess != s {
		sh.mu.Unlock()
		return ErrNotSubscribed
	}
	reg.timer.Stop()
	delete(bk.subs, identity)
	if len(bk.subs) == 0 {
		delete(sh.topics, topic)
	}
	s.untrack(topic, identity)
	sh.mu.Unlock()

	b.removed(s, topic, identity, ReasonUnsubscribe)
	return nil
}

// expire runs when a lease runs out. A renewal or removal after the timer
// was armed changes the generation and turns this into a no-op.
func (b *Broker) expire(topic, identity string, gen uint64) {
	sh := b.registry.shard(topic)

	sh.mu.Lock()
	bk, ok := sh.topics[topic]
	if !ok {
		sh.mu.Unlock()
		return
	}
	reg, ok := bk.subs[identity]
	if !ok || reg.gen != gen {
		sh.mu.Unlock()
		return
	}
	delete(bk.subs, identity)
	if len(bk.subs) == 0 {
		delete(sh.topics, topic)
	}
	reg.sess.untrack(topic, identity)
	sh.mu.Unlock()

	b.removed(reg.sess, topic, identity, ReasonExpired)
}

func (b *Broker) removed(s *session, topic, identity, reason string) {
	b.stats.DecrementSubscriptions(reason == ReasonExpired)
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved()
	}
	b.logOp("subscription_removed",
		slog.String("connection_id", s.id),
		slog.String("topic", topic),
		slog.String("reason", reason))
	b.notify(events.SubscriptionRemoved{
		ConnectionID: s.id,
		Identity:     identity,
		CellTopic:    topic,
		Reason:       reason,
	})
}

// cleanup removes every registration a closed connection owns. It only
// visits the topics that connection registered under.
func (b *Broker) cleanup(s *session) int {
	removed := 0
	for topic, ids := range s.drain() {
		sh := b.registry.shard(topic)
		sh.mu.Lock()
		bk, ok := sh.topics[topic]
		if !ok {
			sh.mu.Unlock()
			continue
		}
		for identity := range ids {
			reg, ok := bk.subs[identity]
			if !ok || reg.sess != s {
				continue
			}
			reg.timer.Stop()
			delete(bk.subs, identity)
			removed++
		}
		if len(bk.subs) == 0 {
			delete(sh.topics, topic)
		}
		sh.mu.Unlock()
	}

	for range removed {
		b.stats.DecrementSubscriptions(false)
		if b.metrics != nil {
			b.metrics.RecordSubscriptionRemoved()
		}
	}
	return removed
}

// publish fans frame out to every connection subscribed to the topic, the
// sender included, then records it in the retained store.
func (b *Broker) publish(ctx context.Context, msg *core.Message, frame []byte) error {
	retraction := msg.IsNull()
	ctx, span := b.tracer.Start(ctx, "broker.publish",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("yz.topic", msg.Topic),
			attribute.String("yz.subject", msg.Subject),
			attribute.Bool("yz.retraction", retraction),
		))
	defer span.End()

	start := b.clock.Now()
	b.stats.IncrementPublishReceived(retraction)

	receivers := b.registry.receivers(msg.Topic)
	b.deliver(receivers, frame)
	span.SetAttributes(attribute.Int("yz.receivers", len(receivers)))

	r := &storage.Retained{
		Topic:      msg.Topic,
		Subject:    msg.Subject,
		IssuedTime: msg.IssuedTime,
	}
	if !retraction {
		r.Payload = append([]byte(nil), msg.Payload...)
	}
	changed, err := b.retained.Set(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if b.metrics != nil {
			b.metrics.RecordError("retained")
		}
		err = fmt.Errorf("failed to retain %s/%s: %w", msg.Topic, msg.Subject, err)
	}

	if b.metrics != nil {
		b.metrics.RecordPublishDuration(float64(b.clock.Since(start).Microseconds()) / 1000)
	}
	b.logOp("publish",
		slog.String("topic", msg.Topic),
		slog.String("subject", msg.Subject),
		slog.Bool("retraction", retraction),
		slog.Int("receivers", len(receivers)),
		slog.Bool("retained", changed))

	if retraction {
		b.notify(events.AlertRetracted{
			CellTopic:  msg.Topic,
			Subject:    msg.Subject,
			IssuedTime: msg.IssuedTime,
			Receivers:  len(receivers),
		})
		return err
	}
	ev := events.AlertPublished{
		CellTopic:   msg.Topic,
		Subject:     msg.Subject,
		IssuedTime:  msg.IssuedTime,
		PayloadSize: len(msg.Payload),
		Receivers:   len(receivers),
	}
	if b.webhooks != nil && b.webhooks.IncludePayload() {
		ev.Payload = msg.Payload
	}
	b.notify(ev)
	return err
}

// deliver sends frame to every receiver and returns when all sends are done,
// so frames from one sender reach each receiver in the order they were sent.
func (b *Broker) deliver(receivers []*session, frame []byte) {
	if len(receivers) < parallelFanOut {
		for _, s := range receivers {
			b.send(s, frame)
		}
		return
	}

	tasks := make([]func(), 0, len(receivers))
	for _, s := range receivers {
		tasks = append(tasks, func() { b.send(s, frame) })
	}
	b.pool.Run(tasks)
}
