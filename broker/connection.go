// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/YZ-social/Yz.social/broker/events"
	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/topics"
)

// HandleConnection serves conn until it closes or ctx is cancelled, then
// removes every registration the connection owns. It returns nil when the
// connection closed normally.
func (b *Broker) HandleConnection(ctx context.Context, conn core.Connection) error {
	s, err := b.register(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		b.heartbeat(ctx, s)
	}()

	reason := ReasonNormal
	var readErr error
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || b.closing() {
				reason = ReasonShutdown
			} else if !errors.Is(err, core.ErrConnectionClosed) && !errors.Is(err, io.EOF) {
				reason = ReasonError
				readErr = fmt.Errorf("read from %s: %w", s.id, err)
			}
			break
		}
		b.dispatch(ctx, s, frame)
	}

	cancel()
	<-heartbeatDone
	b.unregister(s, reason)
	return readErr
}

func (b *Broker) register(conn core.Connection) (*session, error) {
	s := newSession(conn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.sessions[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	b.stats.IncrementConnections()
	if b.metrics != nil {
		b.metrics.RecordConnection()
	}
	b.logger.Info("client_connected",
		slog.String("connection_id", s.id),
		slog.String("remote_addr", s.remote))
	b.notify(events.ClientConnected{ConnectionID: s.id, RemoteAddr: s.remote})
	return s, nil
}

func (b *Broker) unregister(s *session, reason string) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()

	removed := b.cleanup(s)
	_ = s.conn.Close()

	if b.rateLimiter != nil {
		b.rateLimiter.OnDisconnect(s.id)
	}
	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection(reason)
	}
	b.logger.Info("client_disconnected",
		slog.String("connection_id", s.id),
		slog.String("reason", reason),
		slog.Int("registrations", removed))
	b.notify(events.ClientDisconnected{
		ConnectionID: s.id,
		RemoteAddr:   s.remote,
		Reason:       reason,
		Topics:       removed,
	})
}

// heartbeat pings the connection until ctx is done. A failed ping closes the
// connection, which ends the read loop.
func (b *Broker) heartbeat(ctx context.Context, s *session) {
	ticker := b.clock.Ticker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Unblocks ReadMessage when the caller cancelled.
			_ = s.conn.Close()
			return
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				b.logOp("heartbeat_failed",
					slog.String("connection_id", s.id),
					slog.String("error", err.Error()))
				_ = s.conn.Close()
				return
			}
		}
	}
}

// dispatch handles one inbound frame. Bad frames are logged and dropped;
// they never end the connection.
func (b *Broker) dispatch(ctx context.Context, s *session, frame []byte) {
	b.stats.IncrementMessagesReceived()
	b.stats.AddBytesReceived(uint64(len(frame)))

	if b.opts.MaxMessageSize > 0 && len(frame) > b.opts.MaxMessageSize {
		b.reject(s, "message_too_large", ErrMessageTooLarge, slog.Int("size", len(frame)))
		return
	}

	msg, err := core.Decode(frame)
	if err != nil {
		kind := "malformed_message"
		if errors.Is(err, core.ErrUnknownType) {
			kind = "unknown_type"
		}
		b.reject(s, kind, err)
		return
	}

	if msg.IsHeartbeat() {
		if msg.Method == core.MethodPing {
			b.write(s, core.Pong())
		}
		return
	}

	if err := topics.ValidateTopicName(msg.Topic, b.opts.StrictTopics); err != nil {
		b.reject(s, "invalid_topic", err, slog.String("topic", msg.Topic))
		return
	}

	if b.metrics != nil {
		b.metrics.RecordMessageReceived(msg.Type, int64(len(frame)))
	}

	switch msg.Type {
	case core.TypeSubscribe:
		if b.rateLimiter != nil && !b.rateLimiter.AllowSubscribe(s.id) {
			b.limited(s, msg)
			return
		}
		if msg.IsNull() {
			if err := b.unsubscribe(s, msg.Topic, msg.Subject); err != nil {
				b.logOp("unsubscribe_ignored",
					slog.String("connection_id", s.id),
					slog.String("topic", msg.Topic),
					slog.String("error", err.Error()))
			}
			return
		}
		if err := b.subscribe(ctx, s, msg.Topic, msg.Subject); err != nil {
			b.logOp("subscribe_failed",
				slog.String("connection_id", s.id),
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()))
		}

	case core.TypePublish:
		if b.rateLimiter != nil && !b.rateLimiter.AllowPublish(s.id) {
			b.limited(s, msg)
			return
		}
		if err := b.publish(ctx, msg, frame); err != nil {
			b.logger.Warn("publish_failed",
				slog.String("connection_id", s.id),
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()))
		}
	}
}

func (b *Broker) reject(s *session, kind string, err error, attrs ...any) {
	b.stats.IncrementProtocolErrors()
	if b.metrics != nil {
		b.metrics.RecordError(kind)
	}
	attrs = append([]any{
		slog.String("connection_id", s.id),
		slog.String("error", err.Error()),
	}, attrs...)
	b.logger.Warn(kind, attrs...)
}

func (b *Broker) limited(s *session, msg *core.Message) {
	b.stats.IncrementRateLimitErrors()
	if b.metrics != nil {
		b.metrics.RecordError("rate_limited")
	}
	b.logger.Warn("rate_limited",
		slog.String("connection_id", s.id),
		slog.String("type", msg.Type),
		slog.String("topic", msg.Topic),
		slog.String("error", ErrRateLimited.Error()))
}

// write encodes msg and sends it to one connection.
func (b *Broker) write(s *session, msg *core.Message) {
	frame, err := core.Encode(msg)
	if err != nil {
		b.logError("encode", err, slog.String("connection_id", s.id))
		return
	}
	b.send(s, frame)
}

// send delivers a frame. A connection that cannot take writes is closed so
// its handler cleans it up.
func (b *Broker) send(s *session, frame []byte) bool {
	if err := s.conn.WriteMessage(frame); err != nil {
		b.stats.IncrementDeliveryErrors()
		if b.metrics != nil {
			b.metrics.RecordError("delivery")
		}
		b.logOp("delivery_failed",
			slog.String("connection_id", s.id),
			slog.String("error", err.Error()))
		_ = s.conn.Close()
		return false
	}
	b.stats.IncrementMessagesSent()
	b.stats.AddBytesSent(uint64(len(frame)))
	if b.metrics != nil {
		b.metrics.RecordMessageSent(int64(len(frame)))
	}
	return true
}
