// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64

	// Message stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	publishReceived  atomic.Uint64
	retractions      atomic.Uint64
	replayed         atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Int64
	unsubscriptions atomic.Uint64
	expirations     atomic.Uint64

	// Retained message stats
	retainedMessages atomic.Int64

	// Error stats
	protocolErrors  atomic.Uint64
	rateLimitErrors atomic.Uint64
	deliveryErrors  atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() int64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

// Message tracking.
func (s *Stats) IncrementMessagesReceived() {
	s.messagesReceived.Add(1)
}

func (s *Stats) IncrementMessagesSent() {
	s.messagesSent.Add(1)
}

func (s *Stats) IncrementPublishReceived(retraction bool) {
	s.publishReceived.Add(1)
	if retraction {
		s.retractions.Add(1)
	}
}

func (s *Stats) AddReplayed(n int) {
	s.replayed.Add(uint64(n))
}

func (s *Stats) GetMessagesReceived() uint64 {
	return s.messagesReceived.Load()
}

func (s *Stats) GetMessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *Stats) GetPublishReceived() uint64 {
	return s.publishReceived.Load()
}

func (s *Stats) GetRetractions() uint64 {
	return s.retractions.Load()
}

func (s *Stats) GetReplayed() uint64 {
	return s.replayed.Load()
}

// Byte tracking.
func (s *Stats) AddBytesReceived(n uint64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) AddBytesSent(n uint64) {
	s.bytesSent.Add(n)
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions(expired bool) {
	s.subscriptions.Add(-1)
	if expired {
		s.expirations.Add(1)
		return
	}
	s.unsubscriptions.Add(1)
}

func (s *Stats) GetSubscriptions() int64 {
	return s.subscriptions.Load()
}

func (s *Stats) GetUnsubscriptions() uint64 {
	return s.unsubscriptions.Load()
}

func (s *Stats) GetExpirations() uint64 {
	return s.expirations.Load()
}

// Retained message tracking

func (s *Stats) SetRetainedMessages(n int64) {
	s.retainedMessages.Store(n)
}

func (s *Stats) GetRetainedMessages() int64 {
	return s.retainedMessages.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementRateLimitErrors() {
	s.rateLimitErrors.Add(1)
}

func (s *Stats) IncrementDeliveryErrors() {
	s.deliveryErrors.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

func (s *Stats) GetRateLimitErrors() uint64 {
	return s.rateLimitErrors.Load()
}

func (s *Stats) GetDeliveryErrors() uint64 {
	return s.deliveryErrors.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of Stats, shaped for JSON.
type Snapshot struct {
	UptimeSeconds      int64  `json:"uptime_seconds"`
	TotalConnections   uint64 `json:"total_connections"`
	CurrentConnections int64  `json:"current_connections"`
	Disconnections     uint64 `json:"disconnections"`
	MessagesReceived   uint64 `json:"messages_received"`
	MessagesSent       uint64 `json:"messages_sent"`
	PublishReceived    uint64 `json:"publish_received"`
	Retractions        uint64 `json:"retractions"`
	Replayed           uint64 `json:"replayed"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	Subscriptions      int64  `json:"subscriptions"`
	Unsubscriptions    uint64 `json:"unsubscriptions"`
	Expirations        uint64 `json:"expirations"`
	RetainedMessages   int64  `json:"retained_messages"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
	RateLimitErrors    uint64 `json:"rate_limit_errors"`
	DeliveryErrors     uint64 `json:"delivery_errors"`
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:      int64(s.GetUptime().Seconds()),
		TotalConnections:   s.GetTotalConnections(),
		CurrentConnections: s.GetCurrentConnections(),
		Disconnections:     s.GetDisconnections(),
		MessagesReceived:   s.GetMessagesReceived(),
		MessagesSent:       s.GetMessagesSent(),
		PublishReceived:    s.GetPublishReceived(),
		Retractions:        s.GetRetractions(),
		Replayed:           s.GetReplayed(),
		BytesReceived:      s.GetBytesReceived(),
		BytesSent:          s.GetBytesSent(),
		Subscriptions:      s.GetSubscriptions(),
		Unsubscriptions:    s.GetUnsubscriptions(),
		Expirations:        s.GetExpirations(),
		RetainedMessages:   s.GetRetainedMessages(),
		ProtocolErrors:     s.GetProtocolErrors(),
		RateLimitErrors:    s.GetRateLimitErrors(),
		DeliveryErrors:     s.GetDeliveryErrors(),
	}
}
