// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Metrics receives broker instrumentation. server/otel provides the
// OpenTelemetry implementation; a nil Metrics disables recording.
type Metrics interface {
	RecordConnection()
	RecordDisconnection(reason string)
	RecordMessageReceived(msgType string, sizeBytes int64)
	RecordMessageSent(sizeBytes int64)
	RecordSubscriptionAdded()
	RecordSubscriptionRemoved()
	RecordRetained(count int64)
	RecordError(errorType string)
	RecordPublishDuration(durationMs float64)
}

// RateLimiter throttles publish and subscribe requests per connection.
type RateLimiter interface {
	AllowPublish(connID string) bool
	AllowSubscribe(connID string) bool
	OnDisconnect(connID string)
}
