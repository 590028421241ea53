// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeAlertPublished      = "alert.published"
	TypeAlertRetracted      = "alert.retracted"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the cell topic for alert and subscription events, empty for others
	Topic() string
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// Wrap wraps an event in an envelope stamped with at.
func Wrap(e Event, brokerID string, at time.Time) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

// ClientConnected is emitted when a connection is accepted.
type ClientConnected struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
}

func (ClientConnected) Type() string  { return TypeClientConnected }
func (ClientConnected) Topic() string { return "" }

// ClientDisconnected is emitted after a connection's registrations were cleaned up.
type ClientDisconnected struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	Reason       string `json:"reason"` // "normal", "error", "shutdown"
	Topics       int    `json:"topics"` // registrations removed
}

func (ClientDisconnected) Type() string  { return TypeClientDisconnected }
func (ClientDisconnected) Topic() string { return "" }

// AlertPublished is emitted for every publication with a payload.
type AlertPublished struct {
	CellTopic   string `json:"topic"`
	Subject     string `json:"subject"`
	IssuedTime  int64  `json:"issued_time"`
	PayloadSize int    `json:"payload_size"`
	Receivers   int    `json:"receivers"`

	Payload json.RawMessage `json:"payload,omitempty"` // only when enabled
}

func (AlertPublished) Type() string    { return TypeAlertPublished }
func (e AlertPublished) Topic() string { return e.CellTopic }

// AlertRetracted is emitted for every publication with a null payload.
type AlertRetracted struct {
	CellTopic  string `json:"topic"`
	Subject    string `json:"subject"`
	IssuedTime int64  `json:"issued_time"`
	Receivers  int    `json:"receivers"`
}

func (AlertRetracted) Type() string    { return TypeAlertRetracted }
func (e AlertRetracted) Topic() string { return e.CellTopic }

// SubscriptionCreated is emitted when an identity first registers for a topic.
// Lease renewals do not emit it.
type SubscriptionCreated struct {
	ConnectionID string `json:"connection_id"`
	Identity     string `json:"identity"`
	CellTopic    string `json:"topic"`
	Replayed     int    `json:"replayed"`
}

func (SubscriptionCreated) Type() string    { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string { return e.CellTopic }

// SubscriptionRemoved is emitted when a registration goes away.
type SubscriptionRemoved struct {
	ConnectionID string `json:"connection_id"`
	Identity     string `json:"identity"`
	CellTopic    string `json:"topic"`
	Reason       string `json:"reason"` // "unsubscribe", "expired"
}

func (SubscriptionRemoved) Type() string    { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string { return e.CellTopic }
