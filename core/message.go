// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Message types.
const (
	TypePublish   = "pub"
	TypeSubscribe = "sub"
)

// Heartbeat methods.
const (
	MethodPing = "ping"
	MethodPong = "pong"
)

// Wire format errors.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type or method")
)

var nullPayload = json.RawMessage("null")

// Message is the single wire frame exchanged between clients and the broker.
//
// A publication is {type:"pub", topic, subject, payload, issuedTime}; a null
// payload retracts the subject under the topic. A subscription is
// {type:"sub", topic, subject:<identity>, payload:<identity>} and the same
// frame with a null payload unsubscribes. Heartbeats only carry a method.
type Message struct {
	Type       string          `json:"type,omitempty"`
	Method     string          `json:"method,omitempty"`
	Topic      string          `json:"topic,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IssuedTime int64           `json:"issuedTime,omitempty"`
}

// NewPublish creates a publication. A nil payload is encoded as a retraction.
func NewPublish(topic, subject string, payload json.RawMessage, issued time.Time) *Message {
	if len(payload) == 0 {
		payload = nullPayload
	}
	return &Message{
		Type:       TypePublish,
		Topic:      topic,
		Subject:    subject,
		Payload:    payload,
		IssuedTime: issued.UnixMilli(),
	}
}

// NewRetraction creates a publication with a null payload.
func NewRetraction(topic, subject string, issued time.Time) *Message {
	return NewPublish(topic, subject, nil, issued)
}

// NewSubscribe creates a subscribe request for identity.
func NewSubscribe(topic, identity string) *Message {
	payload, _ := json.Marshal(identity)
	return &Message{
		Type:    TypeSubscribe,
		Topic:   topic,
		Subject: identity,
		Payload: payload,
	}
}

// NewUnsubscribe creates an unsubscribe request for identity.
func NewUnsubscribe(topic, identity string) *Message {
	return &Message{
		Type:    TypeSubscribe,
		Topic:   topic,
		Subject: identity,
		Payload: nullPayload,
	}
}

// Ping returns an application level heartbeat request.
func Ping() *Message {
	return &Message{Method: MethodPing}
}

// Pong returns the reply to Ping.
func Pong() *Message {
	return &Message{Method: MethodPong}
}

// IsNull reports whether the payload is absent or JSON null.
func (m *Message) IsNull() bool {
	p := bytes.TrimSpace(m.Payload)
	return len(p) == 0 || bytes.Equal(p, nullPayload)
}

// IsHeartbeat reports whether the message is a ping or pong.
func (m *Message) IsHeartbeat() bool {
	return m.Method != ""
}

// Issued returns the issue time of a publication.
func (m *Message) Issued() time.Time {
	return time.UnixMilli(m.IssuedTime)
}

// Supersedes reports whether m replaces other for the same topic and subject:
// the higher issue time wins and ties go to the later arrival, m.
func (m *Message) Supersedes(other *Message) bool {
	return other == nil || m.IssuedTime >= other.IssuedTime
}

// WithTopic returns a shallow copy of m addressed to topic.
func (m *Message) WithTopic(topic string) *Message {
	c := *m
	c.Topic = topic
	return &c
}

// Validate checks the structural requirements of a decoded message.
func (m *Message) Validate() error {
	if m.Method != "" {
		switch m.Method {
		case MethodPing, MethodPong:
			return nil
		default:
			return fmt.Errorf("%w: method %q", ErrUnknownType, m.Method)
		}
	}

	switch m.Type {
	case TypePublish, TypeSubscribe:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: type %q", ErrUnknownType, m.Type)
	}
	if m.Topic == "" {
		return fmt.Errorf("%w: missing topic", ErrMalformedMessage)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrMalformedMessage)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: invalid payload", ErrMalformedMessage)
	}
	if m.Type == TypePublish && m.IssuedTime <= 0 {
		return fmt.Errorf("%w: missing issuedTime", ErrMalformedMessage)
	}
	return nil
}

// Encode serializes a message.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
