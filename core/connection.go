// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "errors"

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one client attached to the broker. Frames are encoded
// messages. WriteMessage and Ping must be safe for concurrent use; a single
// goroutine calls ReadMessage.
type Connection interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	RemoteAddr() string
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	// Ping sends a transport level heartbeat.
	Ping() error
	Close() error
}
